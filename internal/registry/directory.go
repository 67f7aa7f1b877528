package registry

import (
	"context"

	"github.com/atomicsettle/coordinator/internal/settlement"
)

// Directory adapts a Store into settlement.Directory, the same thin
// passthrough-adapter shape the teacher uses for
// reputation.NewRegistryProvider wrapping registry.Store.
type Directory struct {
	store Store
}

var _ settlement.Directory = (*Directory)(nil)

// NewDirectory wraps store for use as a settlement.Directory.
func NewDirectory(store Store) *Directory {
	return &Directory{store: store}
}

func (d *Directory) Get(ctx context.Context, participantID string) (settlement.Participant, bool) {
	p, err := d.store.GetParticipant(ctx, participantID)
	if err != nil {
		return settlement.Participant{}, false
	}
	return *p, true
}

func (d *Directory) Blocklisted(ctx context.Context, receiverID, senderID string) (bool, error) {
	return d.store.IsBlocked(ctx, receiverID, senderID)
}
