package replog

import (
	"context"

	"github.com/atomicsettle/coordinator/internal/settlement"
)

// ProcessorLog adapts a Store into the settlement package's ReplicatedLog
// interface, translating the Processor's local TransitionRecord into a
// durable Entry. The Settlement Processor never imports this package
// directly (replog already depends on settlement for Status, so the
// dependency can only run one way); callers wire NewProcessorLog into
// settlement.NewProcessor instead.
type ProcessorLog struct {
	store Store
}

// NewProcessorLog wraps store for use as a settlement.ReplicatedLog.
func NewProcessorLog(store Store) *ProcessorLog {
	return &ProcessorLog{store: store}
}

func (l *ProcessorLog) Append(ctx context.Context, rec *settlement.TransitionRecord) error {
	return l.store.Append(ctx, &Entry{
		SettlementID: rec.SettlementID,
		FromStatus:   rec.FromStatus,
		ToStatus:     rec.ToStatus,
		Detail:       rec.Detail,
		RecordedAt:   rec.RecordedAt,
	})
}
