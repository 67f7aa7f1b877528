package settlement

import (
	"context"
	"errors"
)

var (
	ErrNotFound             = errors.New("settlement: not found")
	ErrIdempotencyKeyExists = errors.New("settlement: idempotency key already in use by another settlement")
)

// Store persists settlement records and resolves the idempotency index. A
// settlement is written once on received->initiated and thereafter updated
// in place as it advances through its state machine.
type Store interface {
	Create(ctx context.Context, s *Settlement) error
	Update(ctx context.Context, s *Settlement) error
	Get(ctx context.Context, id string) (*Settlement, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Settlement, error)

	// ListNonTerminal returns every settlement not in a terminal status, for
	// recovery on leader promotion.
	ListNonTerminal(ctx context.Context) ([]*Settlement, error)
}
