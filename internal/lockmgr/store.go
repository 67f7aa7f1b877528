package lockmgr

import (
	"context"
	"time"
)

// Store persists Lock records.
type Store interface {
	Create(ctx context.Context, lock *Lock) error
	Get(ctx context.Context, lockID string) (*Lock, error)
	Update(ctx context.Context, lock *Lock) error
	ListBySettlement(ctx context.Context, settlementID string) ([]*Lock, error)
	// ListActiveExpired returns active locks whose expires_at is before
	// cutoff, for the 1Hz expiry sweeper.
	ListActiveExpired(ctx context.Context, cutoff time.Time, limit int) ([]*Lock, error)
}
