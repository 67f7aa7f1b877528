package lockmgr

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/atomicsettle/coordinator/internal/logging"
	"github.com/atomicsettle/coordinator/internal/metrics"
)

// Sweeper runs at 1 Hz, per the expiry rule: any active lock whose
// expires_at is in the past is atomically transitioned to expired and its
// account's locked balance decremented back into available.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates the expiry sweeper. interval is normally 1s.
func NewSweeper(manager *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sweeper{manager: manager, interval: interval, stop: make(chan struct{})}
}

// Running reports whether the sweeper loop is active.
func (s *Sweeper) Running() bool { return s.running.Load() }

// Start runs the sweep loop until ctx is cancelled or Stop is called. Call
// in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweep loop to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("panic in lock expiry sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.sweep(ctx)
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := time.Now()
	expired, err := s.manager.store.ListActiveExpired(ctx, now, 500)
	if err != nil {
		logging.L(ctx).Warn("failed to list expired locks", "error", err)
		return
	}

	for _, lock := range expired {
		if err := s.manager.Release(ctx, lock.LockID, ReasonLockExpired); err != nil {
			logging.L(ctx).Warn("failed to expire lock", "lock_id", lock.LockID, "error", err)
			continue
		}
		metrics.LocksExpiredTotal.Inc()
		logging.L(ctx).Info("lock expired", "lock_id", lock.LockID, "settlement_id", lock.SettlementID)
	}
}
