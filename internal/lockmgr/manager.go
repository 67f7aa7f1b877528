package lockmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/atomicsettle/coordinator/internal/atomicerr"
	"github.com/atomicsettle/coordinator/internal/idgen"
	"github.com/atomicsettle/coordinator/internal/ledger"
	"github.com/atomicsettle/coordinator/internal/logging"
	"github.com/atomicsettle/coordinator/internal/syncutil"
)

// LedgerService is the narrow slice of the Ledger Engine the Lock Manager
// depends on: balance reservation, its inverse, and a balance read for
// reporting available_balance on an insufficient_funds rejection.
type LedgerService interface {
	GetBalance(ctx context.Context, account ledger.AccountID) (*ledger.Balance, error)
	Reserve(ctx context.Context, account ledger.AccountID, amount string) (int64, error)
	ReleaseReservation(ctx context.Context, account ledger.AccountID, amount string) error
}

// AcquireResult is the outcome of a single acquire() call.
type AcquireResult struct {
	Lock      *Lock
	Failed    bool
	Reason    string // "insufficient_funds" | "timeout"
	Available string
}

// Manager implements the Lock Manager: acquire/release/extend over a Store,
// serializing concurrent requests on the same account via a context-aware
// sharded mutex and delegating balance movement to the Ledger Engine.
type Manager struct {
	store        Store
	ledgerSvc    LedgerService
	accountLocks *syncutil.ContextShardedMutex

	lockPhaseTimeout time.Duration
}

// NewManager creates a Lock Manager.
func NewManager(store Store, ledgerSvc LedgerService, lockPhaseTimeout time.Duration) *Manager {
	return &Manager{
		store:            store,
		ledgerSvc:        ledgerSvc,
		accountLocks:     syncutil.NewContextShardedMutex(),
		lockPhaseTimeout: lockPhaseTimeout,
	}
}

func accountKey(account AccountRef) string {
	return account.ParticipantID + ":" + account.AccountNumber + ":" + account.Currency
}

// Acquire implements acquire(lock_request). The manager holds no
// client-side balance: it delegates the balance check to the Ledger Engine
// atomically with lock record creation by serializing all contenders for the
// same account through a single mutex, so "atomic with respect to this
// account" holds even though reservation and lock-row creation are two
// calls.
//
// Contention on the same account is resolved by (priority desc, timestamp
// asc): since all contenders for an account pass through the same mutex,
// admission order reduces to acquisition order on that mutex, so callers
// wanting priority-respecting admission should present requests to Acquire
// in that already-sorted order (the Settlement Processor sorts a
// settlement's legs with SortLegs and acquires them one at a time).
func (m *Manager) Acquire(ctx context.Context, req Request) (*AcquireResult, error) {
	admitCtx, cancel := context.WithTimeout(ctx, m.lockPhaseTimeout)
	defer cancel()

	unlock, err := m.accountLocks.LockContext(admitCtx, accountKey(req.Account))
	if err != nil {
		return &AcquireResult{Failed: true, Reason: "timeout"}, nil
	}
	defer unlock()

	ledgerAccount := ledger.AccountID{
		ParticipantID: req.Account.ParticipantID,
		AccountNumber: req.Account.AccountNumber,
		Currency:      req.Account.Currency,
	}

	if _, err := m.ledgerSvc.Reserve(ctx, ledgerAccount, req.Amount); err != nil {
		available := "0"
		if bal, balErr := m.ledgerSvc.GetBalance(ctx, ledgerAccount); balErr == nil {
			available = bal.Available
		}
		logging.L(ctx).Warn("lock acquire rejected: insufficient funds",
			"lock_id", req.LockID, "settlement_id", req.SettlementID, "account", req.Account.ParticipantID)
		return &AcquireResult{Failed: true, Reason: "insufficient_funds", Available: available}, nil
	}

	now := time.Now()
	lockID := req.LockID
	if lockID == "" {
		lockID = idgen.LockID()
	}
	lock := &Lock{
		LockID:       lockID,
		SettlementID: req.SettlementID,
		LegNumber:    req.LegNumber,
		Account:      req.Account,
		Amount:       req.Amount,
		Status:       StatusActive,
		Priority:     req.Priority,
		AcquiredAt:   now,
		ExpiresAt:    req.ExpiresAt,
		CreatedAt:    now,
	}

	if err := m.store.Create(ctx, lock); err != nil {
		// Best-effort compensation: funds were reserved but the lock row
		// failed to persist.
		_ = m.ledgerSvc.ReleaseReservation(ctx, ledgerAccount, req.Amount)
		return nil, fmt.Errorf("lockmgr: create lock record: %w", err)
	}

	return &AcquireResult{Lock: lock}, nil
}

// Release implements release(lock_id, reason), restoring available/locked
// atomically with the status change for every non-commit release path.
// Commit-triggered consumption goes through the Ledger Engine's
// CommitSettlement instead, which marks the lock consumed directly; Release
// should not be called for that path.
func (m *Manager) Release(ctx context.Context, lockID string, reason ReleaseReason) error {
	lock, err := m.store.Get(ctx, lockID)
	if err != nil {
		return err
	}

	unlock, err := m.accountLocks.LockContext(ctx, accountKey(lock.Account))
	if err != nil {
		return err
	}
	defer unlock()

	if lock.IsTerminal() {
		return nil
	}

	ledgerAccount := ledger.AccountID{
		ParticipantID: lock.Account.ParticipantID,
		AccountNumber: lock.Account.AccountNumber,
		Currency:      lock.Account.Currency,
	}
	if err := m.ledgerSvc.ReleaseReservation(ctx, ledgerAccount, lock.Amount); err != nil {
		return fmt.Errorf("lockmgr: release reservation: %w", err)
	}

	lock.Status = StatusReleased
	if reason == ReasonLockExpired {
		lock.Status = StatusExpired
	}
	return m.store.Update(ctx, lock)
}

// Consume marks lockID consumed after a successful atomic commit. Unlike
// Release, this does not call ReleaseReservation: the Ledger Engine's
// CommitSettlement has already decremented the reservation as part of its
// own atomic balance update, so restoring it here would double-count.
func (m *Manager) Consume(ctx context.Context, lockID string) error {
	lock, err := m.store.Get(ctx, lockID)
	if err != nil {
		return err
	}

	unlock, err := m.accountLocks.LockContext(ctx, accountKey(lock.Account))
	if err != nil {
		return err
	}
	defer unlock()

	if lock.IsTerminal() {
		return nil
	}

	lock.Status = StatusConsumed
	return m.store.Update(ctx, lock)
}

// Extend implements extend(lock_id, new_expires_at): allowed at most once
// per lock, capped at acquired_at + MaxExtension.
func (m *Manager) Extend(ctx context.Context, lockID string, newExpiresAt time.Time) (*Lock, error) {
	lock, err := m.store.Get(ctx, lockID)
	if err != nil {
		return nil, err
	}

	unlock, err := m.accountLocks.LockContext(ctx, accountKey(lock.Account))
	if err != nil {
		return nil, err
	}
	defer unlock()

	if lock.Status != StatusActive {
		return nil, atomicerr.Wrap(atomicerr.KindLock, atomicerr.CodeLockConflict, false, ErrInvalidTransition)
	}
	if lock.Extended {
		return nil, atomicerr.ErrAlreadyExtended
	}
	if newExpiresAt.Sub(lock.AcquiredAt) > MaxExtension {
		return nil, atomicerr.Wrap(atomicerr.KindLock, atomicerr.CodeLockConflict, false, ErrExtensionTooLong)
	}

	lock.ExpiresAt = newExpiresAt
	lock.Extended = true
	if err := m.store.Update(ctx, lock); err != nil {
		return nil, err
	}
	return lock, nil
}

// Get returns the current lock record.
func (m *Manager) Get(ctx context.Context, lockID string) (*Lock, error) {
	return m.store.Get(ctx, lockID)
}

// ListBySettlement returns all locks belonging to a settlement.
func (m *Manager) ListBySettlement(ctx context.Context, settlementID string) ([]*Lock, error) {
	return m.store.ListBySettlement(ctx, settlementID)
}
