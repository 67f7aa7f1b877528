package ledger

import (
	"context"
	"errors"
)

var (
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrInsufficientBalance = errors.New("ledger: insufficient available balance")
	ErrVersionConflict     = errors.New("ledger: balance version conflict")
	ErrLockInvalid         = errors.New("ledger: referenced lock is not active or has expired")
	ErrEntryNotFound       = errors.New("ledger: journal entry not found")
	ErrAlreadyReversed     = errors.New("ledger: entry already reversed")
)

// Store persists balances and the append-only journal. Implementations must
// make Reserve, ReleaseReservation, and CommitSettlement atomic with respect
// to concurrent callers on the same account.
type Store interface {
	// GetBalance returns the current balance row for account, or a zero
	// balance (without persisting a row) when the account has none yet.
	GetBalance(ctx context.Context, account AccountID) (*Balance, error)

	// Reserve atomically moves amount from available to locked, bumping
	// version. Returns ErrInsufficientBalance (with the observed available
	// balance recoverable via GetBalance) if available < amount.
	Reserve(ctx context.Context, account AccountID, amount string) (newVersion int64, err error)

	// ReleaseReservation is the inverse of Reserve for non-commit paths
	// (lock release, lock expiry): moves amount from locked back to
	// available.
	ReleaseReservation(ctx context.Context, account AccountID, amount string) error

	// CommitSettlement performs the atomic multi-entry commit: verifies
	// every lock in locks is still valid (status active, not expired),
	// consumes those reservations, appends one journal entry per leg side,
	// and updates balances. It fails atomically (no partial effect) if any
	// lock is no longer valid.
	CommitSettlement(ctx context.Context, settlementID string, legs []LegEntry, locks []LockRef) error

	// GetHistory returns the most recent journal entries for an account,
	// newest first, bounded by limit.
	GetHistory(ctx context.Context, account AccountID, limit int) ([]*JournalEntry, error)

	// GetEntry looks up a single journal entry by sequence.
	GetEntry(ctx context.Context, sequence int64) (*JournalEntry, error)
}
