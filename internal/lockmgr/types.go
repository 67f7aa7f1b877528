// Package lockmgr implements the Lock Manager: issues, tracks, extends, and
// releases coordinator-side lock records against accounts held by the
// Ledger Engine, with deterministic acquisition ordering to avoid deadlock
// across concurrent multi-leg settlements.
package lockmgr

import (
	"errors"
	"sort"
	"time"
)

var (
	ErrLockNotFound      = errors.New("lockmgr: lock not found")
	ErrInvalidTransition = errors.New("lockmgr: invalid lock status transition")
	ErrAlreadyExtended   = errors.New("lockmgr: lock has already been extended once")
	ErrExtensionTooLong  = errors.New("lockmgr: new_expires_at - acquired_at exceeds the extension cap")
	ErrLockExpired       = errors.New("lockmgr: lock has expired")
)

// Status is the lifecycle state of a Lock.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusConsumed Status = "consumed"
	StatusReleased Status = "released"
	StatusExpired  Status = "expired"
	StatusFailed   Status = "failed"
)

// Priority governs admission order when requests contend for the same account.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PrioritySystem Priority = "system"
)

// priorityRank orders priorities for the admission queue; higher rank wins.
func (p Priority) rank() int {
	switch p {
	case PrioritySystem:
		return 2
	case PriorityHigh:
		return 1
	default:
		return 0
	}
}

// ReleaseReason records why a lock was released, for audit and metrics.
type ReleaseReason string

const (
	ReasonSettlementComplete ReleaseReason = "settlement_complete"
	ReasonSettlementFailed   ReleaseReason = "settlement_failed"
	ReasonLockExpired        ReleaseReason = "lock_expired"
	ReasonCoordinatorAbort   ReleaseReason = "coordinator_abort"
)

// MaxExtension is the cap on new_expires_at - acquired_at imposed by extend.
const MaxExtension = 60 * time.Second

// AccountRef identifies the ledger account a lock reserves against.
type AccountRef struct {
	ParticipantID string
	AccountNumber string
	Currency      string
}

// Lock is a coordinator-side reservation record.
type Lock struct {
	LockID       string
	SettlementID string
	LegNumber    int
	Account      AccountRef
	Amount       string
	Status       Status
	Priority     Priority
	Extended     bool
	AcquiredAt   time.Time
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// IsTerminal reports whether the lock can no longer transition.
func (l *Lock) IsTerminal() bool {
	switch l.Status {
	case StatusConsumed, StatusReleased, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// Request describes a single acquire() call.
type Request struct {
	LockID       string
	SettlementID string
	LegNumber    int
	Account      AccountRef
	Amount       string
	ExpiresAt    time.Time
	Priority     Priority
}

// Leg pairs a Request's routing key for SortLegs: deterministic ordering
// sorts by (participant_id lexicographic, leg_number).
type Leg struct {
	Request Request
}

// SortLegs orders requests by (participant_id lexicographic, leg_number), the
// ordering the Settlement Processor must use before acquiring sequentially
// across a multi-leg settlement to prevent cross-settlement deadlock.
func SortLegs(reqs []Request) []Request {
	sorted := make([]Request, len(reqs))
	copy(sorted, reqs)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Account.ParticipantID != b.Account.ParticipantID {
			return a.Account.ParticipantID < b.Account.ParticipantID
		}
		return a.LegNumber < b.LegNumber
	})
	return sorted
}
