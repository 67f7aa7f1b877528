// Package replog implements the replicated transition log: an ordered,
// durable record of every settlement state change, consumed by all
// coordinator replicas before acknowledgment, and the recovery procedure
// that replays it to re-materialize in-flight settlements on leader
// promotion.
//
// This generalizes the ledger package's event-replay mechanism
// (RebuildBalance/ReconcileAll: replay to reconstruct one balance) into
// replay to reconstruct every in-flight settlement's exact state machine
// position.
package replog

import (
	"context"
	"time"

	"github.com/atomicsettle/coordinator/internal/settlement"
)

// Entry is one durable state transition. The log itself makes no ordering
// guarantee beyond Sequence; the core assumes a leader-elected log
// abstraction with majority durability (no particular consensus algorithm
// is mandated).
type Entry struct {
	Sequence     int64
	SettlementID string
	FromStatus   settlement.Status
	ToStatus     settlement.Status
	Detail       string // free-form transition context (hook decision, lock id, failure reason)
	RecordedAt   time.Time
}

// Action is the recovery procedure's verdict for one recovered settlement.
type Action string

const (
	ActionResume        Action = "resume"        // resume from the next planned action
	ActionTimeOut       Action = "time_out"      // validation/lock phase exceeded its age budget
	ActionAwaitReview   Action = "await_review"  // leave as-is, pending_review
	ActionReconcile     Action = "reconcile"     // query lock status and continue or abort
	ActionVerifyLocks   Action = "verify_locks"  // confirm locks still active/unexpired before commit
	ActionConsultLedger Action = "consult_ledger" // check whether the commit durably landed
	ActionResumeNotify  Action = "resume_notify" // resume notification/ack collection
)

// RecoveredSettlement is one entry of the recovery procedure's output: the
// settlement's last durable status plus the action the Processor must take.
type RecoveredSettlement struct {
	SettlementID string
	LastStatus   settlement.Status
	Age          time.Duration
	Action       Action
}

// Store persists and queries the transition log.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	ListBySettlement(ctx context.Context, settlementID string) ([]*Entry, error)
	ListNonTerminalSettlements(ctx context.Context) ([]string, error)
	LatestBySettlement(ctx context.Context, settlementIDs []string) (map[string]*Entry, error)
}
