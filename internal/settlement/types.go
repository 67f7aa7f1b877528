// Package settlement implements the Settlement Processor: the state machine
// that drives a multi-leg settlement request from submission through
// validation, locking, atomic commit, and participant notification.
package settlement

import "time"

// Status is a settlement's position in the canonical state machine:
//
//	received -> initiated -> {validated | rejected | pending_review}
//	  -> {locking -> {locked | failed}} -> committing -> committed -> settled
//
// The only backward edge is pending_review -> rejected.
type Status string

const (
	StatusReceived      Status = "received"
	StatusInitiated     Status = "initiated"
	StatusValidated     Status = "validated"
	StatusRejected      Status = "rejected"
	StatusPendingReview Status = "pending_review"
	StatusLocking       Status = "locking"
	StatusLocked        Status = "locked"
	StatusFailed        Status = "failed"
	StatusCommitting    Status = "committing"
	StatusCommitted     Status = "committed"
	StatusSettled       Status = "settled"
)

// Terminal reports whether status is one of the canonical terminal states.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusFailed, StatusSettled:
		return true
	default:
		return false
	}
}

// FxMode mirrors fx.Mode without importing the fx package here, keeping the
// data model importable by packages (replog, compliance) that must not pull
// in the FX Engine's provider-polling machinery.
type FxMode string

const (
	FxModeAtCoordinator FxMode = "AT_COORDINATOR"
	FxModeAtSource      FxMode = "AT_SOURCE"
)

// AccountRef identifies one ledger account.
type AccountRef struct {
	ParticipantID string
	AccountNumber string
	Currency      string
}

// Leg is one transfer within a settlement. Invariant: within a settlement,
// for every currency, the sum of source-side amounts equals the sum of
// destination-side amounts after FX conversion at the settlement's locked
// rate.
type Leg struct {
	LegNumber       int
	Source          AccountRef
	Destination     AccountRef
	SourceAmount    string // decimal, source currency
	ConvertedAmount string // decimal, destination currency; equals SourceAmount for same-currency legs
	CrossCurrency   bool
}

// ComplianceInfo carries the compliance decision attached to a settlement:
// the decision of the most recently evaluated hook.
type ComplianceInfo struct {
	Decision string // "approve", "reject", "review"
	Reason   string
	HookName string
}

// FxInstruction records the settlement-level FX handling requested by the
// caller, independent of whether a rate lock has been issued yet.
type FxInstruction struct {
	Mode      FxMode
	Base      string
	Quote     string
	Tolerance float64 // only meaningful for FxModeAtSource
}

// Failure records why a settlement did not reach settled.
type Failure struct {
	Kind    string
	Code    string
	Message string
}

// Request is the inbound settlement_request payload to Processor.Submit.
type Request struct {
	IdempotencyKey  string
	Legs            []Leg
	Fx              *FxInstruction // nil for single-currency settlements
	Priority        string         // normal | high | system, passed through to lock requests
	RequestedBy     string
	NettingEligible bool // when true, a validated settlement is buffered by the Netting Engine instead of locking immediately
}

// Settlement is the durable record the Processor drives through its state
// machine. An id is assigned on received -> initiated.
type Settlement struct {
	ID             string
	IdempotencyKey string
	Status         Status
	Legs           []Leg
	Fx             *FxInstruction
	LockedRate     *LockedRate
	Compliance     *ComplianceInfo
	Failure        *Failure
	Priority       string
	RequestedBy    string
	Locks          []LegLock

	// NettingEligible marks a validated settlement as buffered by the
	// Netting Engine rather than driven straight to locking.
	NettingEligible bool

	// NettedFrom holds the idempotency keys of the original settlements this
	// record replaces, when it is a netting-engine-synthesized aggregate.
	NettedFrom []string

	CreatedAt   time.Time
	ValidatedAt *time.Time
	LockedAt    *time.Time
	CommittedAt *time.Time
	SettledAt   *time.Time
}

// LegLock records the lock acquired for one leg's source account during the
// locking phase, carried on the settlement so the commit phase and recovery
// can reconstruct the commit request without re-querying the Lock Manager
// for every leg.
type LegLock struct {
	LegNumber int
	LockID    string
	Account   AccountRef
	Amount    string
	ExpiresAt time.Time
}

// LockedRate is the settlement-scoped snapshot of an FX rate lock, detached
// from the fx package's RateLock so the core data model has no dependency
// on the provider-polling engine.
type LockedRate struct {
	Base          string
	Quote         string
	Mid           float64
	ProviderCount int
	ValidUntil    time.Time
}

// Handle is the caller-facing result of Submit: enough to poll status
// without exposing internal processor state.
type Handle struct {
	SettlementID string
	Status       Status
	Failure      *Failure
}
