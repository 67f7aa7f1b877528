package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/atomicsettle/coordinator/internal/compliance"
	"github.com/atomicsettle/coordinator/internal/fx"
	"github.com/atomicsettle/coordinator/internal/idgen"
	"github.com/atomicsettle/coordinator/internal/ledger"
	"github.com/atomicsettle/coordinator/internal/lockmgr"
	"github.com/atomicsettle/coordinator/internal/participant"
)

// TransitionRecord is the payload appended to the replicated log for every
// state transition. Kept local to this package (rather than importing the
// replog package's Entry type directly) since replog depends on settlement
// for Status — a ReplicatedLog implementation adapts this into its own
// durable Entry shape.
type TransitionRecord struct {
	SettlementID string
	FromStatus   Status
	ToStatus     Status
	Detail       string
	RecordedAt   time.Time
}

// Default timing, per spec.md §4.1/§4.4/§4.6.
const (
	DefaultLockPhaseDeadline = 10 * time.Second
	DefaultAckTimeout        = 60 * time.Second
	DefaultValidationTimeout = 30 * time.Second
	MaxLockRetries           = 3
)

// LockManager is the slice of the Lock Manager the Processor depends on.
type LockManager interface {
	Acquire(ctx context.Context, req lockmgr.Request) (*lockmgr.AcquireResult, error)
	Release(ctx context.Context, lockID string, reason lockmgr.ReleaseReason) error
	Consume(ctx context.Context, lockID string) error
	Get(ctx context.Context, lockID string) (*lockmgr.Lock, error)
}

// LedgerCommitter is the slice of the Ledger Engine the Processor depends on.
type LedgerCommitter interface {
	CommitSettlement(ctx context.Context, settlementID string, legs []ledger.LegEntry, locks []ledger.LockRef) error
}

// FXLocker is the slice of the FX Engine the Processor depends on.
type FXLocker interface {
	LockRate(ctx context.Context, settlementID, base, quoteCcy string) (*fx.RateLock, error)
}

// ComplianceEvaluator is the slice of the Compliance Hook Registry the
// Processor depends on.
type ComplianceEvaluator interface {
	Evaluate(ctx context.Context, hookName compliance.HookName, req compliance.Request) (compliance.Result, error)
}

// ReplicatedLog is the slice of the replicated transition log the Processor
// writes to before every externally-visible side effect.
type ReplicatedLog interface {
	Append(ctx context.Context, entry *TransitionRecord) error
}

// Notifier delivers envelopes to connected participants, addressed by
// participant id. Implemented by participant.Manager.
type Notifier interface {
	SendTo(participantID string, env *participant.Envelope) bool
}

// Netter is where a validated, netting-eligible settlement is buffered
// instead of being driven straight to locking. Satisfied structurally by
// *netting.Engine (settlement cannot import netting, which already depends
// on settlement for Settlement/Status). Optional: a nil Netter makes every
// submission behave as if NettingEligible were always false.
type Netter interface {
	Submit(s *Settlement)
}

// Config bounds the Processor's timeouts and retry behavior.
type Config struct {
	LockPhaseDeadline time.Duration
	AckTimeout        time.Duration
	ValidationTimeout time.Duration
	MaxLockRetries    int
}

// DefaultConfig returns the spec's default timing.
func DefaultConfig() Config {
	return Config{
		LockPhaseDeadline: DefaultLockPhaseDeadline,
		AckTimeout:        DefaultAckTimeout,
		ValidationTimeout: DefaultValidationTimeout,
		MaxLockRetries:    MaxLockRetries,
	}
}

// Processor drives settlements through the canonical state machine,
// orchestrating the Lock Manager, Ledger Engine, FX Engine, Compliance
// Hooks, Replicated Log, and participant notification. Generalizes the
// escrow package's per-resource Service shape (store + collaborator
// interfaces + a lock-by-id guard) into a multi-phase state machine driver.
type Processor struct {
	store      Store
	directory  Directory
	locks      LockManager
	ledger     LedgerCommitter
	fxEngine   FXLocker
	compliance ComplianceEvaluator
	log        ReplicatedLog
	notifier   Notifier
	netter     Netter
	acks       *ackTracker
	cfg        Config
}

// NewProcessor creates a Settlement Processor.
func NewProcessor(store Store, directory Directory, locks LockManager, ledgerSvc LedgerCommitter, fxEngine FXLocker, complianceSvc ComplianceEvaluator, log ReplicatedLog, notifier Notifier, cfg Config) *Processor {
	return &Processor{
		store:      store,
		directory:  directory,
		locks:      locks,
		ledger:     ledgerSvc,
		fxEngine:   fxEngine,
		compliance: complianceSvc,
		log:        log,
		notifier:   notifier,
		acks:       newAckTracker(),
		cfg:        cfg,
	}
}

// SetNetter wires the Netting Engine in after construction, avoiding a
// constructor cycle (the engine's sink is the Processor itself, via
// SubmitNetted).
func (p *Processor) SetNetter(n Netter) {
	p.netter = n
}

// RecordAck is invoked by the participant protocol's inbound handler when an
// ack envelope arrives for settlementID from participantID.
func (p *Processor) RecordAck(settlementID, participantID string) {
	p.acks.RecordAck(settlementID, participantID)
}

func (p *Processor) appendTransition(ctx context.Context, s *Settlement, from, to Status, detail string) error {
	return p.log.Append(ctx, &TransitionRecord{
		SettlementID: s.ID,
		FromStatus:   from,
		ToStatus:     to,
		Detail:       detail,
		RecordedAt:   time.Now(),
	})
}

// Submit implements submit(settlement_request) -> settlement_handle:
// idempotent on IdempotencyKey, driving a brand-new request synchronously
// through every phase of the state machine up to its terminal or
// currently-blocked status.
func (p *Processor) Submit(ctx context.Context, req Request) (*Handle, error) {
	if req.IdempotencyKey == "" || len(req.Legs) == 0 {
		return nil, fmt.Errorf("settlement: idempotency_key and at least one leg are required")
	}

	if existing, err := p.store.GetByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
		return &Handle{SettlementID: existing.ID, Status: existing.Status, Failure: existing.Failure}, nil
	} else if err != ErrNotFound {
		return nil, err
	}

	now := time.Now()
	s := &Settlement{
		ID:              idgen.SettlementID(),
		IdempotencyKey:  req.IdempotencyKey,
		Status:          StatusInitiated,
		Legs:            req.Legs,
		Fx:              req.Fx,
		Priority:        req.Priority,
		RequestedBy:     req.RequestedBy,
		NettingEligible: req.NettingEligible,
		CreatedAt:       now,
	}

	if err := p.store.Create(ctx, s); err != nil {
		return nil, err
	}
	if err := p.appendTransition(ctx, s, StatusReceived, StatusInitiated, "settlement request recorded"); err != nil {
		return nil, err
	}

	return p.drive(ctx, s)
}

// drive advances a freshly-submitted settlement through every phase
// reachable without external input, persisting and logging each transition
// before its side effect, per spec.md §4.1's ordering requirement. A
// netting-eligible settlement stops once validated: instead of locking
// immediately it is handed to the Netting Engine's window buffer, and the
// gross settlement itself never reaches locked/committed/settled — only the
// net settlement that eventually replaces it does.
func (p *Processor) drive(ctx context.Context, s *Settlement) (*Handle, error) {
	if err := p.runValidate(ctx, s); err != nil {
		return nil, err
	}
	if s.Status == StatusValidated {
		if s.NettingEligible && p.netter != nil {
			p.netter.Submit(s)
		} else if err := p.continueFromValidated(ctx, s); err != nil {
			return nil, err
		}
	}
	return &Handle{SettlementID: s.ID, Status: s.Status, Failure: s.Failure}, nil
}

// SubmitNetted accepts a net settlement built by the Netting Engine's window
// flush and drives it through the same state machine a gross settlement
// takes, satisfying netting.Sink structurally (settlement cannot import
// netting, which already depends on settlement for Settlement/Status).
// The net settlement's idempotency key is derived deterministically from its
// source settlements' keys, so a recovery-time replay of the same window
// resolves to the already-processed aggregate instead of re-netting it.
func (p *Processor) SubmitNetted(net *Settlement) error {
	ctx := context.Background()

	if _, err := p.store.GetByIdempotencyKey(ctx, net.IdempotencyKey); err == nil {
		return nil
	} else if err != ErrNotFound {
		return err
	}

	net.Status = StatusInitiated
	if err := p.store.Create(ctx, net); err != nil {
		if err == ErrIdempotencyKeyExists {
			return nil
		}
		return err
	}
	if err := p.appendTransition(ctx, net, StatusReceived, StatusInitiated, "netted settlement recorded"); err != nil {
		return err
	}

	_, err := p.drive(ctx, net)
	return err
}

