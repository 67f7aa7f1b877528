package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/atomicsettle/coordinator/internal/compliance"
	"github.com/atomicsettle/coordinator/internal/ledger"
	"github.com/atomicsettle/coordinator/internal/lockmgr"
	"github.com/atomicsettle/coordinator/internal/logging"
	"github.com/atomicsettle/coordinator/internal/participant"
	"github.com/atomicsettle/coordinator/internal/retry"
)

// lockRetryBaseDelay is the starting backoff for a contended lock
// acquisition; retry.Do doubles it (with jitter) on each subsequent
// attempt.
const lockRetryBaseDelay = 100 * time.Millisecond

// errLockRetryTimeout marks an Acquire attempt that failed with a
// "timeout" reason as retryable, without treating it as a hard error —
// any other failure reason stops the retry loop immediately.
var errLockRetryTimeout = errors.New("settlement: lock acquisition timed out, retrying")

// runValidate implements initiated -> {validated | rejected |
// pending_review}: format checks, participant-status/currency/limit checks,
// an FX rate lock for cross-currency legs, the cross-leg balance invariant,
// and the PRE_VALIDATE/POST_VALIDATE hooks. Mutates s in place and persists
// the terminal-for-this-phase status before returning.
func (p *Processor) runValidate(ctx context.Context, s *Settlement) error {
	if outcome := checkFormat(s.Legs); outcome != nil {
		return p.applyOutcome(ctx, s, StatusInitiated, outcome)
	}

	if outcome, err := p.checkParticipantsAndCompliance(ctx, s, compliance.PreValidate); err != nil {
		return err
	} else if outcome != nil {
		return p.applyOutcome(ctx, s, StatusInitiated, outcome)
	}

	if outcome, err := p.lockFxIfNeeded(ctx, s); err != nil {
		return err
	} else if outcome != nil {
		return p.applyOutcome(ctx, s, StatusInitiated, outcome)
	}

	if outcome := checkCrossLegBalance(s.Legs); outcome != nil {
		return p.applyOutcome(ctx, s, StatusInitiated, outcome)
	}

	if outcome, err := p.runComplianceHook(ctx, s, compliance.PostValidate, s.Legs[0]); err != nil {
		return err
	} else if outcome != nil {
		return p.applyOutcome(ctx, s, StatusInitiated, outcome)
	}

	s.Status = StatusValidated
	now := time.Now()
	s.ValidatedAt = &now
	if err := p.store.Update(ctx, s); err != nil {
		return err
	}
	return p.appendTransition(ctx, s, StatusInitiated, StatusValidated, "validation passed")
}

// continueFromValidated drives a validated settlement through locking,
// commit, and settle, stopping as soon as any phase leaves it short of
// committed (a rejection, lock failure, or commit failure already applied
// its own terminal status and transition log entry).
func (p *Processor) continueFromValidated(ctx context.Context, s *Settlement) error {
	if err := p.runLocking(ctx, s); err != nil {
		return err
	}
	if s.Status != StatusLocked {
		return nil
	}

	if err := p.runCommit(ctx, s); err != nil {
		return err
	}
	if s.Status != StatusCommitted {
		return nil
	}

	p.runSettle(ctx, s)
	return nil
}

// checkParticipantsAndCompliance resolves every leg's source/destination
// participant, enforces status/currency/limit and the bilateral blocklist,
// and runs hookName against each leg, short-circuiting on the first
// non-approve outcome from either check.
func (p *Processor) checkParticipantsAndCompliance(ctx context.Context, s *Settlement, hookName compliance.HookName) (*validationOutcome, error) {
	for _, leg := range s.Legs {
		src, ok := p.directory.Get(ctx, leg.Source.ParticipantID)
		if !ok {
			return rejected("unknown_participant", "leg "+itoa(leg.LegNumber)+": unknown source participant"), nil
		}
		dst, ok := p.directory.Get(ctx, leg.Destination.ParticipantID)
		if !ok {
			return rejected("unknown_participant", "leg "+itoa(leg.LegNumber)+": unknown destination participant"), nil
		}
		if dst.Status != ParticipantActive {
			return rejected("unknown_participant", "leg "+itoa(leg.LegNumber)+": destination participant is suspended"), nil
		}
		if outcome := checkParticipant(leg, src); outcome != nil {
			return outcome, nil
		}

		blocked, err := p.directory.Blocklisted(ctx, dst.ID, src.ID)
		if err != nil {
			return nil, err
		}
		if blocked {
			return rejected("blocked_counterparty", "leg "+itoa(leg.LegNumber)+": receiver blocklists sender"), nil
		}

		if outcome, err := p.runComplianceHook(ctx, s, hookName, leg); err != nil {
			return nil, err
		} else if outcome != nil {
			return outcome, nil
		}
	}
	return nil, nil
}

// runComplianceHook evaluates hookName for one leg and translates the
// decision into a validationOutcome. A reject maps to the terminal rejected
// status; a review maps to pending_review, which per invariant 1 is only
// reachable ahead of locking — callers past that point should instead treat
// review as a failure.
func (p *Processor) runComplianceHook(ctx context.Context, s *Settlement, hookName compliance.HookName, leg Leg) (*validationOutcome, error) {
	result, err := p.compliance.Evaluate(ctx, hookName, compliance.Request{
		SettlementID:   s.ID,
		ParticipantID:  leg.Source.ParticipantID,
		CounterpartyID: leg.Destination.ParticipantID,
		Currency:       leg.Source.Currency,
		Amount:         leg.SourceAmount,
	})
	if err != nil {
		return nil, err
	}

	s.Compliance = &ComplianceInfo{Decision: string(result.Decision), Reason: result.Reason, HookName: result.HookName}

	switch result.Decision {
	case compliance.DecisionReject:
		return &validationOutcome{status: StatusRejected, failure: &Failure{Kind: "compliance", Code: "compliance_rejected", Message: result.Reason}}, nil
	case compliance.DecisionReview:
		return &validationOutcome{status: StatusPendingReview}, nil
	default:
		return nil, nil
	}
}

// lockFxIfNeeded issues an FX rate lock when any leg is cross-currency,
// storing the result on s and populating each cross-currency leg's
// ConvertedAmount (AT_COORDINATOR) or validating the caller-supplied one
// (AT_SOURCE).
func (p *Processor) lockFxIfNeeded(ctx context.Context, s *Settlement) (*validationOutcome, error) {
	needsFx := false
	for i := range s.Legs {
		s.Legs[i].CrossCurrency = s.Legs[i].Source.Currency != s.Legs[i].Destination.Currency
		if s.Legs[i].CrossCurrency {
			needsFx = true
		} else if s.Legs[i].ConvertedAmount == "" {
			s.Legs[i].ConvertedAmount = s.Legs[i].SourceAmount
		}
	}
	if !needsFx {
		return nil, nil
	}
	if s.Fx == nil {
		return rejected("malformed_request", "cross-currency legs require an fx_instruction"), nil
	}

	lock, err := p.fxEngine.LockRate(ctx, s.ID, s.Fx.Base, s.Fx.Quote)
	if err != nil {
		return rejected("rate_sources_insufficient", err.Error()), nil
	}
	s.LockedRate = &LockedRate{Base: lock.Base, Quote: lock.Quote, Mid: lock.Mid, ProviderCount: lock.ProviderCount, ValidUntil: lock.ValidUntil}

	for i, leg := range s.Legs {
		if !leg.CrossCurrency {
			continue
		}
		switch s.Fx.Mode {
		case FxModeAtSource:
			ok, err := lock.ValidateSourceConverted(leg.SourceAmount, leg.Source.Currency, leg.ConvertedAmount, leg.Destination.Currency, s.Fx.Tolerance)
			if err != nil || !ok {
				return rejected("fx_tolerance_violated", "leg "+itoa(leg.LegNumber)+": converted amount outside tolerance"), nil
			}
		default: // FxModeAtCoordinator
			converted, err := lock.ConvertLeg(leg.SourceAmount, leg.Source.Currency, leg.Destination.Currency)
			if err != nil {
				return rejected("malformed_amount", "leg "+itoa(leg.LegNumber)+": fx conversion failed"), nil
			}
			s.Legs[i].ConvertedAmount = converted
		}
	}
	return nil, nil
}

// applyOutcome persists a non-nil validationOutcome's terminal status and
// logs the transition. Returns nil (not an error) on success — the caller
// distinguishes "validation concluded the settlement" from "infrastructure
// failure" by checking s.Status after the call returns.
func (p *Processor) applyOutcome(ctx context.Context, s *Settlement, from Status, outcome *validationOutcome) error {
	s.Status = outcome.status
	s.Failure = outcome.failure
	if err := p.store.Update(ctx, s); err != nil {
		return err
	}
	detail := ""
	if outcome.failure != nil {
		detail = outcome.failure.Code + ": " + outcome.failure.Message
	}
	return p.appendTransition(ctx, s, from, outcome.status, detail)
}

// runLocking implements validated -> {locking -> {locked | failed}}:
// acquires one lock per leg's source account in deterministic order,
// respecting the global lock-phase deadline, releasing every already
// acquired lock on the first failure.
func (p *Processor) runLocking(ctx context.Context, s *Settlement) error {
	s.Status = StatusLocking
	if err := p.store.Update(ctx, s); err != nil {
		return err
	}
	if err := p.appendTransition(ctx, s, StatusValidated, StatusLocking, "lock plan computed"); err != nil {
		return err
	}

	deadline := time.Now().Add(p.cfg.LockPhaseDeadline)
	lockCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	reqs := make([]lockmgr.Request, len(s.Legs))
	for i, leg := range s.Legs {
		reqs[i] = lockmgr.Request{
			SettlementID: s.ID,
			LegNumber:    leg.LegNumber,
			Account:      lockmgr.AccountRef{ParticipantID: leg.Source.ParticipantID, AccountNumber: leg.Source.AccountNumber, Currency: leg.Source.Currency},
			Amount:       leg.SourceAmount,
			ExpiresAt:    deadline,
			Priority:     lockmgr.Priority(s.Priority),
		}
	}
	sorted := lockmgr.SortLegs(reqs)

	var acquired []LegLock
	for _, req := range sorted {
		result, err := p.acquireWithRetry(lockCtx, req)
		if err != nil {
			p.releaseAll(ctx, acquired, lockmgr.ReasonCoordinatorAbort)
			return err
		}
		if result.Failed {
			p.releaseAll(ctx, acquired, lockmgr.ReasonSettlementFailed)
			return p.applyOutcome(ctx, s, StatusLocking, &validationOutcome{
				status:  StatusFailed,
				failure: &Failure{Kind: "lock", Code: result.Reason, Message: "leg " + itoa(req.LegNumber) + ": " + result.Reason},
			})
		}
		acquired = append(acquired, LegLock{
			LegNumber: req.LegNumber,
			LockID:    result.Lock.LockID,
			Account:   leg2account(req.Account),
			Amount:    req.Amount,
			ExpiresAt: result.Lock.ExpiresAt,
		})
	}

	s.Locks = acquired
	s.Status = StatusLocked
	now := time.Now()
	s.LockedAt = &now
	if err := p.store.Update(ctx, s); err != nil {
		return err
	}
	return p.appendTransition(ctx, s, StatusLocking, StatusLocked, "all legs locked")
}

func leg2account(a lockmgr.AccountRef) AccountRef {
	return AccountRef{ParticipantID: a.ParticipantID, AccountNumber: a.AccountNumber, Currency: a.Currency}
}

// acquireWithRetry retries a single leg's lock request up to
// cfg.MaxLockRetries times with jittered backoff when the manager reports a
// timeout; insufficient_funds is never retried since the balance won't
// change within the lock phase.
func (p *Processor) acquireWithRetry(ctx context.Context, req lockmgr.Request) (*lockmgr.AcquireResult, error) {
	var result *lockmgr.AcquireResult
	err := retry.Do(ctx, p.cfg.MaxLockRetries+1, lockRetryBaseDelay, func() error {
		r, err := p.locks.Acquire(ctx, req)
		if err != nil {
			return err
		}
		result = r
		if r.Failed && r.Reason == "timeout" {
			return errLockRetryTimeout
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errLockRetryTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			if result != nil {
				return result, nil
			}
			return &lockmgr.AcquireResult{Failed: true, Reason: "timeout"}, nil
		}
		return nil, err
	}
	return result, nil
}

func (p *Processor) releaseAll(ctx context.Context, locks []LegLock, reason lockmgr.ReleaseReason) {
	for _, l := range locks {
		if err := p.locks.Release(ctx, l.LockID, reason); err != nil {
			logging.L(ctx).Warn("failed to release lock during rollback", "lock_id", l.LockID, "error", err)
		}
	}
}

// runCommit implements locked -> committing -> {committed | failed}: the
// PRE_LOCK hook completion check followed by the atomic-commit procedure.
// Per invariant 1 (pending_review is only reachable before locking), a
// PRE_LOCK review is treated conservatively as a failure rather than a
// backward transition.
func (p *Processor) runCommit(ctx context.Context, s *Settlement) error {
	if outcome, err := p.runComplianceHook(ctx, s, compliance.PreLock, s.Legs[0]); err != nil {
		return err
	} else if outcome != nil {
		p.releaseAll(ctx, s.Locks, lockmgr.ReasonSettlementFailed)
		return p.applyOutcome(ctx, s, StatusLocked, &validationOutcome{
			status:  StatusFailed,
			failure: &Failure{Kind: "compliance", Code: "compliance_rejected", Message: "PRE_LOCK hook did not approve"},
		})
	}

	s.Status = StatusCommitting
	if err := p.store.Update(ctx, s); err != nil {
		return err
	}
	if err := p.appendTransition(ctx, s, StatusLocked, StatusCommitting, "entering atomic commit"); err != nil {
		return err
	}

	legEntries := make([]ledger.LegEntry, len(s.Legs))
	lockRefs := make([]ledger.LockRef, len(s.Locks))
	for i, leg := range s.Legs {
		destAmount := leg.ConvertedAmount
		if destAmount == "" {
			destAmount = leg.SourceAmount
		}
		legEntries[i] = ledger.LegEntry{
			LegNumber:     leg.LegNumber,
			SourceAccount: ledger.AccountID{ParticipantID: leg.Source.ParticipantID, AccountNumber: leg.Source.AccountNumber, Currency: leg.Source.Currency},
			SourceAmount:  leg.SourceAmount,
			DestAccount:   ledger.AccountID{ParticipantID: leg.Destination.ParticipantID, AccountNumber: leg.Destination.AccountNumber, Currency: leg.Destination.Currency},
			DestAmount:    destAmount,
		}
	}
	for i, l := range s.Locks {
		lockRefs[i] = ledger.LockRef{
			LockID:    l.LockID,
			Account:   ledger.AccountID{ParticipantID: l.Account.ParticipantID, AccountNumber: l.Account.AccountNumber, Currency: l.Account.Currency},
			Amount:    l.Amount,
			ExpiresAt: l.ExpiresAt,
		}
		legEntries[i].SourceLockRef = lockRefs[i]
	}

	commitErr := p.ledger.CommitSettlement(ctx, s.ID, legEntries, lockRefs)
	if commitErr != nil {
		// A failed commit leaves balances and locks untouched in both stores,
		// so a ledger conflict is retried once before the settlement fails.
		commitErr = p.ledger.CommitSettlement(ctx, s.ID, legEntries, lockRefs)
	}
	if err := commitErr; err != nil {
		p.releaseAll(ctx, s.Locks, lockmgr.ReasonSettlementFailed)
		return p.applyOutcome(ctx, s, StatusCommitting, &validationOutcome{
			status:  StatusFailed,
			failure: &Failure{Kind: "commit", Code: "commit_ledger_conflict", Message: err.Error()},
		})
	}

	for _, l := range s.Locks {
		if err := p.locks.Consume(ctx, l.LockID); err != nil {
			logging.L(ctx).Error("failed to mark lock consumed after successful commit", "lock_id", l.LockID, "error", err)
		}
	}

	s.Status = StatusCommitted
	now := time.Now()
	s.CommittedAt = &now
	if err := p.store.Update(ctx, s); err != nil {
		return err
	}

	p.runAdvisoryHook(ctx, s, compliance.PostCommit, s.Legs[0])
	if err := p.store.Update(ctx, s); err != nil {
		logging.L(ctx).Error("failed to persist compliance info after POST_COMMIT hook", "settlement_id", s.ID, "error", err)
	}

	return p.appendTransition(ctx, s, StatusCommitting, StatusCommitted, "ledger commit succeeded")
}

// runAdvisoryHook evaluates hookName for informational purposes only. Unlike
// the blocking hooks run during validation and locking, POST_COMMIT and
// POST_SETTLE fire after the settlement has already crossed an irreversible
// point, so a reject or review decision is recorded on the settlement and
// logged but never changes status or unwinds the commit.
func (p *Processor) runAdvisoryHook(ctx context.Context, s *Settlement, hookName compliance.HookName, leg Leg) {
	result, err := p.compliance.Evaluate(ctx, hookName, compliance.Request{
		SettlementID:   s.ID,
		ParticipantID:  leg.Source.ParticipantID,
		CounterpartyID: leg.Destination.ParticipantID,
		Currency:       leg.Source.Currency,
		Amount:         leg.SourceAmount,
	})
	if err != nil {
		logging.L(ctx).Error("advisory compliance hook failed", "settlement_id", s.ID, "hook", hookName, "error", err)
		return
	}

	s.Compliance = &ComplianceInfo{Decision: string(result.Decision), Reason: result.Reason, HookName: result.HookName}
	if result.Decision != compliance.DecisionApprove {
		logging.L(ctx).Warn("advisory compliance hook did not approve", "settlement_id", s.ID, "hook", hookName, "decision", result.Decision, "reason", result.Reason)
	}
}

// runSettle implements committed -> settled: dispatches
// SettlementNotification to every involved participant and transitions to
// settled immediately, since finality does not depend on acknowledgment. A
// background goroutine tracks acks up to the ack timeout purely for
// observability.
func (p *Processor) runSettle(ctx context.Context, s *Settlement) {
	participantIDs := involvedParticipants(s.Legs)
	waiter := p.acks.register(s.ID, participantIDs)

	for _, id := range participantIDs {
		payload, err := participant.MarshalPayload(participant.SettlementNotificationPayload{
			SettlementID: s.ID,
			Status:       string(StatusCommitted),
		})
		if err != nil {
			continue
		}
		p.notifier.SendTo(id, &participant.Envelope{
			Type:         participant.MessageSettlementNotification,
			SettlementID: s.ID,
			Payload:      payload,
		})
	}

	s.Status = StatusSettled
	now := time.Now()
	s.SettledAt = &now
	if err := p.store.Update(ctx, s); err != nil {
		logging.L(ctx).Error("failed to persist settled status", "settlement_id", s.ID, "error", err)
	}
	if err := p.appendTransition(ctx, s, StatusCommitted, StatusSettled, "notifications dispatched"); err != nil {
		logging.L(ctx).Error("failed to log settled transition", "settlement_id", s.ID, "error", err)
	}

	p.runAdvisoryHook(ctx, s, compliance.PostSettle, s.Legs[0])
	if err := p.store.Update(ctx, s); err != nil {
		logging.L(ctx).Error("failed to persist compliance info after POST_SETTLE hook", "settlement_id", s.ID, "error", err)
	}

	go func() {
		select {
		case <-waiter.done:
		case <-time.After(p.cfg.AckTimeout):
			logging.L(context.Background()).Warn("settlement notification ack timeout", "settlement_id", s.ID)
		}
		p.acks.unregister(s.ID)
	}()
}

func involvedParticipants(legs []Leg) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, leg := range legs {
		for _, id := range []string{leg.Source.ParticipantID, leg.Destination.ParticipantID} {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}
