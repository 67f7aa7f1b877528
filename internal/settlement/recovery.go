package settlement

import (
	"context"
	"time"

	"github.com/atomicsettle/coordinator/internal/lockmgr"
	"github.com/atomicsettle/coordinator/internal/logging"
)

// Resume implements the "resume" recovery action for a settlement last seen
// in initiated or validated: it re-enters the state machine from whichever
// phase its persisted status indicates was not yet reached, rather than
// restarting from the top, since format/participant/FX checks already
// recorded in the log should not be repeated.
func (p *Processor) Resume(ctx context.Context, settlementID string) error {
	s, err := p.store.Get(ctx, settlementID)
	if err != nil {
		return err
	}

	switch s.Status {
	case StatusReceived, StatusInitiated:
		if err := p.runValidate(ctx, s); err != nil {
			return err
		}
		if s.Status != StatusValidated {
			return nil
		}
		return p.continueFromValidated(ctx, s)
	case StatusValidated:
		return p.continueFromValidated(ctx, s)
	default:
		logging.L(ctx).Warn("recovery: resume requested for settlement past the resumable phase",
			"settlement_id", s.ID, "status", s.Status)
		return nil
	}
}

// TimeOut implements the "time_out" recovery action: the validation/lock
// phase sat open past its age budget without reaching a terminal status, so
// recovery fails it rather than resuming work a client may have already
// abandoned.
func (p *Processor) TimeOut(ctx context.Context, settlementID string) error {
	s, err := p.store.Get(ctx, settlementID)
	if err != nil {
		return err
	}
	if s.Status.Terminal() {
		return nil
	}
	p.releaseAll(ctx, s.Locks, lockmgr.ReasonCoordinatorAbort)
	return p.applyOutcome(ctx, s, s.Status, &validationOutcome{
		status:  StatusRejected,
		failure: &Failure{Kind: "timeout", Code: "validation_timeout", Message: "recovery: validation/lock phase exceeded its age budget"},
	})
}

// Reconcile implements the "reconcile" recovery action for a settlement
// caught mid-locking. This implementation tracks lock acquisitions on the
// settlement record only once every leg has succeeded (see
// Settlement.Locks), so there is no partial per-leg progress to query here;
// reconciliation restarts the locking phase, which acquires every leg again
// under fresh lock ids. Locks taken before the crash are neither reused nor
// released here; they stay held until the expiry sweeper releases them.
func (p *Processor) Reconcile(ctx context.Context, settlementID string) error {
	s, err := p.store.Get(ctx, settlementID)
	if err != nil {
		return err
	}
	if s.Status.Terminal() {
		return nil
	}
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

// VerifyLocks implements the "verify_locks" recovery action for a settlement
// that reached locked: every lock must still be active and unexpired before
// the commit phase proceeds; any lock that has moved on or expired fails the
// whole settlement, since a partial re-lock would violate the all-or-nothing
// commit invariant.
func (p *Processor) VerifyLocks(ctx context.Context, settlementID string) error {
	s, err := p.store.Get(ctx, settlementID)
	if err != nil {
		return err
	}
	if s.Status != StatusLocked {
		return nil
	}

	now := time.Now()
	for _, l := range s.Locks {
		lock, err := p.locks.Get(ctx, l.LockID)
		if err != nil || lock.Status != lockmgr.StatusActive || now.After(lock.ExpiresAt) {
			p.releaseAll(ctx, s.Locks, lockmgr.ReasonLockExpired)
			return p.applyOutcome(ctx, s, StatusLocked, &validationOutcome{
				status:  StatusFailed,
				failure: &Failure{Kind: "lock", Code: "lock_expired", Message: "recovery: lock no longer active"},
			})
		}
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

// ConsultLedger implements the "consult_ledger" recovery action for a
// settlement caught mid-commit: if every lock is already consumed, the
// ledger commit landed durably before the crash and recovery only needs to
// resume notification; otherwise it retries the commit once, which is safe
// since CommitSettlement itself verifies lock validity before moving funds.
func (p *Processor) ConsultLedger(ctx context.Context, settlementID string) error {
	s, err := p.store.Get(ctx, settlementID)
	if err != nil {
		return err
	}
	if s.Status != StatusCommitting {
		return nil
	}

	allConsumed := len(s.Locks) > 0
	for _, l := range s.Locks {
		lock, err := p.locks.Get(ctx, l.LockID)
		if err != nil || lock.Status != lockmgr.StatusConsumed {
			allConsumed = false
			break
		}
	}

	if allConsumed {
		s.Status = StatusCommitted
		now := time.Now()
		s.CommittedAt = &now
		if err := p.store.Update(ctx, s); err != nil {
			return err
		}
		if err := p.appendTransition(ctx, s, StatusCommitting, StatusCommitted, "recovery: commit confirmed durably present"); err != nil {
			return err
		}
		p.runSettle(ctx, s)
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

// ResumeNotify implements the "resume_notify" recovery action for a
// settlement that reached committed before a crash interrupted notification
// dispatch: finality already holds, so this only re-dispatches notifications
// and re-arms ack tracking.
func (p *Processor) ResumeNotify(ctx context.Context, settlementID string) error {
	s, err := p.store.Get(ctx, settlementID)
	if err != nil {
		return err
	}
	if s.Status != StatusCommitted {
		return nil
	}
	p.runSettle(ctx, s)
	return nil
}
