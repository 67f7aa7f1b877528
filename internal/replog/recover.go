package replog

import (
	"context"
	"time"

	"github.com/atomicsettle/coordinator/internal/logging"
	"github.com/atomicsettle/coordinator/internal/settlement"
)

// ValidationTimeout bounds how long a settlement may sit in initiated or
// validated before recovery times it out rather than resuming it.
const ValidationTimeout = 30 * time.Second

// Recover implements the recovery procedure of §4.6: for every settlement
// whose most recently logged status is non-terminal, decide the action the
// Settlement Processor must take on leader promotion.
func Recover(ctx context.Context, store Store, now time.Time) ([]*RecoveredSettlement, error) {
	ids, err := store.ListNonTerminalSettlements(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	latest, err := store.LatestBySettlement(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]*RecoveredSettlement, 0, len(ids))
	for _, id := range ids {
		entry, ok := latest[id]
		if !ok {
			continue
		}
		age := now.Sub(entry.RecordedAt)
		out = append(out, &RecoveredSettlement{
			SettlementID: id,
			LastStatus:   entry.ToStatus,
			Age:          age,
			Action:       actionFor(entry.ToStatus, age),
		})
	}
	return out, nil
}

// actionFor maps a recovered status (plus its age, for the timeout check)
// to the recovery table of §4.6.
func actionFor(status settlement.Status, age time.Duration) Action {
	switch status {
	case settlement.StatusInitiated, settlement.StatusValidated:
		if age > ValidationTimeout {
			return ActionTimeOut
		}
		return ActionResume
	case settlement.StatusPendingReview:
		return ActionAwaitReview
	case settlement.StatusLocking:
		return ActionReconcile
	case settlement.StatusLocked:
		return ActionVerifyLocks
	case settlement.StatusCommitting:
		return ActionConsultLedger
	case settlement.StatusCommitted:
		return ActionResumeNotify
	default:
		// received, or any terminal status reached here through a stale
		// non-terminal listing — treat conservatively as resumable.
		return ActionResume
	}
}

// SettlementResumer is the slice of the Settlement Processor the recovery
// dispatcher drives on leader promotion. Satisfied structurally by
// *settlement.Processor without that package importing replog.
type SettlementResumer interface {
	Resume(ctx context.Context, settlementID string) error
	TimeOut(ctx context.Context, settlementID string) error
	Reconcile(ctx context.Context, settlementID string) error
	VerifyLocks(ctx context.Context, settlementID string) error
	ConsultLedger(ctx context.Context, settlementID string) error
	ResumeNotify(ctx context.Context, settlementID string) error
}

// RunRecovery implements recover_all_nonterminal(): queries store for every
// settlement whose most recently logged status is non-terminal and drives
// each one back into the Settlement Processor according to §4.6's recovery
// table. A single settlement's failure to resume is logged and does not
// abort recovery of the rest.
func RunRecovery(ctx context.Context, store Store, resumer SettlementResumer, now time.Time) error {
	recovered, err := Recover(ctx, store, now)
	if err != nil {
		return err
	}

	for _, r := range recovered {
		var resumeErr error
		switch r.Action {
		case ActionResume:
			resumeErr = resumer.Resume(ctx, r.SettlementID)
		case ActionTimeOut:
			resumeErr = resumer.TimeOut(ctx, r.SettlementID)
		case ActionAwaitReview:
			// Leave as-is; an operator resolves pending_review out of band.
		case ActionReconcile:
			resumeErr = resumer.Reconcile(ctx, r.SettlementID)
		case ActionVerifyLocks:
			resumeErr = resumer.VerifyLocks(ctx, r.SettlementID)
		case ActionConsultLedger:
			resumeErr = resumer.ConsultLedger(ctx, r.SettlementID)
		case ActionResumeNotify:
			resumeErr = resumer.ResumeNotify(ctx, r.SettlementID)
		}
		if resumeErr != nil {
			logging.L(ctx).Error("recovery: failed to resume settlement",
				"settlement_id", r.SettlementID, "action", r.Action, "error", resumeErr)
		}
	}
	return nil
}
