package replog

import (
	"context"
	"testing"
	"time"

	"github.com/atomicsettle/coordinator/internal/settlement"
)

func appendTransition(t *testing.T, store *MemoryStore, settlementID string, from, to settlement.Status) {
	t.Helper()
	if err := store.Append(context.Background(), &Entry{
		SettlementID: settlementID,
		FromStatus:   from,
		ToStatus:     to,
		RecordedAt:   time.Now(),
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestRecover_ResumesFreshValidated(t *testing.T) {
	store := NewMemoryStore()
	appendTransition(t, store, "s1", settlement.StatusReceived, settlement.StatusInitiated)
	appendTransition(t, store, "s1", settlement.StatusInitiated, settlement.StatusValidated)

	out, err := Recover(context.Background(), store, time.Now())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(out) != 1 || out[0].Action != ActionResume {
		t.Fatalf("expected 1 resumable settlement, got %+v", out)
	}
}

func TestRecover_TimesOutStaleValidated(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Append(ctx, &Entry{
		SettlementID: "s1",
		FromStatus:   settlement.StatusInitiated,
		ToStatus:     settlement.StatusValidated,
		RecordedAt:   time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	out, err := Recover(ctx, store, time.Now())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(out) != 1 || out[0].Action != ActionTimeOut {
		t.Fatalf("expected time_out action, got %+v", out)
	}
}

func TestRecover_PendingReviewAwaitsDecision(t *testing.T) {
	store := NewMemoryStore()
	appendTransition(t, store, "s1", settlement.StatusValidated, settlement.StatusPendingReview)

	out, err := Recover(context.Background(), store, time.Now())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(out) != 1 || out[0].Action != ActionAwaitReview {
		t.Fatalf("expected await_review, got %+v", out)
	}
}

func TestRecover_LockingReconciles(t *testing.T) {
	store := NewMemoryStore()
	appendTransition(t, store, "s1", settlement.StatusValidated, settlement.StatusLocking)

	out, _ := Recover(context.Background(), store, time.Now())
	if out[0].Action != ActionReconcile {
		t.Fatalf("expected reconcile, got %v", out[0].Action)
	}
}

func TestRecover_LockedVerifiesLocks(t *testing.T) {
	store := NewMemoryStore()
	appendTransition(t, store, "s1", settlement.StatusLocking, settlement.StatusLocked)

	out, _ := Recover(context.Background(), store, time.Now())
	if out[0].Action != ActionVerifyLocks {
		t.Fatalf("expected verify_locks, got %v", out[0].Action)
	}
}

func TestRecover_CommittingConsultsLedger(t *testing.T) {
	store := NewMemoryStore()
	appendTransition(t, store, "s1", settlement.StatusLocked, settlement.StatusCommitting)

	out, _ := Recover(context.Background(), store, time.Now())
	if out[0].Action != ActionConsultLedger {
		t.Fatalf("expected consult_ledger, got %v", out[0].Action)
	}
}

func TestRecover_CommittedResumesNotification(t *testing.T) {
	store := NewMemoryStore()
	appendTransition(t, store, "s1", settlement.StatusCommitting, settlement.StatusCommitted)

	out, _ := Recover(context.Background(), store, time.Now())
	if out[0].Action != ActionResumeNotify {
		t.Fatalf("expected resume_notify, got %v", out[0].Action)
	}
}

func TestRecover_TerminalSettlementsExcluded(t *testing.T) {
	store := NewMemoryStore()
	appendTransition(t, store, "s1", settlement.StatusCommitted, settlement.StatusSettled)
	appendTransition(t, store, "s2", settlement.StatusLocking, settlement.StatusFailed)
	appendTransition(t, store, "s3", settlement.StatusValidated, settlement.StatusRejected)

	out, err := Recover(context.Background(), store, time.Now())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no non-terminal settlements, got %+v", out)
	}
}

func TestRecover_OnlyLatestTransitionConsidered(t *testing.T) {
	store := NewMemoryStore()
	appendTransition(t, store, "s1", settlement.StatusReceived, settlement.StatusInitiated)
	appendTransition(t, store, "s1", settlement.StatusInitiated, settlement.StatusValidated)
	appendTransition(t, store, "s1", settlement.StatusValidated, settlement.StatusLocking)

	out, err := Recover(context.Background(), store, time.Now())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(out) != 1 || out[0].LastStatus != settlement.StatusLocking {
		t.Fatalf("expected only the latest status locking, got %+v", out)
	}
}
