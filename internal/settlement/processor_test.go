package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/atomicsettle/coordinator/internal/compliance"
	"github.com/atomicsettle/coordinator/internal/fx"
	"github.com/atomicsettle/coordinator/internal/ledger"
	"github.com/atomicsettle/coordinator/internal/lockmgr"
	"github.com/atomicsettle/coordinator/internal/participant"
)

// fakeDirectory is a fixed-map Directory for tests.
type fakeDirectory struct {
	participants map[string]Participant
	blocked      map[string]bool // "receiver:sender" -> blocked
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{participants: make(map[string]Participant), blocked: make(map[string]bool)}
}

func (d *fakeDirectory) add(p Participant) {
	d.participants[p.ID] = p
}

func (d *fakeDirectory) Get(_ context.Context, id string) (Participant, bool) {
	p, ok := d.participants[id]
	return p, ok
}

func (d *fakeDirectory) Blocklisted(_ context.Context, receiverID, senderID string) (bool, error) {
	return d.blocked[receiverID+":"+senderID], nil
}

// fakeLocks is an in-memory LockManager for tests, backed by lockmgr.Manager
// semantics but allowing failure injection per account.
type fakeLocks struct {
	mu          sync.Mutex
	locks       map[string]*lockmgr.Lock
	failReason  map[string]string // account key -> "insufficient_funds" | "timeout"
	failOnce    map[string]bool   // account key -> fail only the first attempt, then succeed
	attemptedAt map[string]int
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{
		locks:       make(map[string]*lockmgr.Lock),
		failReason:  make(map[string]string),
		failOnce:    make(map[string]bool),
		attemptedAt: make(map[string]int),
	}
}

func (f *fakeLocks) key(a lockmgr.AccountRef) string {
	return a.ParticipantID + ":" + a.AccountNumber + ":" + a.Currency
}

func (f *fakeLocks) Acquire(_ context.Context, req lockmgr.Request) (*lockmgr.AcquireResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := f.key(req.Account)
	f.attemptedAt[k]++
	if reason, ok := f.failReason[k]; ok {
		if f.failOnce[k] && f.attemptedAt[k] > 1 {
			// fall through to success on retry
		} else {
			return &lockmgr.AcquireResult{Failed: true, Reason: reason}, nil
		}
	}

	lock := &lockmgr.Lock{
		LockID: req.LockID, SettlementID: req.SettlementID, LegNumber: req.LegNumber,
		Account: req.Account, Amount: req.Amount, Status: lockmgr.StatusActive,
		AcquiredAt: time.Now(), ExpiresAt: req.ExpiresAt, CreatedAt: time.Now(),
	}
	if lock.LockID == "" {
		lock.LockID = k + "-lock"
	}
	f.locks[lock.LockID] = lock
	return &lockmgr.AcquireResult{Lock: lock}, nil
}

func (f *fakeLocks) Release(_ context.Context, lockID string, _ lockmgr.ReleaseReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.locks[lockID]; ok {
		l.Status = lockmgr.StatusReleased
	}
	return nil
}

func (f *fakeLocks) Consume(_ context.Context, lockID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.locks[lockID]; ok {
		l.Status = lockmgr.StatusConsumed
	}
	return nil
}

func (f *fakeLocks) Get(_ context.Context, lockID string) (*lockmgr.Lock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[lockID]
	if !ok {
		return nil, lockmgr.ErrLockNotFound
	}
	cp := *l
	return &cp, nil
}

// fakeLedger is a LedgerCommitter that records commits and can be told to fail.
type fakeLedger struct {
	mu        sync.Mutex
	committed []string
	failErr   error
}

func (f *fakeLedger) CommitSettlement(_ context.Context, settlementID string, _ []ledger.LegEntry, _ []ledger.LockRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.committed = append(f.committed, settlementID)
	return nil
}

// fakeFX returns a fixed rate lock, or an error when configured to fail.
type fakeFX struct {
	mid     float64
	failErr error
}

func (f *fakeFX) LockRate(_ context.Context, settlementID, base, quote string) (*fx.RateLock, error) {
	if f.failErr != nil {
		return nil, f.failErr
	}
	return &fx.RateLock{
		SettlementID: settlementID, Base: base, Quote: quote, Mid: f.mid,
		ProviderCount: 3, ValidUntil: time.Now().Add(time.Minute), CreatedAt: time.Now(),
	}, nil
}

// fakeCompliance returns a fixed decision for every hook call, or per-hook
// overrides.
type fakeCompliance struct {
	decision compliance.Decision
	perHook  map[compliance.HookName]compliance.Decision
	calls    []compliance.HookName
	mu       sync.Mutex
}

func newFakeCompliance(decision compliance.Decision) *fakeCompliance {
	return &fakeCompliance{decision: decision, perHook: make(map[compliance.HookName]compliance.Decision)}
}

func (f *fakeCompliance) Evaluate(_ context.Context, hookName compliance.HookName, _ compliance.Request) (compliance.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, hookName)
	f.mu.Unlock()

	decision := f.decision
	if override, ok := f.perHook[hookName]; ok {
		decision = override
	}
	return compliance.Result{Decision: decision, HookName: string(hookName)}, nil
}

// fakeLog is a ReplicatedLog that records every transition.
type fakeLog struct {
	mu      sync.Mutex
	entries []*TransitionRecord
}

func (f *fakeLog) Append(_ context.Context, entry *TransitionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

// fakeNotifier records dispatched envelopes.
type fakeNotifier struct {
	mu   sync.Mutex
	sent []*participant.Envelope
}

func (f *fakeNotifier) SendTo(_ string, env *participant.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return true
}

func activeParticipant(id string, currencies ...string) Participant {
	return Participant{ID: id, Status: ParticipantActive, AllowedCurrencies: currencies}
}

type testHarness struct {
	processor  *Processor
	store      *MemoryStore
	directory  *fakeDirectory
	locks      *fakeLocks
	ledgerSvc  *fakeLedger
	fxEngine   *fakeFX
	compliance *fakeCompliance
	log        *fakeLog
	notifier   *fakeNotifier
}

func newHarness() *testHarness {
	h := &testHarness{
		store:      NewMemoryStore(),
		directory:  newFakeDirectory(),
		locks:      newFakeLocks(),
		ledgerSvc:  &fakeLedger{},
		fxEngine:   &fakeFX{mid: 1.1},
		compliance: newFakeCompliance(compliance.DecisionApprove),
		log:        &fakeLog{},
		notifier:   &fakeNotifier{},
	}
	h.processor = NewProcessor(h.store, h.directory, h.locks, h.ledgerSvc, h.fxEngine, h.compliance, h.log, h.notifier, DefaultConfig())
	return h
}

func singleLegRequest(key string) Request {
	return Request{
		IdempotencyKey: key,
		Legs: []Leg{
			{LegNumber: 1,
				Source:       AccountRef{ParticipantID: "alpha", AccountNumber: "a1", Currency: "USD"},
				Destination:  AccountRef{ParticipantID: "beta", AccountNumber: "b1", Currency: "USD"},
				SourceAmount: "100.00",
			},
		},
		RequestedBy: "test",
	}
}

func TestProcessor_SubmitHappyPathReachesSettled(t *testing.T) {
	h := newHarness()
	h.directory.add(activeParticipant("alpha", "USD"))
	h.directory.add(activeParticipant("beta", "USD"))

	handle, err := h.processor.Submit(context.Background(), singleLegRequest("idem-1"))
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if handle.Status != StatusSettled {
		t.Fatalf("expected settled, got %s (failure=%+v)", handle.Status, handle.Failure)
	}
	if len(h.ledgerSvc.committed) != 1 {
		t.Errorf("expected one ledger commit, got %d", len(h.ledgerSvc.committed))
	}
	if len(h.notifier.sent) != 2 {
		t.Errorf("expected notifications to both participants, got %d", len(h.notifier.sent))
	}
}

func TestProcessor_SubmitIsIdempotentOnKey(t *testing.T) {
	h := newHarness()
	h.directory.add(activeParticipant("alpha", "USD"))
	h.directory.add(activeParticipant("beta", "USD"))

	req := singleLegRequest("idem-dup")
	first, err := h.processor.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("first submit error: %v", err)
	}

	second, err := h.processor.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("second submit error: %v", err)
	}
	if second.SettlementID != first.SettlementID {
		t.Errorf("expected same settlement id on resubmission, got %s vs %s", second.SettlementID, first.SettlementID)
	}
	if len(h.ledgerSvc.committed) != 1 {
		t.Errorf("resubmission must not trigger a second commit, got %d commits", len(h.ledgerSvc.committed))
	}
}

func TestProcessor_RejectsUnknownParticipant(t *testing.T) {
	h := newHarness()
	h.directory.add(activeParticipant("alpha", "USD"))
	// beta is never registered.

	handle, err := h.processor.Submit(context.Background(), singleLegRequest("idem-2"))
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if handle.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", handle.Status)
	}
	if handle.Failure == nil || handle.Failure.Code != "unknown_participant" {
		t.Errorf("expected unknown_participant failure, got %+v", handle.Failure)
	}
}

func TestProcessor_RejectsSuspendedDestination(t *testing.T) {
	h := newHarness()
	h.directory.add(activeParticipant("alpha", "USD"))
	h.directory.add(Participant{ID: "beta", Status: ParticipantSuspended, AllowedCurrencies: []string{"USD"}})

	handle, err := h.processor.Submit(context.Background(), singleLegRequest("idem-3"))
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if handle.Status != StatusRejected || handle.Failure.Code != "unknown_participant" {
		t.Fatalf("expected rejected/unknown_participant, got %s %+v", handle.Status, handle.Failure)
	}
}

func TestProcessor_RejectsBlockedCounterparty(t *testing.T) {
	h := newHarness()
	h.directory.add(activeParticipant("alpha", "USD"))
	h.directory.add(activeParticipant("beta", "USD"))
	h.directory.blocked["beta:alpha"] = true

	handle, err := h.processor.Submit(context.Background(), singleLegRequest("idem-4"))
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if handle.Status != StatusRejected || handle.Failure.Code != "blocked_counterparty" {
		t.Fatalf("expected rejected/blocked_counterparty, got %s %+v", handle.Status, handle.Failure)
	}
}

func TestProcessor_RejectsOverLimit(t *testing.T) {
	h := newHarness()
	h.directory.add(Participant{
		ID: "alpha", Status: ParticipantActive, AllowedCurrencies: []string{"USD"},
		SettlementLimitPerCurrency: map[string]string{"USD": "50.00"},
	})
	h.directory.add(activeParticipant("beta", "USD"))

	handle, err := h.processor.Submit(context.Background(), singleLegRequest("idem-5"))
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if handle.Status != StatusRejected || handle.Failure.Code != "limit_exceeded" {
		t.Fatalf("expected rejected/limit_exceeded, got %s %+v", handle.Status, handle.Failure)
	}
}

func TestProcessor_PreValidateComplianceRejectShortCircuits(t *testing.T) {
	h := newHarness()
	h.directory.add(activeParticipant("alpha", "USD"))
	h.directory.add(activeParticipant("beta", "USD"))
	h.compliance.perHook[compliance.PreValidate] = compliance.DecisionReject

	handle, err := h.processor.Submit(context.Background(), singleLegRequest("idem-6"))
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if handle.Status != StatusRejected || handle.Failure.Code != "compliance_rejected" {
		t.Fatalf("expected rejected/compliance_rejected, got %s %+v", handle.Status, handle.Failure)
	}
	if len(h.ledgerSvc.committed) != 0 {
		t.Errorf("compliance rejection before locking must never reach commit")
	}
}

func TestProcessor_PostValidateReviewGoesToPendingReview(t *testing.T) {
	h := newHarness()
	h.directory.add(activeParticipant("alpha", "USD"))
	h.directory.add(activeParticipant("beta", "USD"))
	h.compliance.perHook[compliance.PostValidate] = compliance.DecisionReview

	handle, err := h.processor.Submit(context.Background(), singleLegRequest("idem-7"))
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if handle.Status != StatusPendingReview {
		t.Fatalf("expected pending_review, got %s", handle.Status)
	}
}

func TestProcessor_PreLockReviewIsTreatedAsFailureNotBackwardTransition(t *testing.T) {
	h := newHarness()
	h.directory.add(activeParticipant("alpha", "USD"))
	h.directory.add(activeParticipant("beta", "USD"))
	h.compliance.perHook[compliance.PreLock] = compliance.DecisionReview

	handle, err := h.processor.Submit(context.Background(), singleLegRequest("idem-8"))
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if handle.Status != StatusFailed {
		t.Fatalf("expected failed (invariant 1 forbids pending_review after locking), got %s", handle.Status)
	}
	if handle.Failure == nil || handle.Failure.Code != "compliance_rejected" {
		t.Errorf("expected compliance_rejected failure, got %+v", handle.Failure)
	}
}

func TestProcessor_CrossLegBalanceInvariantRejectsMismatch(t *testing.T) {
	h := newHarness()
	h.directory.add(activeParticipant("alpha", "USD"))
	h.directory.add(activeParticipant("beta", "USD"))
	h.directory.add(activeParticipant("gamma", "USD"))

	req := Request{
		IdempotencyKey: "idem-9",
		Legs: []Leg{
			{LegNumber: 1,
				Source:       AccountRef{ParticipantID: "alpha", AccountNumber: "a1", Currency: "USD"},
				Destination:  AccountRef{ParticipantID: "beta", AccountNumber: "b1", Currency: "USD"},
				SourceAmount: "100.00",
			},
			{LegNumber: 2,
				Source:       AccountRef{ParticipantID: "beta", AccountNumber: "b1", Currency: "USD"},
				Destination:  AccountRef{ParticipantID: "gamma", AccountNumber: "g1", Currency: "USD"},
				SourceAmount: "50.00",
				// Same-currency leg whose converted amount differs from its
				// source amount.
				ConvertedAmount: "40.00",
			},
		},
	}

	handle, err := h.processor.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if handle.Status != StatusRejected || handle.Failure.Code != "malformed_amount" {
		t.Fatalf("expected rejected/malformed_amount, got %s %+v", handle.Status, handle.Failure)
	}
}

func TestProcessor_CrossCurrencyLocksFxRateAndConverts(t *testing.T) {
	h := newHarness()
	h.directory.add(activeParticipant("alpha", "USD"))
	h.directory.add(activeParticipant("beta", "EUR"))
	h.fxEngine.mid = 0.9

	req := Request{
		IdempotencyKey: "idem-10",
		Legs: []Leg{
			{LegNumber: 1,
				Source:       AccountRef{ParticipantID: "alpha", AccountNumber: "a1", Currency: "USD"},
				Destination:  AccountRef{ParticipantID: "beta", AccountNumber: "b1", Currency: "EUR"},
				SourceAmount: "100.00",
			},
		},
		Fx: &FxInstruction{Mode: FxModeAtCoordinator, Base: "USD", Quote: "EUR"},
	}

	handle, err := h.processor.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if handle.Status != StatusSettled {
		t.Fatalf("expected settled, got %s (failure=%+v)", handle.Status, handle.Failure)
	}

	stored, err := h.store.Get(context.Background(), handle.SettlementID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Legs[0].ConvertedAmount != "90.00" {
		t.Errorf("expected converted amount 90.00 at mid 0.9, got %s", stored.Legs[0].ConvertedAmount)
	}
}

func TestProcessor_MissingFxInstructionForCrossCurrencyLegRejects(t *testing.T) {
	h := newHarness()
	h.directory.add(activeParticipant("alpha", "USD"))
	h.directory.add(activeParticipant("beta", "EUR"))

	req := Request{
		IdempotencyKey: "idem-11",
		Legs: []Leg{
			{LegNumber: 1,
				Source:       AccountRef{ParticipantID: "alpha", AccountNumber: "a1", Currency: "USD"},
				Destination:  AccountRef{ParticipantID: "beta", AccountNumber: "b1", Currency: "EUR"},
				SourceAmount: "100.00",
			},
		},
	}

	handle, err := h.processor.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if handle.Status != StatusRejected || handle.Failure.Code != "malformed_request" {
		t.Fatalf("expected rejected/malformed_request, got %s %+v", handle.Status, handle.Failure)
	}
}

func TestProcessor_LockInsufficientFundsFailsSettlement(t *testing.T) {
	h := newHarness()
	h.directory.add(activeParticipant("alpha", "USD"))
	h.directory.add(activeParticipant("beta", "USD"))
	h.locks.failReason["alpha:a1:USD"] = "insufficient_funds"

	handle, err := h.processor.Submit(context.Background(), singleLegRequest("idem-12"))
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if handle.Status != StatusFailed || handle.Failure.Code != "insufficient_funds" {
		t.Fatalf("expected failed/insufficient_funds, got %s %+v", handle.Status, handle.Failure)
	}
}

func TestProcessor_LockTimeoutIsRetriedThenSucceeds(t *testing.T) {
	h := newHarness()
	h.directory.add(activeParticipant("alpha", "USD"))
	h.directory.add(activeParticipant("beta", "USD"))
	h.locks.failReason["alpha:a1:USD"] = "timeout"
	h.locks.failOnce["alpha:a1:USD"] = true

	handle, err := h.processor.Submit(context.Background(), singleLegRequest("idem-13"))
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if handle.Status != StatusSettled {
		t.Fatalf("expected settled after retry, got %s (failure=%+v)", handle.Status, handle.Failure)
	}
	if h.locks.attemptedAt["alpha:a1:USD"] < 2 {
		t.Errorf("expected at least 2 attempts, got %d", h.locks.attemptedAt["alpha:a1:USD"])
	}
}

func TestProcessor_CommitFailureReleasesLocksAndFailsSettlement(t *testing.T) {
	h := newHarness()
	h.directory.add(activeParticipant("alpha", "USD"))
	h.directory.add(activeParticipant("beta", "USD"))
	h.ledgerSvc.failErr = ledger.ErrInsufficientBalance

	handle, err := h.processor.Submit(context.Background(), singleLegRequest("idem-14"))
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if handle.Status != StatusFailed || handle.Failure.Code != "commit_ledger_conflict" {
		t.Fatalf("expected failed/commit_ledger_conflict, got %s %+v", handle.Status, handle.Failure)
	}

	stored, err := h.store.Get(context.Background(), handle.SettlementID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	for _, l := range stored.Locks {
		lock, err := h.locks.Get(context.Background(), l.LockID)
		if err != nil {
			t.Fatalf("Get lock failed: %v", err)
		}
		if lock.Status != lockmgr.StatusReleased {
			t.Errorf("expected lock %s released after commit failure, got %s", l.LockID, lock.Status)
		}
	}
}

func TestProcessor_SettleRegistersAckAndRecordAckUnblocksWaiter(t *testing.T) {
	h := newHarness()
	h.directory.add(activeParticipant("alpha", "USD"))
	h.directory.add(activeParticipant("beta", "USD"))

	handle, err := h.processor.Submit(context.Background(), singleLegRequest("idem-15"))
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if handle.Status != StatusSettled {
		t.Fatalf("expected settled, got %s", handle.Status)
	}

	// runSettle's background goroutine keeps the waiter registered until
	// every involved participant has acked or AckTimeout (60s) elapses.
	h.processor.acks.mu.Lock()
	waiter, ok := h.processor.acks.waiters[handle.SettlementID]
	h.processor.acks.mu.Unlock()
	if !ok {
		t.Fatalf("expected an ack waiter registered for %s", handle.SettlementID)
	}

	h.processor.RecordAck(handle.SettlementID, "alpha")
	h.processor.RecordAck(handle.SettlementID, "beta")

	select {
	case <-waiter.done:
	case <-time.After(time.Second):
		t.Fatal("expected the ack waiter to be released once both participants acked")
	}
}
