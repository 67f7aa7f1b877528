package settlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atomicsettle/coordinator/internal/compliance"
	"github.com/atomicsettle/coordinator/internal/ledger"
	"github.com/atomicsettle/coordinator/internal/lockmgr"
	"github.com/atomicsettle/coordinator/internal/netting"
	"github.com/atomicsettle/coordinator/internal/participant"
	"github.com/atomicsettle/coordinator/internal/registry"
	"github.com/atomicsettle/coordinator/internal/replog"
	"github.com/atomicsettle/coordinator/internal/settlement"
)

// wiredCoordinator assembles Processor + Lock Manager + Ledger + Netting
// Engine + Replicated Log against in-memory stores, the same shape
// internal/server.Server builds against Postgres-backed ones, so the seed
// end-to-end scenarios exercise the real collaboration rather than fakes.
type wiredCoordinator struct {
	processor  *settlement.Processor
	ledgerSvc  *ledger.MemoryStore
	settleSvc  *settlement.MemoryStore
	registrySt *registry.MemoryStore
}

func newWiredCoordinator(t *testing.T) *wiredCoordinator {
	t.Helper()

	ledgerStore := ledger.NewMemoryStore()
	lockStore := lockmgr.NewMemoryStore()
	lockManager := lockmgr.NewManager(lockStore, ledgerStore, time.Second)

	registryStore := registry.NewMemoryStore()
	directory := registry.NewDirectory(registryStore)

	replogStore := replog.NewMemoryStore()
	replicatedLog := replog.NewProcessorLog(replogStore)

	complianceRg := compliance.NewRegistry().WithTimeout(time.Second)

	notifier := participant.NewManager(
		func(string) (string, bool) { return "", false },
		func(string, *participant.Envelope) {},
	)

	settleStore := settlement.NewMemoryStore()

	processor := settlement.NewProcessor(
		settleStore, directory, lockManager, ledgerStore, nil, complianceRg,
		replicatedLog, notifier, settlement.DefaultConfig(),
	)
	nettingEngine := netting.NewEngine(50*time.Millisecond, processor)
	processor.SetNetter(nettingEngine)
	nettingEngine.Start()
	t.Cleanup(nettingEngine.Stop)

	return &wiredCoordinator{
		processor:  processor,
		ledgerSvc:  ledgerStore,
		settleSvc:  settleStore,
		registrySt: registryStore,
	}
}

func (w *wiredCoordinator) seedParticipant(t *testing.T, id string, currencies ...string) {
	t.Helper()
	limits := make(map[string]string, len(currencies))
	for _, c := range currencies {
		limits[c] = "1000000.00"
	}
	err := w.registrySt.CreateParticipant(context.Background(), &settlement.Participant{
		ID:                         id,
		Status:                     settlement.ParticipantActive,
		AllowedCurrencies:          currencies,
		SettlementLimitPerCurrency: limits,
	})
	require.NoError(t, err)
}

func (w *wiredCoordinator) deposit(t *testing.T, account ledger.AccountID, amount string) {
	t.Helper()
	err := w.ledgerSvc.CommitSettlement(context.Background(), "seed-"+account.String(), []ledger.LegEntry{
		{LegNumber: 1, SourceAccount: account, SourceAmount: "0.00", DestAccount: account, DestAmount: amount},
	}, nil)
	require.NoError(t, err)
}

// TestIntegration_SingleLegSettlementReachesSettled drives a same-currency
// single-leg settlement through every phase against real collaborators:
// validation, locking, ledger commit, and transition logging.
func TestIntegration_SingleLegSettlementReachesSettled(t *testing.T) {
	w := newWiredCoordinator(t)
	w.seedParticipant(t, "alpha", "USD")
	w.seedParticipant(t, "beta", "USD")
	w.deposit(t, ledger.AccountID{ParticipantID: "alpha", AccountNumber: "acct-1", Currency: "USD"}, "500.00")

	handle, err := w.processor.Submit(context.Background(), settlement.Request{
		IdempotencyKey: "itest-1",
		RequestedBy:    "alpha",
		Priority:       "normal",
		Legs: []settlement.Leg{{
			LegNumber:       1,
			Source:          settlement.AccountRef{ParticipantID: "alpha", AccountNumber: "acct-1", Currency: "USD"},
			Destination:     settlement.AccountRef{ParticipantID: "beta", AccountNumber: "acct-1", Currency: "USD"},
			SourceAmount:    "100.00",
			ConvertedAmount: "100.00",
		}},
	})
	require.NoError(t, err)
	require.Equal(t, settlement.StatusSettled, handle.Status)

	source, err := w.ledgerSvc.GetBalance(context.Background(), ledger.AccountID{ParticipantID: "alpha", AccountNumber: "acct-1", Currency: "USD"})
	require.NoError(t, err)
	require.Equal(t, "400.00000000", source.Available)

	dest, err := w.ledgerSvc.GetBalance(context.Background(), ledger.AccountID{ParticipantID: "beta", AccountNumber: "acct-1", Currency: "USD"})
	require.NoError(t, err)
	require.Equal(t, "100.00000000", dest.Available)

	stored, err := w.settleSvc.Get(context.Background(), handle.SettlementID)
	require.NoError(t, err)
	require.NotNil(t, stored.SettledAt)
}

// TestIntegration_InsufficientBalanceFailsDuringLocking exercises the
// insufficient-funds rejection path through the real Lock Manager/Ledger
// collaboration, rather than a failure-injecting fake.
func TestIntegration_InsufficientBalanceFailsDuringLocking(t *testing.T) {
	w := newWiredCoordinator(t)
	w.seedParticipant(t, "alpha", "USD")
	w.seedParticipant(t, "beta", "USD")
	// No deposit: alpha's account has zero available balance.

	handle, err := w.processor.Submit(context.Background(), settlement.Request{
		IdempotencyKey: "itest-2",
		RequestedBy:    "alpha",
		Priority:       "normal",
		Legs: []settlement.Leg{{
			LegNumber:       1,
			Source:          settlement.AccountRef{ParticipantID: "alpha", AccountNumber: "acct-1", Currency: "USD"},
			Destination:     settlement.AccountRef{ParticipantID: "beta", AccountNumber: "acct-1", Currency: "USD"},
			SourceAmount:    "50.00",
			ConvertedAmount: "50.00",
		}},
	})
	require.NoError(t, err)
	require.Equal(t, settlement.StatusFailed, handle.Status)
	require.NotNil(t, handle.Failure)
	require.Equal(t, "insufficient_funds", handle.Failure.Code)
}

// TestIntegration_UnknownParticipantIsRejected exercises the
// checkParticipantsAndCompliance validation step against the real registry
// directory: a settlement naming a participant never registered resolves to
// a terminal rejected handle, not an error.
func TestIntegration_UnknownParticipantIsRejected(t *testing.T) {
	w := newWiredCoordinator(t)
	w.seedParticipant(t, "alpha", "USD")
	// "beta" is never registered.

	handle, err := w.processor.Submit(context.Background(), settlement.Request{
		IdempotencyKey: "itest-3",
		RequestedBy:    "alpha",
		Legs: []settlement.Leg{{
			LegNumber:       1,
			Source:          settlement.AccountRef{ParticipantID: "alpha", AccountNumber: "acct-1", Currency: "USD"},
			Destination:     settlement.AccountRef{ParticipantID: "beta", AccountNumber: "acct-1", Currency: "USD"},
			SourceAmount:    "10.00",
			ConvertedAmount: "10.00",
		}},
	})
	require.NoError(t, err)
	require.Equal(t, settlement.StatusRejected, handle.Status)
}

// TestIntegration_NettingEligibleSettlementsAreAggregated seeds two
// opposite-direction, netting-eligible settlements between the same pair
// and asserts the Netting Engine replaces them with a single net flow
// rather than driving either gross settlement to locked/committed/settled.
func TestIntegration_NettingEligibleSettlementsAreAggregated(t *testing.T) {
	w := newWiredCoordinator(t)
	w.seedParticipant(t, "alpha", "USD")
	w.seedParticipant(t, "beta", "USD")
	// The Netting Engine's synthesized net settlement carries only
	// ParticipantID+Currency on each leg's AccountRef (see
	// netting.buildNetSettlement) — it nets at the participant's single
	// default settlement account per currency, not a specific sub-account,
	// so both the deposits and the gross legs below use the zero-value
	// AccountNumber to land on that same default account.
	w.deposit(t, ledger.AccountID{ParticipantID: "alpha", Currency: "USD"}, "1000.00")
	w.deposit(t, ledger.AccountID{ParticipantID: "beta", Currency: "USD"}, "1000.00")

	req := func(key, from, to, amount string) settlement.Request {
		return settlement.Request{
			IdempotencyKey:  key,
			RequestedBy:     from,
			NettingEligible: true,
			Legs: []settlement.Leg{{
				LegNumber:       1,
				Source:          settlement.AccountRef{ParticipantID: from, Currency: "USD"},
				Destination:     settlement.AccountRef{ParticipantID: to, Currency: "USD"},
				SourceAmount:    amount,
				ConvertedAmount: amount,
			}},
		}
	}

	h1, err := w.processor.Submit(context.Background(), req("itest-4a", "alpha", "beta", "300.00"))
	require.NoError(t, err)
	require.Equal(t, settlement.StatusValidated, h1.Status)

	h2, err := w.processor.Submit(context.Background(), req("itest-4b", "beta", "alpha", "120.00"))
	require.NoError(t, err)
	require.Equal(t, settlement.StatusValidated, h2.Status)

	// The gross settlements themselves stay validated forever — per §4.5,
	// only the net settlement the window flush synthesizes ever reaches
	// locked/committed/settled. The window flush (50ms) should net
	// 300-120=180 USD flowing alpha->beta.
	alphaAccount := ledger.AccountID{ParticipantID: "alpha", Currency: "USD"}
	betaAccount := ledger.AccountID{ParticipantID: "beta", Currency: "USD"}

	require.Eventually(t, func() bool {
		bal, err := w.ledgerSvc.GetBalance(context.Background(), alphaAccount)
		return err == nil && bal.Available == "820.00000000"
	}, time.Second, 10*time.Millisecond, "expected alpha's balance to reflect a net 180.00 debit, not two gross legs")

	betaBal, err := w.ledgerSvc.GetBalance(context.Background(), betaAccount)
	require.NoError(t, err)
	require.Equal(t, "1180.00000000", betaBal.Available)

	s1, err := w.settleSvc.Get(context.Background(), h1.SettlementID)
	require.NoError(t, err)
	require.Equal(t, settlement.StatusValidated, s1.Status)
}
