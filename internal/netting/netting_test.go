package netting

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/atomicsettle/coordinator/internal/money"
	"github.com/atomicsettle/coordinator/internal/settlement"
)

type fakeSink struct {
	mu  sync.Mutex
	out []*settlement.Settlement
}

func (s *fakeSink) SubmitNetted(net *settlement.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, net)
	return nil
}

func (s *fakeSink) snapshot() []*settlement.Settlement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*settlement.Settlement(nil), s.out...)
}

func gross(id, idemKey, from, to, amount, currency string) *settlement.Settlement {
	return &settlement.Settlement{
		ID:             id,
		IdempotencyKey: idemKey,
		Legs: []settlement.Leg{{
			LegNumber:       1,
			Source:          settlement.AccountRef{ParticipantID: from, Currency: currency},
			Destination:     settlement.AccountRef{ParticipantID: to, Currency: currency},
			SourceAmount:    amount,
			ConvertedAmount: amount,
		}},
	}
}

func TestComputeNetFlows_PositiveNetEmitsForward(t *testing.T) {
	entries := []flowEntry{
		{from: "alpha", to: "beta", amount: mustAmount("USD", "100.00"), idempotencyKey: "k1", settlementID: "s1"},
		{from: "beta", to: "alpha", amount: mustAmount("USD", "30.00"), idempotencyKey: "k2", settlementID: "s2"},
	}
	out := computeNetFlows("USD", entries)
	if len(out) != 1 {
		t.Fatalf("expected 1 net settlement, got %d", len(out))
	}
	leg := out[0].Legs[0]
	if leg.Source.ParticipantID != "alpha" || leg.Destination.ParticipantID != "beta" {
		t.Fatalf("expected alpha->beta, got %s->%s", leg.Source.ParticipantID, leg.Destination.ParticipantID)
	}
	if leg.ConvertedAmount != "70.00" {
		t.Fatalf("expected net 70.00, got %s", leg.ConvertedAmount)
	}
}

func TestComputeNetFlows_NegativeNetEmitsReverse(t *testing.T) {
	entries := []flowEntry{
		{from: "alpha", to: "beta", amount: mustAmount("USD", "20.00"), idempotencyKey: "k1", settlementID: "s1"},
		{from: "beta", to: "alpha", amount: mustAmount("USD", "50.00"), idempotencyKey: "k2", settlementID: "s2"},
	}
	out := computeNetFlows("USD", entries)
	if len(out) != 1 {
		t.Fatalf("expected 1 net settlement, got %d", len(out))
	}
	leg := out[0].Legs[0]
	if leg.Source.ParticipantID != "beta" || leg.Destination.ParticipantID != "alpha" {
		t.Fatalf("expected beta->alpha, got %s->%s", leg.Source.ParticipantID, leg.Destination.ParticipantID)
	}
	if leg.ConvertedAmount != "30.00" {
		t.Fatalf("expected net 30.00, got %s", leg.ConvertedAmount)
	}
}

func TestComputeNetFlows_ZeroNetEmitsNothing(t *testing.T) {
	entries := []flowEntry{
		{from: "alpha", to: "beta", amount: mustAmount("USD", "40.00"), idempotencyKey: "k1", settlementID: "s1"},
		{from: "beta", to: "alpha", amount: mustAmount("USD", "40.00"), idempotencyKey: "k2", settlementID: "s2"},
	}
	out := computeNetFlows("USD", entries)
	if len(out) != 0 {
		t.Fatalf("expected no net settlements for balanced flow, got %d", len(out))
	}
}

func TestComputeNetFlows_MultiplePairsIndependent(t *testing.T) {
	entries := []flowEntry{
		{from: "alpha", to: "beta", amount: mustAmount("USD", "100.00"), idempotencyKey: "k1", settlementID: "s1"},
		{from: "gamma", to: "alpha", amount: mustAmount("USD", "10.00"), idempotencyKey: "k2", settlementID: "s2"},
	}
	out := computeNetFlows("USD", entries)
	if len(out) != 2 {
		t.Fatalf("expected 2 independent net settlements, got %d", len(out))
	}
}

func TestComputeNetFlows_DeterministicIdempotencyKey(t *testing.T) {
	entries := []flowEntry{
		{from: "alpha", to: "beta", amount: mustAmount("USD", "100.00"), idempotencyKey: "k1", settlementID: "s1"},
		{from: "alpha", to: "beta", amount: mustAmount("USD", "50.00"), idempotencyKey: "k2", settlementID: "s2"},
	}
	out1 := computeNetFlows("USD", entries)
	out2 := computeNetFlows("USD", entries)
	if out1[0].IdempotencyKey != out2[0].IdempotencyKey {
		t.Fatal("expected deterministic idempotency key across runs with the same inputs")
	}
}

func TestEngine_SubmitAndFlushEmitsNetSettlement(t *testing.T) {
	sink := &fakeSink{}
	e := NewEngine(10*time.Millisecond, sink)
	e.Start()
	defer e.Stop()

	e.Submit(gross("s1", "k1", "alpha", "beta", "75.00", "USD"))
	e.Submit(gross("s2", "k2", "beta", "alpha", "25.00", "USD"))

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if len(sink.snapshot()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	out := sink.snapshot()
	if len(out) != 1 {
		t.Fatalf("expected 1 net settlement emitted, got %d", len(out))
	}
	if out[0].Legs[0].ConvertedAmount != "50.00" {
		t.Fatalf("expected net 50.00, got %s", out[0].Legs[0].ConvertedAmount)
	}
}

func mustAmount(currency, decimal string) *big.Int {
	units, ok := money.Parse(currency, decimal)
	if !ok {
		panic("mustAmount: invalid test fixture")
	}
	return units
}
