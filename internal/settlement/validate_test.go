package settlement

import "testing"

func TestCheckFormat_RejectsEmptyLegs(t *testing.T) {
	if outcome := checkFormat(nil); outcome == nil || outcome.failure.Code != "malformed_request" {
		t.Fatalf("expected malformed_request, got %+v", outcome)
	}
}

func TestCheckFormat_RejectsNonPositiveAmount(t *testing.T) {
	legs := []Leg{{
		LegNumber:    1,
		Source:       AccountRef{ParticipantID: "a", AccountNumber: "1", Currency: "USD"},
		Destination:  AccountRef{ParticipantID: "b", AccountNumber: "1", Currency: "USD"},
		SourceAmount: "0.00",
	}}
	if outcome := checkFormat(legs); outcome == nil || outcome.failure.Code != "malformed_amount" {
		t.Fatalf("expected malformed_amount, got %+v", outcome)
	}
}

func TestCheckFormat_AcceptsWellFormedLeg(t *testing.T) {
	legs := []Leg{{
		LegNumber:    1,
		Source:       AccountRef{ParticipantID: "a", AccountNumber: "1", Currency: "USD"},
		Destination:  AccountRef{ParticipantID: "b", AccountNumber: "1", Currency: "USD"},
		SourceAmount: "10.00",
	}}
	if outcome := checkFormat(legs); outcome != nil {
		t.Fatalf("expected no outcome, got %+v", outcome)
	}
}

func TestCheckParticipant_RejectsSuspended(t *testing.T) {
	leg := Leg{LegNumber: 1, Source: AccountRef{Currency: "USD"}}
	src := Participant{Status: ParticipantSuspended}
	if outcome := checkParticipant(leg, src); outcome == nil || outcome.failure.Code != "unknown_participant" {
		t.Fatalf("expected unknown_participant, got %+v", outcome)
	}
}

func TestCheckParticipant_RejectsDisallowedCurrency(t *testing.T) {
	leg := Leg{LegNumber: 1, Source: AccountRef{Currency: "GBP"}}
	src := Participant{Status: ParticipantActive, AllowedCurrencies: []string{"USD"}}
	if outcome := checkParticipant(leg, src); outcome == nil || outcome.failure.Code != "currency_not_permitted" {
		t.Fatalf("expected currency_not_permitted, got %+v", outcome)
	}
}

func TestCheckParticipant_RejectsOverLimit(t *testing.T) {
	leg := Leg{LegNumber: 1, Source: AccountRef{Currency: "USD"}, SourceAmount: "100.00"}
	src := Participant{
		Status: ParticipantActive, AllowedCurrencies: []string{"USD"},
		SettlementLimitPerCurrency: map[string]string{"USD": "50.00"},
	}
	if outcome := checkParticipant(leg, src); outcome == nil || outcome.failure.Code != "limit_exceeded" {
		t.Fatalf("expected limit_exceeded, got %+v", outcome)
	}
}

func TestCheckParticipant_AllowsWithinLimit(t *testing.T) {
	leg := Leg{LegNumber: 1, Source: AccountRef{Currency: "USD"}, SourceAmount: "40.00"}
	src := Participant{
		Status: ParticipantActive, AllowedCurrencies: []string{"USD"},
		SettlementLimitPerCurrency: map[string]string{"USD": "50.00"},
	}
	if outcome := checkParticipant(leg, src); outcome != nil {
		t.Fatalf("expected no outcome, got %+v", outcome)
	}
}

func TestCheckCrossLegBalance_AcceptsBalancedSameCurrencyChain(t *testing.T) {
	legs := []Leg{
		{LegNumber: 1, Source: AccountRef{Currency: "USD"}, Destination: AccountRef{Currency: "USD"}, SourceAmount: "100.00"},
		{LegNumber: 2, Source: AccountRef{Currency: "USD"}, Destination: AccountRef{Currency: "USD"}, SourceAmount: "100.00"},
	}
	if outcome := checkCrossLegBalance(legs); outcome != nil {
		t.Fatalf("expected balanced legs to pass, got %+v", outcome)
	}
}

func TestCheckCrossLegBalance_RejectsMismatch(t *testing.T) {
	legs := []Leg{
		{LegNumber: 1, Source: AccountRef{Currency: "USD"}, Destination: AccountRef{Currency: "USD"},
			SourceAmount: "100.00", ConvertedAmount: "90.00"},
	}
	if outcome := checkCrossLegBalance(legs); outcome == nil || outcome.failure.Code != "malformed_amount" {
		t.Fatalf("expected malformed_amount, got %+v", outcome)
	}
}

func TestCheckCrossLegBalance_UsesConvertedAmountWhenPresent(t *testing.T) {
	legs := []Leg{
		{LegNumber: 1, Source: AccountRef{Currency: "USD"}, Destination: AccountRef{Currency: "EUR"},
			SourceAmount: "100.00", ConvertedAmount: "90.00"},
		{LegNumber: 2, Source: AccountRef{Currency: "EUR"}, Destination: AccountRef{Currency: "USD"},
			SourceAmount: "90.00", ConvertedAmount: "100.00"},
	}
	if outcome := checkCrossLegBalance(legs); outcome != nil {
		t.Fatalf("expected balanced cross-currency legs to pass, got %+v", outcome)
	}
}

func TestCheckCrossLegBalance_AcceptsSingleOpenCrossCurrencyLeg(t *testing.T) {
	legs := []Leg{
		{LegNumber: 1, Source: AccountRef{Currency: "USD"}, Destination: AccountRef{Currency: "EUR"},
			SourceAmount: "100.00", ConvertedAmount: "90.00"},
	}
	if outcome := checkCrossLegBalance(legs); outcome != nil {
		t.Fatalf("expected a single open cross-currency leg to pass, got %+v", outcome)
	}
}
