package settlement

import (
	"fmt"

	"github.com/atomicsettle/coordinator/internal/money"
)

// validationOutcome is the terminal shape of the initiated -> {validated |
// rejected | pending_review} transition: either a rejection, a review hold,
// or nil (validation passed).
type validationOutcome struct {
	status  Status
	failure *Failure
}

func rejected(code, message string) *validationOutcome {
	return &validationOutcome{status: StatusRejected, failure: &Failure{Kind: "validation", Code: code, Message: message}}
}

// checkFormat validates that every leg names a source and destination
// participant and carries a well-formed, strictly positive amount, per the
// data model's strictly-positive-amount invariant.
func checkFormat(legs []Leg) *validationOutcome {
	if len(legs) == 0 {
		return rejected("malformed_request", "settlement must have at least one leg")
	}
	for _, leg := range legs {
		if leg.Source.ParticipantID == "" || leg.Destination.ParticipantID == "" {
			return rejected("malformed_request", fmt.Sprintf("leg %d: missing participant on source or destination", leg.LegNumber))
		}
		units, ok := money.Parse(leg.Source.Currency, leg.SourceAmount)
		if !ok || units.Sign() <= 0 {
			return rejected("malformed_amount", fmt.Sprintf("leg %d: invalid source amount %q", leg.LegNumber, leg.SourceAmount))
		}
	}
	return nil
}

// checkParticipant validates one leg's source participant against its
// already-resolved record: active status, currency allowlist, and
// per-currency settlement limit. Destination status and the bilateral
// blocklist check require a directory round trip and are performed by the
// Processor directly, which calls this for the half that doesn't.
func checkParticipant(leg Leg, src Participant) *validationOutcome {
	if src.Status != ParticipantActive {
		return rejected("unknown_participant", "leg "+itoa(leg.LegNumber)+": source participant is suspended")
	}
	if !src.allowsCurrency(leg.Source.Currency) {
		return rejected("currency_not_permitted", "leg "+itoa(leg.LegNumber)+": "+leg.Source.Currency+" not permitted for "+src.ID)
	}
	if limit, ok := src.SettlementLimitPerCurrency[leg.Source.Currency]; ok {
		limitUnits, lok := money.Parse(leg.Source.Currency, limit)
		amountUnits, _ := money.Parse(leg.Source.Currency, leg.SourceAmount)
		if lok && amountUnits.Cmp(limitUnits) > 0 {
			return rejected("limit_exceeded", "leg "+itoa(leg.LegNumber)+": amount exceeds sender's settlement limit")
		}
	}
	return nil
}

// checkCrossLegBalance enforces each leg's own conversion invariant, rather
// than an aggregate across the settlement: a same-currency leg carries no
// implicit conversion, so a caller-supplied ConvertedAmount (if any) must
// equal its SourceAmount exactly; a cross-currency leg must already carry a
// ConvertedAmount, since lockFxIfNeeded populates or tolerance-checks it
// against the settlement's locked rate before this runs. A settlement made
// of open, one-directional transfers need not net to zero per currency;
// only closed cycles do, and those already balance leg by leg under this
// check.
func checkCrossLegBalance(legs []Leg) *validationOutcome {
	for _, leg := range legs {
		if leg.Source.Currency == leg.Destination.Currency {
			if leg.ConvertedAmount == "" {
				continue
			}
			srcUnits, ok := money.Parse(leg.Source.Currency, leg.SourceAmount)
			if !ok {
				return rejected("malformed_amount", "leg "+itoa(leg.LegNumber)+": unparsable source amount")
			}
			convUnits, ok := money.Parse(leg.Destination.Currency, leg.ConvertedAmount)
			if !ok {
				return rejected("malformed_amount", "leg "+itoa(leg.LegNumber)+": unparsable converted amount")
			}
			if srcUnits.Cmp(convUnits) != 0 {
				return rejected("malformed_amount", "leg "+itoa(leg.LegNumber)+": same-currency leg must not alter the amount")
			}
			continue
		}

		if leg.ConvertedAmount == "" {
			return rejected("malformed_amount", "leg "+itoa(leg.LegNumber)+": missing converted amount for cross-currency leg")
		}
		if _, ok := money.Parse(leg.Destination.Currency, leg.ConvertedAmount); !ok {
			return rejected("malformed_amount", "leg "+itoa(leg.LegNumber)+": unparsable converted amount")
		}
	}
	return nil
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
