package fx

import (
	"math/big"

	"github.com/atomicsettle/coordinator/internal/money"
)

// midAsRat converts the lock's float64 mid-rate into an exact big.Rat for
// banker's-rounding conversion — float64 only carries the rate lock's
// quorum-median value in from the provider layer, the conversion itself
// must not lose precision on top of that.
func midAsRat(mid float64) *big.Rat {
	r := new(big.Rat)
	r.SetFloat64(mid)
	return r
}

// ConvertLeg computes the AT_COORDINATOR converted amount for one leg: the
// source decimal amount times the locked mid-rate, banker's-rounded to the
// destination currency's precision.
func (r *RateLock) ConvertLeg(sourceAmount string, sourceCurrency, destCurrency string) (string, error) {
	sourceUnits, ok := money.Parse(sourceCurrency, sourceAmount)
	if !ok {
		return "", money.ErrInvalidAmount
	}
	converted := money.ConvertAtMid(sourceUnits, sourceCurrency, midAsRat(r.Mid), destCurrency)
	return money.Format(destCurrency, converted), nil
}

// ValidateSourceConverted implements the AT_SOURCE validation rule: the
// sender-provided converted amount must fall within [mid*(1-tol),
// mid*(1+tol)] of the locked mid-rate.
func (r *RateLock) ValidateSourceConverted(sourceAmount, sourceCurrency, providedAmount, destCurrency string, tolerance float64) (bool, error) {
	sourceUnits, ok := money.Parse(sourceCurrency, sourceAmount)
	if !ok {
		return false, money.ErrInvalidAmount
	}
	providedUnits, ok := money.Parse(destCurrency, providedAmount)
	if !ok {
		return false, money.ErrInvalidAmount
	}

	sourceScale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(money.Decimals(sourceCurrency))), nil)
	destScale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(money.Decimals(destCurrency))), nil)

	sourceDecimal := new(big.Rat).SetFrac(sourceUnits, sourceScale)
	providedDecimal := new(big.Rat).SetFrac(providedUnits, destScale)

	// candidate is the provided conversion's implied rate (dest/source);
	// compare it against the locked mid directly rather than rescaling both
	// amounts, since tolerance is defined on the rate, not the amount.
	if sourceDecimal.Sign() == 0 {
		return false, money.ErrInvalidAmount
	}
	candidateRate := new(big.Rat).Quo(providedDecimal, sourceDecimal)

	return money.WithinTolerance(candidateRate, midAsRat(r.Mid), tolerance), nil
}
