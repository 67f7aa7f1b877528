package money

import "math/big"

// RoundBankers converts a rational value into a currency's smallest-unit
// big.Int using round-half-to-even ("banker's rounding"), as required for
// FX-converted leg amounts.
func RoundBankers(value *big.Rat, currency string) *big.Int {
	decimals := Decimals(currency)
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	scaled := new(big.Rat).Mul(value, new(big.Rat).SetInt(scale))

	quo := new(big.Int)
	rem := new(big.Int)
	quo.QuoRem(scaled.Num(), scaled.Denom(), rem)

	if rem.Sign() == 0 {
		return quo
	}

	twiceRem := new(big.Int).Mul(rem, big.NewInt(2))
	twiceRemAbs := new(big.Int).Abs(twiceRem)
	denomAbs := new(big.Int).Abs(scaled.Denom())

	cmp := twiceRemAbs.Cmp(denomAbs)
	roundUp := cmp > 0
	if cmp == 0 {
		// Exactly half: round to even.
		roundUp = quo.Bit(0) == 1
	}

	if roundUp {
		if value.Sign() >= 0 {
			quo.Add(quo, big.NewInt(1))
		} else {
			quo.Sub(quo, big.NewInt(1))
		}
	}

	return quo
}

// ConvertAtMid computes source_amount * mid, rounded to the destination
// currency's precision using banker's rounding — the AT_COORDINATOR
// conversion rule.
func ConvertAtMid(sourceUnits *big.Int, sourceCurrency string, mid *big.Rat, destCurrency string) *big.Int {
	sourceScale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(Decimals(sourceCurrency))), nil)
	sourceDecimal := new(big.Rat).SetFrac(sourceUnits, sourceScale)
	converted := new(big.Rat).Mul(sourceDecimal, mid)
	return RoundBankers(converted, destCurrency)
}

// WithinTolerance reports whether candidate lies within [mid*(1-tol), mid*(1+tol)].
func WithinTolerance(candidate, mid *big.Rat, tolerance float64) bool {
	tol := new(big.Rat).SetFloat64(tolerance)
	if tol == nil {
		tol = big.NewRat(0, 1)
	}
	one := big.NewRat(1, 1)
	lower := new(big.Rat).Mul(mid, new(big.Rat).Sub(one, tol))
	upper := new(big.Rat).Mul(mid, new(big.Rat).Add(one, tol))
	return candidate.Cmp(lower) >= 0 && candidate.Cmp(upper) <= 0
}
