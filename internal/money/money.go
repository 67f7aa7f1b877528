// Package money provides fixed-point decimal arithmetic for settlement
// amounts, generalizing the single-currency 6-decimal USDC convention used
// elsewhere in this codebase to per-ISO-4217-currency precision, capped at
// 8 fractional digits.
package money

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// MaxDecimals is the fixed-point precision ceiling for any currency.
const MaxDecimals = 8

// ErrInvalidAmount is returned by callers that parse a decimal string via
// Parse and need a sentinel rather than a bare false.
var ErrInvalidAmount = errors.New("money: invalid amount")

// minorUnits holds ISO 4217 minor-unit exponents for currencies that deviate
// from the default of 2 (e.g. JPY has no minor unit, BHD has 3). Currencies
// not listed default to 2.
var minorUnits = map[string]int{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"CLP": 0,
	"BHD": 3,
	"KWD": 3,
	"OMR": 3,
	"JOD": 3,
	"BTC": 8,
	"ETH": 8,
}

// Decimals returns the number of fractional digits used for currency.
// Unknown currencies default to the common ISO 4217 case of 2.
func Decimals(currency string) int {
	if d, ok := minorUnits[strings.ToUpper(currency)]; ok {
		return d
	}
	return 2
}

// Parse converts a decimal string (e.g. "1.50") into its smallest-unit
// big.Int representation for the given currency. Returns (nil, false) on
// invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected — protocol fields are strictly positive
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to the currency's precision
func Parse(currency, s string) (*big.Int, bool) {
	decimals := Decimals(currency)
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < decimals {
		frac += "0"
	}
	frac = frac[:decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int back to a human-readable decimal
// string at the given currency's precision (e.g. "1.50").
func Format(currency string, amount *big.Int) string {
	decimals := Decimals(currency)
	if amount == nil {
		if decimals == 0 {
			return "0"
		}
		return "0." + strings.Repeat("0", decimals)
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < decimals+1 {
		s = "0" + s
	}
	var result string
	if decimals == 0 {
		result = s
	} else {
		point := len(s) - decimals
		result = s[:point] + "." + s[point:]
	}
	if neg {
		result = "-" + result
	}
	return result
}

// Amount is a currency-tagged smallest-unit value, used throughout the
// settlement pipeline so arithmetic never mixes currencies by accident.
type Amount struct {
	Currency string
	Units    *big.Int // smallest-unit value
}

// NewAmount parses a decimal string into an Amount, rejecting anything that
// would violate the protocol's strictly-positive-amount invariant.
func NewAmount(currency, decimal string) (Amount, error) {
	units, ok := Parse(currency, decimal)
	if !ok {
		return Amount{}, fmt.Errorf("money: invalid amount %q for %s", decimal, currency)
	}
	if units.Sign() <= 0 {
		return Amount{}, fmt.Errorf("money: amount must be positive, got %q", decimal)
	}
	return Amount{Currency: currency, Units: units}, nil
}

// String renders the amount as "123.45 USD".
func (a Amount) String() string {
	return Format(a.Currency, a.Units) + " " + a.Currency
}

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool {
	return a.Units == nil || a.Units.Sign() == 0
}

// Add returns a + b. Panics if the currencies differ — callers are expected
// to have already validated currency agreement before combining amounts.
func (a Amount) Add(b Amount) Amount {
	if a.Currency != b.Currency {
		panic(fmt.Sprintf("money: currency mismatch %s vs %s", a.Currency, b.Currency))
	}
	return Amount{Currency: a.Currency, Units: new(big.Int).Add(a.Units, b.Units)}
}

// Sub returns a - b. Panics on currency mismatch, see Add.
func (a Amount) Sub(b Amount) Amount {
	if a.Currency != b.Currency {
		panic(fmt.Sprintf("money: currency mismatch %s vs %s", a.Currency, b.Currency))
	}
	return Amount{Currency: a.Currency, Units: new(big.Int).Sub(a.Units, b.Units)}
}

// Cmp compares a and b, which must share a currency.
func (a Amount) Cmp(b Amount) int {
	if a.Currency != b.Currency {
		panic(fmt.Sprintf("money: currency mismatch %s vs %s", a.Currency, b.Currency))
	}
	return a.Units.Cmp(b.Units)
}
