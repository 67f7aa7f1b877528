package money

import (
	"math/big"
	"testing"
)

func TestParseFormat_RoundTrip(t *testing.T) {
	units, ok := Parse("USD", "100.50")
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if got := Format("USD", units); got != "100.50" {
		t.Errorf("expected 100.50, got %s", got)
	}
}

func TestParse_JPYHasNoMinorUnit(t *testing.T) {
	units, ok := Parse("JPY", "1500")
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if units.Cmp(big.NewInt(1500)) != 0 {
		t.Errorf("expected 1500 smallest units for JPY, got %s", units.String())
	}
	if got := Format("JPY", units); got != "1500" {
		t.Errorf("expected 1500, got %s", got)
	}
}

func TestParse_RejectsNegative(t *testing.T) {
	if _, ok := Parse("USD", "-5.00"); ok {
		t.Error("expected negative amount to be rejected")
	}
}

func TestParse_RejectsMultipleDecimalPoints(t *testing.T) {
	if _, ok := Parse("USD", "1.2.3"); ok {
		t.Error("expected multiple decimal points to be rejected")
	}
}

func TestNewAmount_RejectsNegative(t *testing.T) {
	if _, err := NewAmount("USD", "-1.00"); err == nil {
		t.Error("expected error for negative amount")
	}
}

func TestAmount_AddSub(t *testing.T) {
	a, _ := NewAmount("USD", "100.00")
	b, _ := NewAmount("USD", "40.00")

	sum := a.Add(b)
	if Format("USD", sum.Units) != "140.00" {
		t.Errorf("expected 140.00, got %s", Format("USD", sum.Units))
	}

	diff := a.Sub(b)
	if Format("USD", diff.Units) != "60.00" {
		t.Errorf("expected 60.00, got %s", Format("USD", diff.Units))
	}
}

func TestAmount_AddPanicsOnCurrencyMismatch(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic on currency mismatch")
		}
	}()
	a, _ := NewAmount("USD", "10.00")
	b, _ := NewAmount("EUR", "10.00")
	a.Add(b)
}

func TestRoundBankers_HalfToEven(t *testing.T) {
	// 2.345 rounded to 2 decimals: half-way between 2.34 and 2.35, even wins -> 2.34
	v := big.NewRat(2345, 1000)
	got := RoundBankers(v, "USD")
	if got.Cmp(big.NewInt(234)) != 0 {
		t.Errorf("expected 234 (2.34), got %s", got.String())
	}

	// 2.355 -> half-way between 2.35 and 2.36, even wins -> 2.36
	v2 := big.NewRat(2355, 1000)
	got2 := RoundBankers(v2, "USD")
	if got2.Cmp(big.NewInt(236)) != 0 {
		t.Errorf("expected 236 (2.36), got %s", got2.String())
	}
}

func TestConvertAtMid(t *testing.T) {
	// 100 USD at mid 0.92 -> 92.00 EUR
	sourceUnits, _ := Parse("USD", "100.00")
	mid := big.NewRat(92, 100)
	converted := ConvertAtMid(sourceUnits, "USD", mid, "EUR")
	if Format("EUR", converted) != "92.00" {
		t.Errorf("expected 92.00, got %s", Format("EUR", converted))
	}
}

func TestWithinTolerance(t *testing.T) {
	mid := big.NewRat(92, 100)
	within := big.NewRat(9199, 10000) // 0.9199, within 0.5% of 0.92
	if !WithinTolerance(within, mid, 0.005) {
		t.Error("expected 0.9199 to be within tolerance of 0.92")
	}

	outside := big.NewRat(95, 100) // 0.95, far outside tolerance
	if WithinTolerance(outside, mid, 0.005) {
		t.Error("expected 0.95 to be outside tolerance of 0.92")
	}
}
