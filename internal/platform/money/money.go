// Package money holds the currency arithmetic helpers shared by billing
// and settlement. All monetary values are shopspring decimals rounded to
// two places; gateway APIs take amounts in paise (minor units).
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Zero is the canonical zero amount.
var Zero = decimal.Zero

var hundred = decimal.NewFromInt(100)

// Round2 rounds an amount to two decimal places, half up.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Parse converts a decimal string into an amount. Negative values are
// rejected; monetary inputs in this system are never signed.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("invalid amount %q: must not be negative", s)
	}
	return Round2(d), nil
}

// MustParse is Parse for test fixtures and constants. It panics on bad input.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Line computes quantity times unit price, rounded.
func Line(quantity int, unitPrice decimal.Decimal) decimal.Decimal {
	return Round2(unitPrice.Mul(decimal.NewFromInt(int64(quantity))))
}

// Percent computes pct percent of base, rounded.
func Percent(base, pct decimal.Decimal) decimal.Decimal {
	return Round2(base.Mul(pct).Div(hundred))
}

// ToPaise converts an amount in rupees to integer paise, the unit the
// payment gateway expects. The amount is rounded to two places first so
// the conversion is exact.
func ToPaise(d decimal.Decimal) int64 {
	return Round2(d).Mul(hundred).IntPart()
}

// FromPaise converts integer paise back to a rupee amount.
func FromPaise(p int64) decimal.Decimal {
	return decimal.NewFromInt(p).Div(hundred)
}
