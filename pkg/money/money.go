package money

import (
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/dispensary-engine/pkg/enums"
)

const basisPointsScale = 10000

// FromMinor converts an integer amount in minor units to a decimal in major units.
func FromMinor(amount int, currency enums.Currency) decimal.Decimal {
	return decimal.NewFromInt(int64(amount)).Shift(-currency.MinorUnits())
}

// ToMinor rounds a major-unit decimal half away from zero into minor units.
func ToMinor(amount decimal.Decimal, currency enums.Currency) int {
	places := currency.MinorUnits()
	return int(amount.Round(places).Shift(places).IntPart())
}

// ApplyBasisPoints returns amount * bps / 10000 rounded to whole minor units.
func ApplyBasisPoints(amount int, bps int64) int {
	if amount == 0 || bps == 0 {
		return 0
	}
	scaled := decimal.NewFromInt(int64(amount)).
		Mul(decimal.NewFromInt(bps)).
		Div(decimal.NewFromInt(basisPointsScale))
	return int(scaled.Round(0).IntPart())
}

// Fee computes a percentage fee plus a fixed component, never exceeding the gross amount.
func Fee(gross int, bps, fixed int64) int {
	if gross <= 0 {
		return 0
	}
	fee := ApplyBasisPoints(gross, bps) + int(fixed)
	if fee > gross {
		return gross
	}
	if fee < 0 {
		return 0
	}
	return fee
}

// Total computes subtotal + tax + shipping - discount.
func Total(subtotal, tax, shipping, discount int) int {
	return subtotal + tax + shipping - discount
}

// Format renders minor units as a fixed-point string, e.g. 1999 -> "19.99".
func Format(amount int, currency enums.Currency) string {
	return FromMinor(amount, currency).StringFixed(currency.MinorUnits())
}

// Prorate returns the share of amount that part/whole represents, rounded half away from zero.
func Prorate(amount, part, whole int) int {
	if whole <= 0 || part <= 0 {
		return 0
	}
	if part >= whole {
		return amount
	}
	share := decimal.NewFromInt(int64(amount)).
		Mul(decimal.NewFromInt(int64(part))).
		Div(decimal.NewFromInt(int64(whole)))
	return int(share.Round(0).IntPart())
}
