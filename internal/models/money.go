package models

import "github.com/shopspring/decimal"

// Stores keep money as integer minor units so aggregate sums stay exact.

// ToCents converts an amount to minor units, rounding half away from zero.
func ToCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

// FromCents converts minor units back to an amount.
func FromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

// OptionalCents converts an optional amount for storage.
func OptionalCents(d *decimal.Decimal) *int64 {
	if d == nil {
		return nil
	}
	c := ToCents(*d)
	return &c
}

// OptionalFromCents converts an optional stored amount back.
func OptionalFromCents(c *int64) *decimal.Decimal {
	if c == nil {
		return nil
	}
	d := FromCents(*c)
	return &d
}
