// Package discount computes the student-facing amounts for a bill.
package discount

import (
	"strings"

	"github.com/shopspring/decimal"
	"offer-redemption-engine/internal/models"
)

var hundred = decimal.NewFromInt(100)

// Quote is the result of applying an offer to a bill.
type Quote struct {
	Bill     decimal.Decimal `json:"bill_amount"`
	Discount decimal.Decimal `json:"discount_amount"`
	Final    decimal.Decimal `json:"final_amount"`
}

// ParseAmount reads an operator-entered amount. Anything that is not a
// finite non-negative number becomes zero.
func ParseAmount(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// FixedAmount is the bill-independent discount of bogo, freebie and custom
// offers: the free item's price for bogo and freebie, the configured value
// for custom.
func FixedAmount(offer models.Offer) decimal.Decimal {
	switch offer.Type {
	case models.OfferBOGO, models.OfferFreebie:
		if offer.OriginalPrice.IsPositive() {
			return offer.OriginalPrice
		}
		return nonNegative(offer.DiscountValue)
	default:
		return nonNegative(offer.DiscountValue)
	}
}

// Calculate applies offer to bill. The result always satisfies
// 0 <= Discount <= Bill and Final = Bill - Discount.
func Calculate(offer models.Offer, bill decimal.Decimal) Quote {
	bill = nonNegative(bill)

	var d decimal.Decimal
	switch offer.Type {
	case models.OfferPercentage:
		d = bill.Mul(nonNegative(offer.DiscountValue)).Div(hundred).Round(0)
		if offer.MaxDiscount != nil && d.GreaterThan(nonNegative(*offer.MaxDiscount)) {
			d = nonNegative(*offer.MaxDiscount)
		}
	case models.OfferFlat:
		d = nonNegative(offer.DiscountValue)
	case models.OfferBOGO, models.OfferFreebie, models.OfferCustom:
		d = FixedAmount(offer)
	default:
		d = decimal.Zero
	}

	d = decimal.Min(nonNegative(d), bill)
	return Quote{
		Bill:     bill,
		Discount: d,
		Final:    nonNegative(bill.Sub(d)),
	}
}

// Savings is the headline saving shown on offer lists, before a bill exists.
func Savings(offer models.Offer) decimal.Decimal {
	if offer.Type == models.OfferPercentage {
		return Calculate(offer, offer.OriginalPrice).Discount
	}
	return decimal.Min(FixedOrFlat(offer), nonNegative(offer.OriginalPrice))
}

// FixedOrFlat returns the bill-independent discount for non-percentage offers.
func FixedOrFlat(offer models.Offer) decimal.Decimal {
	if offer.Type == models.OfferFlat {
		return nonNegative(offer.DiscountValue)
	}
	return FixedAmount(offer)
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
