// Package eligibility decides whether a student may redeem an offer right now.
//
// Evaluate is a pure function of its arguments: the offer snapshot, the
// student's history with that offer, and the evaluation instant. Identical
// inputs always produce the identical Decision, which is what makes retries
// and pre-filtering safe.
package eligibility

import (
	"time"

	"offer-redemption-engine/internal/models"
)

// Denial reasons, in evaluation order.
const (
	ReasonInactive        = "offer inactive"
	ReasonExpired         = "offer expired"
	ReasonFullyRedeemed   = "fully redeemed"
	ReasonAlreadyUsed     = "already used"
	ReasonPerStudentLimit = "per-student limit reached"
	ReasonCooldown        = "cooldown active"
	ReasonEligible        = "eligible"
)

// Decision is the outcome of an eligibility check.
type Decision struct {
	Allowed       bool
	Reason        string
	RemainingUses *int
	WaitTime      time.Duration
}

// Evaluate runs the rules in order; the first failing rule wins.
func Evaluate(offer models.Offer, history models.RedemptionHistory, now time.Time) Decision {
	if offer.Status != models.OfferActive {
		return deny(ReasonInactive)
	}

	if offer.ValidUntil != nil && now.After(*offer.ValidUntil) {
		return deny(ReasonExpired)
	}

	if offer.MaxTotalRedemptions != nil && offer.TotalRedemptions >= *offer.MaxTotalRedemptions {
		return deny(ReasonFullyRedeemed)
	}

	if offer.OneTimeOnly && history.Count >= 1 {
		return deny(ReasonAlreadyUsed)
	}

	var remaining *int
	if offer.MaxPerStudent != nil {
		left := *offer.MaxPerStudent - history.Count
		if left < 0 {
			left = 0
		}
		remaining = &left
		if history.Count >= *offer.MaxPerStudent {
			d := deny(ReasonPerStudentLimit)
			d.RemainingUses = remaining
			return d
		}
	}

	if offer.CooldownHours != nil && *offer.CooldownHours > 0 && history.LastRedeemedAt != nil {
		cooldown := time.Duration(*offer.CooldownHours) * time.Hour
		elapsed := now.Sub(*history.LastRedeemedAt)
		if elapsed < cooldown {
			d := deny(ReasonCooldown)
			d.RemainingUses = remaining
			d.WaitTime = cooldown - elapsed
			return d
		}
	}

	return Decision{Allowed: true, Reason: ReasonEligible, RemainingUses: remaining}
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}
