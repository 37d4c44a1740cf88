package eligibility

import (
	"reflect"
	"testing"
	"time"

	"offer-redemption-engine/internal/models"
)

var t0 = time.Date(2025, 10, 21, 10, 0, 0, 0, time.UTC)

func intPtr(i int) *int { return &i }

func timePtr(t time.Time) *time.Time { return &t }

func activeOffer() models.Offer {
	return models.Offer{ID: "offer-1", MerchantID: "merchant-1", Type: models.OfferFlat, Status: models.OfferActive}
}

func TestEvaluate_RulesInOrder(t *testing.T) {
	tests := []struct {
		name    string
		offer   func() models.Offer
		history models.RedemptionHistory
		reason  string
	}{
		{
			name:   "paused offer",
			offer:  func() models.Offer { o := activeOffer(); o.Status = models.OfferPaused; return o },
			reason: ReasonInactive,
		},
		{
			name:   "expired status",
			offer:  func() models.Offer { o := activeOffer(); o.Status = models.OfferExpired; return o },
			reason: ReasonInactive,
		},
		{
			name:   "past valid until",
			offer:  func() models.Offer { o := activeOffer(); o.ValidUntil = timePtr(t0.Add(-time.Minute)); return o },
			reason: ReasonExpired,
		},
		{
			name: "fully redeemed",
			offer: func() models.Offer {
				o := activeOffer()
				o.MaxTotalRedemptions = intPtr(10)
				o.TotalRedemptions = 10
				return o
			},
			reason: ReasonFullyRedeemed,
		},
		{
			name:    "one time only used",
			offer:   func() models.Offer { o := activeOffer(); o.OneTimeOnly = true; return o },
			history: models.RedemptionHistory{Count: 1, LastRedeemedAt: timePtr(t0.Add(-48 * time.Hour))},
			reason:  ReasonAlreadyUsed,
		},
		{
			name:    "per student cap",
			offer:   func() models.Offer { o := activeOffer(); o.MaxPerStudent = intPtr(2); return o },
			history: models.RedemptionHistory{Count: 2, LastRedeemedAt: timePtr(t0.Add(-48 * time.Hour))},
			reason:  ReasonPerStudentLimit,
		},
		{
			name:    "cooldown",
			offer:   func() models.Offer { o := activeOffer(); o.CooldownHours = intPtr(24); return o },
			history: models.RedemptionHistory{Count: 1, LastRedeemedAt: timePtr(t0.Add(-time.Hour))},
			reason:  ReasonCooldown,
		},
		{
			name: "inactive beats every other rule",
			offer: func() models.Offer {
				o := activeOffer()
				o.Status = models.OfferPaused
				o.OneTimeOnly = true
				o.ValidUntil = timePtr(t0.Add(-time.Hour))
				return o
			},
			history: models.RedemptionHistory{Count: 3},
			reason:  ReasonInactive,
		},
		{
			name: "already used beats per student limit",
			offer: func() models.Offer {
				o := activeOffer()
				o.OneTimeOnly = true
				o.MaxPerStudent = intPtr(1)
				return o
			},
			history: models.RedemptionHistory{Count: 1},
			reason:  ReasonAlreadyUsed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(tt.offer(), tt.history, t0)
			if d.Allowed {
				t.Fatalf("Expected deny, got allow")
			}
			if d.Reason != tt.reason {
				t.Errorf("Expected reason %q, got %q", tt.reason, d.Reason)
			}
		})
	}
}

func TestEvaluate_AllowsFreshStudent(t *testing.T) {
	offer := activeOffer()
	offer.ValidUntil = timePtr(t0.Add(time.Hour))

	d := Evaluate(offer, models.RedemptionHistory{}, t0)

	if !d.Allowed {
		t.Fatalf("Expected allow, got deny %q", d.Reason)
	}
	if d.Reason != ReasonEligible {
		t.Errorf("Expected reason %q, got %q", ReasonEligible, d.Reason)
	}
	if d.RemainingUses != nil {
		t.Errorf("Expected no remaining uses without a per-student cap")
	}
}

func TestEvaluate_OneTimeOnlyAlwaysDeniesAfterUse(t *testing.T) {
	offer := activeOffer()
	offer.OneTimeOnly = true

	for count := 1; count <= 5; count++ {
		for _, ago := range []time.Duration{time.Minute, 24 * time.Hour, 365 * 24 * time.Hour} {
			h := models.RedemptionHistory{Count: count, LastRedeemedAt: timePtr(t0.Add(-ago))}
			d := Evaluate(offer, h, t0)
			if d.Allowed || d.Reason != ReasonAlreadyUsed {
				t.Errorf("count=%d ago=%s: expected deny(%q), got %+v", count, ago, ReasonAlreadyUsed, d)
			}
		}
	}
}

func TestEvaluate_MaxPerStudentNthAllowedNextDenied(t *testing.T) {
	const n = 3
	offer := activeOffer()
	offer.MaxPerStudent = intPtr(n)

	for prior := 0; prior < n; prior++ {
		d := Evaluate(offer, models.RedemptionHistory{Count: prior}, t0)
		if !d.Allowed {
			t.Fatalf("Redemption %d: expected allow, got %q", prior+1, d.Reason)
		}
		if *d.RemainingUses != n-prior {
			t.Errorf("Redemption %d: expected %d remaining uses, got %d", prior+1, n-prior, *d.RemainingUses)
		}
	}

	d := Evaluate(offer, models.RedemptionHistory{Count: n}, t0)
	if d.Allowed || d.Reason != ReasonPerStudentLimit {
		t.Fatalf("Redemption %d: expected deny(%q), got %+v", n+1, ReasonPerStudentLimit, d)
	}
	if *d.RemainingUses != 0 {
		t.Errorf("Expected 0 remaining uses, got %d", *d.RemainingUses)
	}
}

func TestEvaluate_ScenarioA_SecondAttemptDenied(t *testing.T) {
	offer := activeOffer()
	offer.MaxPerStudent = intPtr(1)

	first := Evaluate(offer, models.RedemptionHistory{}, t0)
	if !first.Allowed {
		t.Fatalf("Expected first attempt allowed, got %q", first.Reason)
	}

	second := Evaluate(offer, models.RedemptionHistory{Count: 1, LastRedeemedAt: timePtr(t0)}, t0.Add(time.Minute))
	if second.Allowed || second.Reason != ReasonPerStudentLimit {
		t.Errorf("Expected deny(%q), got %+v", ReasonPerStudentLimit, second)
	}
}

func TestEvaluate_ScenarioC_Cooldown(t *testing.T) {
	offer := activeOffer()
	offer.CooldownHours = intPtr(24)

	if d := Evaluate(offer, models.RedemptionHistory{}, t0); !d.Allowed {
		t.Fatalf("Expected allow at T0, got %q", d.Reason)
	}

	history := models.RedemptionHistory{Count: 1, LastRedeemedAt: timePtr(t0)}

	d := Evaluate(offer, history, t0.Add(time.Hour))
	if d.Allowed || d.Reason != ReasonCooldown {
		t.Fatalf("Expected deny(%q) at T0+1h, got %+v", ReasonCooldown, d)
	}
	if d.WaitTime != 23*time.Hour {
		t.Errorf("Expected 23h wait, got %s", d.WaitTime)
	}

	if d := Evaluate(offer, history, t0.Add(25*time.Hour)); !d.Allowed {
		t.Errorf("Expected allow at T0+25h, got %q", d.Reason)
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	offer := activeOffer()
	offer.MaxPerStudent = intPtr(2)
	offer.CooldownHours = intPtr(6)
	history := models.RedemptionHistory{Count: 1, LastRedeemedAt: timePtr(t0.Add(-2 * time.Hour))}

	first := Evaluate(offer, history, t0)
	for i := 0; i < 10; i++ {
		if got := Evaluate(offer, history, t0); !reflect.DeepEqual(got, first) {
			t.Fatalf("Expected identical decisions, got %+v and %+v", first, got)
		}
	}
}
