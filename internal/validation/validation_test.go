package validation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"offer-redemption-engine/internal/models"
)

func intPtr(i int) *int { return &i }

func validOffer() models.Offer {
	return models.Offer{
		MerchantID:    "m1",
		Title:         "20% off coffee",
		Type:          models.OfferPercentage,
		DiscountValue: decimal.NewFromInt(20),
		OriginalPrice: decimal.NewFromInt(300),
		Status:        models.OfferActive,
	}
}

func TestValidateOffer(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	negative := decimal.NewFromInt(-1)

	tests := []struct {
		name    string
		mutate  func(*models.Offer)
		wantErr bool
	}{
		{"valid", func(*models.Offer) {}, false},
		{"missing merchant", func(o *models.Offer) { o.MerchantID = "" }, true},
		{"missing title", func(o *models.Offer) { o.Title = "" }, true},
		{"unknown type", func(o *models.Offer) { o.Type = "cashback" }, true},
		{"unknown status", func(o *models.Offer) { o.Status = "" }, true},
		{"percentage over 100", func(o *models.Offer) { o.DiscountValue = decimal.NewFromInt(101) }, true},
		{"flat over 100 is fine", func(o *models.Offer) {
			o.Type = models.OfferFlat
			o.DiscountValue = decimal.NewFromInt(150)
		}, false},
		{"negative max discount", func(o *models.Offer) { o.MaxDiscount = &negative }, true},
		{"sub-cent price", func(o *models.Offer) { o.OriginalPrice = decimal.RequireFromString("1.005") }, true},
		{"zero per-student limit", func(o *models.Offer) { o.MaxPerStudent = intPtr(0) }, true},
		{"negative cooldown", func(o *models.Offer) { o.CooldownHours = intPtr(-1) }, true},
		{"zero total limit", func(o *models.Offer) { o.MaxTotalRedemptions = intPtr(0) }, true},
		{"id with slash", func(o *models.Offer) { o.ID = "a/b" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := validOffer()
			tt.mutate(&o)
			err := ValidateOffer(o, now)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateOffer() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateStudent(t *testing.T) {
	tests := []struct {
		name    string
		student models.Student
		wantErr bool
	}{
		{"verified", models.Student{ID: "s1", PublicID: "STU-1", Name: "Asha", Status: models.StudentVerified}, false},
		{"pending without public id", models.Student{ID: "s1", Name: "Asha", Status: models.StudentPending}, false},
		{"verified without public id", models.Student{ID: "s1", Name: "Asha", Status: models.StudentVerified}, true},
		{"bad public id", models.Student{ID: "s1", PublicID: "a b", Name: "Asha", Status: models.StudentPending}, true},
		{"unknown status", models.Student{ID: "s1", Name: "Asha", Status: "active"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateStudent(tt.student); (err != nil) != tt.wantErr {
				t.Errorf("ValidateStudent() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateCommit(t *testing.T) {
	valid := models.CommitRedemptionRequest{
		StudentID:      "s1",
		MerchantID:     "m1",
		OfferID:        "o1",
		OriginalAmount: decimal.NewFromInt(200),
		DiscountAmount: decimal.NewFromInt(50),
		FinalAmount:    decimal.NewFromInt(150),
		PaymentMethod:  models.PaymentOnline,
	}
	if err := ValidateCommit(valid); err != nil {
		t.Fatalf("Expected valid request, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*models.CommitRedemptionRequest)
	}{
		{"non-uuid id", func(r *models.CommitRedemptionRequest) { r.ID = "retry-1" }},
		{"missing offer", func(r *models.CommitRedemptionRequest) { r.OfferID = "  " }},
		{"zero bill", func(r *models.CommitRedemptionRequest) { r.OriginalAmount = decimal.Zero }},
		{"negative discount", func(r *models.CommitRedemptionRequest) { r.DiscountAmount = decimal.NewFromInt(-5) }},
		{"unknown method", func(r *models.CommitRedemptionRequest) { r.PaymentMethod = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			err := ValidateCommit(req)
			if _, ok := err.(*ValidationError); !ok {
				t.Errorf("Expected *ValidationError, got %v", err)
			}
		})
	}
}

func TestValidateLimit(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{"", 50, false},
		{"10", 10, false},
		{"100000", MaxListLimit, false},
		{"0", 0, true},
		{"12abc", 0, true},
	}
	for _, tt := range tests {
		got, err := ValidateLimit(tt.raw, 50)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ValidateLimit(%q) = %d, %v; want %d, wantErr %v", tt.raw, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  o1\x00\x07 "); got != "o1" {
		t.Errorf("SanitizeString() = %q, want %q", got, "o1")
	}
}
