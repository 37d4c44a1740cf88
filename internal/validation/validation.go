package validation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"offer-redemption-engine/internal/models"
)

var (
	uuidRegex     = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	publicIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{2,63}$`)

	hundred   = decimal.NewFromInt(100)
	maxAmount = decimal.NewFromInt(1_000_000)
)

const (
	maxTitleLength = 200
	maxIDLength    = 64
	// MaxListLimit caps list endpoints.
	MaxListLimit = 500
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func ValidateOffer(offer models.Offer, now time.Time) error {
	if offer.ID != "" {
		if err := ValidateID(offer.ID, "id"); err != nil {
			return err
		}
	}
	if err := ValidateID(offer.MerchantID, "merchant_id"); err != nil {
		return err
	}

	if offer.Title == "" {
		return invalid("title", "is required")
	}
	if len(offer.Title) > maxTitleLength {
		return invalid("title", "cannot exceed %d characters", maxTitleLength)
	}

	switch offer.Type {
	case models.OfferPercentage, models.OfferFlat, models.OfferBOGO, models.OfferFreebie, models.OfferCustom:
	default:
		return invalid("type", "must be one of percentage, flat, bogo, freebie, custom")
	}

	switch offer.Status {
	case models.OfferActive, models.OfferPaused, models.OfferExpired:
	default:
		return invalid("status", "must be one of active, paused, expired")
	}

	if err := validateMoney(offer.DiscountValue, "discount_value"); err != nil {
		return err
	}
	if offer.Type == models.OfferPercentage && offer.DiscountValue.GreaterThan(hundred) {
		return invalid("discount_value", "percentage cannot exceed 100")
	}
	if err := validateMoney(offer.OriginalPrice, "original_price"); err != nil {
		return err
	}
	if offer.MinPurchase != nil {
		if err := validateMoney(*offer.MinPurchase, "min_purchase"); err != nil {
			return err
		}
	}
	if offer.MaxDiscount != nil {
		if err := validateMoney(*offer.MaxDiscount, "max_discount"); err != nil {
			return err
		}
	}

	if offer.ValidUntil != nil && offer.ValidUntil.Before(now.AddDate(-10, 0, 0)) {
		return invalid("valid_until", "cannot be more than 10 years in the past")
	}

	if offer.MaxPerStudent != nil && *offer.MaxPerStudent < 1 {
		return invalid("max_per_student", "must be at least 1")
	}
	if offer.CooldownHours != nil && *offer.CooldownHours < 0 {
		return invalid("cooldown_hours", "must be non-negative")
	}
	if offer.MaxTotalRedemptions != nil && *offer.MaxTotalRedemptions < 1 {
		return invalid("max_total_redemptions", "must be at least 1")
	}

	return nil
}

func ValidateStudent(student models.Student) error {
	if err := ValidateID(student.ID, "id"); err != nil {
		return err
	}
	if student.PublicID != "" && !publicIDRegex.MatchString(student.PublicID) {
		return invalid("public_id", "must be 3-64 letters, digits, '-' or '_'")
	}
	if student.Name == "" {
		return invalid("name", "is required")
	}
	switch student.Status {
	case models.StudentPending, models.StudentVerified, models.StudentSuspended:
	default:
		return invalid("status", "must be one of pending, verified, suspended")
	}
	if student.Status == models.StudentVerified && student.PublicID == "" {
		return invalid("public_id", "is required for verified students")
	}
	return nil
}

func ValidateMerchant(merchant models.Merchant) error {
	if err := ValidateID(merchant.ID, "id"); err != nil {
		return err
	}
	if merchant.Name == "" {
		return invalid("name", "is required")
	}
	switch merchant.Status {
	case models.MerchantPending, models.MerchantApproved, models.MerchantRejected, models.MerchantSuspended:
	default:
		return invalid("status", "must be one of pending, approved, rejected, suspended")
	}
	return nil
}

// ValidateCommit checks the shape of a commit request. Amount arithmetic is
// checked again by the ledger.
func ValidateCommit(req models.CommitRedemptionRequest) error {
	if req.ID != "" {
		if err := ValidateUUID(req.ID, "id"); err != nil {
			return err
		}
	}
	if err := ValidateID(req.StudentID, "student_id"); err != nil {
		return err
	}
	if err := ValidateID(req.MerchantID, "merchant_id"); err != nil {
		return err
	}
	if err := ValidateID(req.OfferID, "offer_id"); err != nil {
		return err
	}
	if err := validateMoney(req.OriginalAmount, "original_amount"); err != nil {
		return err
	}
	if !req.OriginalAmount.IsPositive() {
		return invalid("original_amount", "must be greater than 0")
	}
	if err := validateMoney(req.DiscountAmount, "discount_amount"); err != nil {
		return err
	}
	if err := validateMoney(req.FinalAmount, "final_amount"); err != nil {
		return err
	}
	if !req.PaymentMethod.Valid() {
		return invalid("payment_method", "must be cash or online")
	}
	return nil
}

// ValidateLimit parses an optional list limit.
func ValidateLimit(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, invalid("limit", "must be a positive integer")
	}
	if n > MaxListLimit {
		n = MaxListLimit
	}
	return n, nil
}

func validateMoney(d decimal.Decimal, field string) error {
	if d.IsNegative() {
		return invalid(field, "must be non-negative")
	}
	if d.GreaterThan(maxAmount) {
		return invalid(field, "exceeds maximum allowed amount")
	}
	if d.Exponent() < -2 && !d.Equal(d.Round(2)) {
		return invalid(field, "cannot have more than 2 decimal places")
	}
	return nil
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

// ValidateID accepts any opaque identifier of printable characters.
func ValidateID(id, fieldName string) error {
	id = SanitizeString(id)
	if id == "" {
		return invalid(fieldName, "is required")
	}
	if len(id) > maxIDLength {
		return invalid(fieldName, "cannot exceed %d characters", maxIDLength)
	}
	if strings.ContainsAny(id, " /?#") {
		return invalid(fieldName, "cannot contain spaces, '/', '?' or '#'")
	}
	return nil
}

func ValidateUUID(id, fieldName string) error {
	if id == "" {
		return invalid(fieldName, "is required")
	}

	id = SanitizeString(id)

	if !uuidRegex.MatchString(strings.ToLower(id)) {
		return invalid(fieldName, "must be a valid UUID v4")
	}

	return nil
}
