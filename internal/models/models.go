package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// StudentStatus is the verification state owned by the identity subsystem.
type StudentStatus string

const (
	StudentPending   StudentStatus = "pending"
	StudentVerified  StudentStatus = "verified"
	StudentSuspended StudentStatus = "suspended"
)

// MerchantStatus is the onboarding state of a merchant.
type MerchantStatus string

const (
	MerchantPending   MerchantStatus = "pending"
	MerchantApproved  MerchantStatus = "approved"
	MerchantRejected  MerchantStatus = "rejected"
	MerchantSuspended MerchantStatus = "suspended"
)

// OfferType selects how the discount is computed.
type OfferType string

const (
	OfferPercentage OfferType = "percentage"
	OfferFlat       OfferType = "flat"
	OfferBOGO       OfferType = "bogo"
	OfferFreebie    OfferType = "freebie"
	OfferCustom     OfferType = "custom"
)

// OfferStatus is the merchant-controlled lifecycle of an offer.
type OfferStatus string

const (
	OfferActive  OfferStatus = "active"
	OfferPaused  OfferStatus = "paused"
	OfferExpired OfferStatus = "expired"
)

// PaymentMethod records how the student settled the final amount.
type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "cash"
	PaymentOnline PaymentMethod = "online"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	return m == PaymentCash || m == PaymentOnline
}

// Student is a verified (or verifying) redeemer. TotalSavings and
// TotalRedemptions are derived from the ledger.
type Student struct {
	ID               string          `json:"id"`
	PublicID         string          `json:"public_id,omitempty"` // empty until a verification artifact exists
	Name             string          `json:"name"`
	PhotoURL         string          `json:"photo_url,omitempty"`
	Status           StudentStatus   `json:"status"`
	TotalSavings     decimal.Decimal `json:"total_savings"`
	TotalRedemptions int             `json:"total_redemptions"`
}

// HasVerificationPhoto reports whether an operator can match a face against the record.
func (s Student) HasVerificationPhoto() bool {
	return s.PhotoURL != ""
}

// Merchant is the redeeming business.
type Merchant struct {
	ID               string          `json:"id"`
	PublicID         string          `json:"public_id"`
	Name             string          `json:"name"`
	Status           MerchantStatus  `json:"status"`
	TotalRedemptions int             `json:"total_redemptions"`
	TotalRevenue     decimal.Decimal `json:"total_revenue"`
}

// Offer is a merchant-defined discount template with usage limits.
type Offer struct {
	ID                  string           `json:"id"`
	MerchantID          string           `json:"merchant_id"`
	Title               string           `json:"title"`
	Type                OfferType        `json:"type"`
	DiscountValue       decimal.Decimal  `json:"discount_value"`
	OriginalPrice       decimal.Decimal  `json:"original_price"`
	MinPurchase         *decimal.Decimal `json:"min_purchase,omitempty"`
	MaxDiscount         *decimal.Decimal `json:"max_discount,omitempty"`
	ValidUntil          *time.Time       `json:"valid_until,omitempty"`
	Status              OfferStatus      `json:"status"`
	TotalRedemptions    int              `json:"total_redemptions"`
	MaxPerStudent       *int             `json:"max_per_student,omitempty"`
	CooldownHours       *int             `json:"cooldown_hours,omitempty"`
	OneTimeOnly         bool             `json:"one_time_only"`
	MaxTotalRedemptions *int             `json:"max_total_redemptions,omitempty"`
}

// OfferListing is an offer as shown on a merchant's list, with the saving a
// student would see before any bill exists.
type OfferListing struct {
	Offer
	Savings decimal.Decimal `json:"savings"`
}

// PerStudentLimit is the decisive per-student cap enforced at insert time,
// or 0 when the offer has none.
func (o Offer) PerStudentLimit() int {
	limit := 0
	if o.MaxPerStudent != nil && *o.MaxPerStudent > 0 {
		limit = *o.MaxPerStudent
	}
	if o.OneTimeOnly && (limit == 0 || limit > 1) {
		limit = 1
	}
	return limit
}

// Transaction is one ledger row. It is never mutated after insert.
type Transaction struct {
	ID             string          `json:"id"`
	StudentID      string          `json:"student_id"`
	MerchantID     string          `json:"merchant_id"`
	OfferID        string          `json:"offer_id"`
	OriginalAmount decimal.Decimal `json:"original_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	FinalAmount    decimal.Decimal `json:"final_amount"`
	PaymentMethod  PaymentMethod   `json:"payment_method"`
	RedeemedAt     time.Time       `json:"redeemed_at"`
}

// RedemptionHistory summarizes a student's prior use of one offer.
type RedemptionHistory struct {
	Count          int        `json:"count"`
	LastRedeemedAt *time.Time `json:"last_redeemed_at,omitempty"`
}

// EligibilityResponse is the payload of the eligibility query.
type EligibilityResponse struct {
	StudentID     string `json:"student_id"`
	OfferID       string `json:"offer_id"`
	Allowed       bool   `json:"allowed"`
	Reason        string `json:"reason"`
	RemainingUses *int   `json:"remaining_uses,omitempty"`
	WaitSeconds   int64  `json:"wait_seconds,omitempty"`
}

// QuoteRequest carries a bill amount as typed by the operator.
type QuoteRequest struct {
	BillAmount string `json:"bill_amount"`
}

// QuoteResponse is the computed discount for a bill.
type QuoteResponse struct {
	OfferID        string          `json:"offer_id"`
	BillAmount     decimal.Decimal `json:"bill_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	FinalAmount    decimal.Decimal `json:"final_amount"`
}

// CommitRedemptionRequest is the body of POST /redemptions.
type CommitRedemptionRequest struct {
	ID             string          `json:"id,omitempty"` // optional idempotency key
	StudentID      string          `json:"student_id"`
	MerchantID     string          `json:"merchant_id"`
	OfferID        string          `json:"offer_id"`
	OriginalAmount decimal.Decimal `json:"original_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	FinalAmount    decimal.Decimal `json:"final_amount"`
	PaymentMethod  PaymentMethod   `json:"payment_method"`
}

// OpenSessionRequest starts a scanning session for a merchant.
type OpenSessionRequest struct {
	MerchantID string `json:"merchant_id"`
}

// SessionActionRequest is the union of inputs accepted by session actions.
type SessionActionRequest struct {
	Code          string        `json:"code,omitempty"`
	OfferID       string        `json:"offer_id,omitempty"`
	BillAmount    string        `json:"bill_amount,omitempty"`
	PaymentMethod PaymentMethod `json:"payment_method,omitempty"`
}

// SavingsUpdate is pushed on the change feed after a commit.
type SavingsUpdate struct {
	StudentID        string          `json:"student_id"`
	TransactionID    string          `json:"transaction_id"`
	TotalSavings     decimal.Decimal `json:"total_savings"`
	TotalRedemptions int             `json:"total_redemptions"`
	RedeemedAt       time.Time       `json:"redeemed_at"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
