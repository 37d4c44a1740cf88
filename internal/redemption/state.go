// Package redemption drives one operator through a redemption: scan a
// student, confirm their identity, pick an offer, enter the bill, choose how
// it was paid and commit it to the ledger.
//
// Each step is a distinct state type carrying only the data collected so
// far. Moves between states are checked against a fixed transition table, so
// a session can never reach, say, confirmation without a bill.
package redemption

import (
	"offer-redemption-engine/internal/discount"
	"offer-redemption-engine/internal/eligibility"
	"offer-redemption-engine/internal/models"
)

// Phase names a state.
type Phase string

const (
	PhaseScanning             Phase = "scanning"
	PhaseStudentFound         Phase = "student_found"
	PhaseOfferSelected        Phase = "offer_selected"
	PhaseBillEntered          Phase = "bill_entered"
	PhasePaymentMethodChosen  Phase = "payment_method_chosen"
	PhaseAwaitingConfirmation Phase = "awaiting_confirmation"
	PhaseSuccess              Phase = "success"
)

// State is implemented by every state type.
type State interface {
	Phase() Phase
}

type Scanning struct{}

type StudentFound struct {
	Student models.Student
	// IdentityConfirmed is set once the operator has matched the student
	// against the verification photo.
	IdentityConfirmed bool
}

type OfferSelected struct {
	Student  models.Student
	Offer    models.Offer
	Decision eligibility.Decision
}

type BillEntered struct {
	Student  models.Student
	Offer    models.Offer
	Decision eligibility.Decision
	Quote    discount.Quote
}

// PaymentMethodChosen carries the TransactionID of an earlier review, if
// any, so stepping back from confirmation never orphans a commit that may
// have landed.
type PaymentMethodChosen struct {
	Student       models.Student
	Offer         models.Offer
	Quote         discount.Quote
	Method        models.PaymentMethod
	TransactionID string
}

// AwaitingConfirmation holds everything needed to commit. TransactionID is
// minted on the first review and reused by every commit attempt, which
// makes retries safe against the ledger.
type AwaitingConfirmation struct {
	Student       models.Student
	Offer         models.Offer
	Quote         discount.Quote
	Method        models.PaymentMethod
	TransactionID string
	Attempts      int
}

type Success struct {
	Student     models.Student
	Offer       models.Offer
	Transaction models.Transaction
}

func (Scanning) Phase() Phase             { return PhaseScanning }
func (StudentFound) Phase() Phase         { return PhaseStudentFound }
func (OfferSelected) Phase() Phase        { return PhaseOfferSelected }
func (BillEntered) Phase() Phase          { return PhaseBillEntered }
func (PaymentMethodChosen) Phase() Phase  { return PhasePaymentMethodChosen }
func (AwaitingConfirmation) Phase() Phase { return PhaseAwaitingConfirmation }
func (Success) Phase() Phase              { return PhaseSuccess }

// transitions lists every legal edge. Self edges cover in-place updates
// such as re-entering the bill or confirming identity.
var transitions = map[Phase][]Phase{
	PhaseScanning:             {PhaseStudentFound},
	PhaseStudentFound:         {PhaseStudentFound, PhaseOfferSelected, PhaseScanning},
	PhaseOfferSelected:        {PhaseOfferSelected, PhaseBillEntered, PhaseScanning},
	PhaseBillEntered:          {PhaseBillEntered, PhasePaymentMethodChosen, PhaseScanning},
	PhasePaymentMethodChosen:  {PhasePaymentMethodChosen, PhaseAwaitingConfirmation, PhaseScanning},
	PhaseAwaitingConfirmation: {PhaseAwaitingConfirmation, PhaseSuccess, PhasePaymentMethodChosen},
	PhaseSuccess:              {PhaseScanning},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// cancellable phases may be abandoned without side effects.
func cancellable(p Phase) bool {
	switch p {
	case PhaseStudentFound, PhaseOfferSelected, PhaseBillEntered, PhasePaymentMethodChosen:
		return true
	}
	return false
}
