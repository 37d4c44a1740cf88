package redemption

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"offer-redemption-engine/internal/apperr"
	"offer-redemption-engine/internal/database"
	"offer-redemption-engine/internal/discount"
	"offer-redemption-engine/internal/eligibility"
	"offer-redemption-engine/internal/identity"
	"offer-redemption-engine/internal/ledger"
	"offer-redemption-engine/internal/metrics"
	"offer-redemption-engine/internal/models"
	"offer-redemption-engine/internal/ratelimit"
)

// OfferStore reads offers and a student's prior use of them.
type OfferStore interface {
	GetOffer(ctx context.Context, id string) (models.Offer, error)
	GetRedemptionHistory(ctx context.Context, studentID, offerID string) (models.RedemptionHistory, error)
}

// Recorder commits a redemption to the ledger.
type Recorder interface {
	Record(ctx context.Context, req ledger.Request) (models.Transaction, error)
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Identity identity.Store
	Offers   OfferStore
	Recorder Recorder
	Limiter  ratelimit.Limiter
	Commit   CommitPolicy
	Logger   zerolog.Logger
	Now      func() time.Time
	// OnCommit, when set, runs after a redemption reaches Success.
	OnCommit func(ctx context.Context, txn models.Transaction)
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Session is one scanning station's flow. Its methods serialize on a mutex,
// so exactly one redemption is ever in flight per session.
type Session struct {
	id         string
	merchantID string
	deps       Deps

	mu      sync.Mutex
	state   State
	lastErr *apperr.Error

	lastActive atomic.Int64
}

// NewSession starts a session in Scanning.
func NewSession(id, merchantID string, deps Deps) *Session {
	s := &Session{id: id, merchantID: merchantID, deps: deps, state: Scanning{}}
	s.touch()
	return s
}

func (s *Session) ID() string         { return s.id }
func (s *Session) MerchantID() string { return s.merchantID }

func (s *Session) touch() {
	s.lastActive.Store(s.deps.now().UnixNano())
}

// LastActive is when an operation last ran on the session.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// move applies a checked transition and clears the last error.
func (s *Session) move(next State) error {
	from := s.state.Phase()
	if !CanTransition(from, next.Phase()) {
		return s.fail(apperr.New(apperr.InvalidTransition, "cannot move from %s to %s", from, next.Phase()))
	}
	s.state = next
	s.lastErr = nil
	return nil
}

// fail records err as the session's visible error and returns it. The
// state is left untouched.
func (s *Session) fail(err error) error {
	e := apperr.From(err)
	s.lastErr = e
	return e
}

func (s *Session) invalid(op string) error {
	return s.fail(apperr.New(apperr.InvalidTransition, "%s is not allowed while %s", op, s.state.Phase()))
}

// begin locks the session for one operation.
func (s *Session) begin() func() {
	s.mu.Lock()
	s.touch()
	return func() {
		s.touch()
		s.mu.Unlock()
	}
}

// idleSince reports whether the session has been untouched since cutoff.
// A session whose lock is held is busy, not idle.
func (s *Session) idleSince(cutoff time.Time) bool {
	if !s.mu.TryLock() {
		return false
	}
	defer s.mu.Unlock()
	return s.LastActive().Before(cutoff)
}

// Scan resolves a scanned code. Unresolved or unverified codes leave the
// session in Scanning with an identity_not_found error.
func (s *Session) Scan(ctx context.Context, code string) error {
	defer s.begin()()

	if _, ok := s.state.(Scanning); !ok {
		return s.invalid("scan")
	}

	if s.deps.Limiter != nil {
		res, err := s.deps.Limiter.Allow(ctx, ratelimit.ActionStudentLookup, s.merchantID)
		if err != nil {
			s.deps.Logger.Warn().Err(err).Str("merchant_id", s.merchantID).Msg("rate limiter unavailable, allowing lookup")
		} else if !res.Allowed {
			metrics.RateLimited.WithLabelValues(ratelimit.ActionStudentLookup).Inc()
			return s.fail(apperr.New(apperr.RateLimited, "too many lookups, try again in %s", ratelimit.HumanizeWait(res.WaitTime)).
				WithRetryAfter(res.WaitTime))
		}
	}

	student, err := s.deps.Identity.LookupByPublicID(ctx, code)
	if errors.Is(err, identity.ErrNotFound) {
		return s.fail(apperr.New(apperr.IdentityNotFound, "no student matches this code"))
	}
	if err != nil {
		return s.fail(apperr.Wrap(err, apperr.Internal, "identity lookup failed"))
	}
	if student.Status != models.StudentVerified {
		return s.fail(apperr.New(apperr.IdentityNotFound, "student is not verified"))
	}

	return s.move(StudentFound{Student: student})
}

// ConfirmIdentity records the operator's face match. It is refused when
// there is no verification photo to match against.
func (s *Session) ConfirmIdentity() error {
	defer s.begin()()

	st, ok := s.state.(StudentFound)
	if !ok {
		return s.invalid("confirm identity")
	}
	if !st.Student.HasVerificationPhoto() {
		return s.fail(apperr.New(apperr.Validation, "no verification photo on file, refresh the student's status"))
	}
	st.IdentityConfirmed = true
	return s.move(st)
}

// RejectIdentity returns to Scanning when the face does not match.
func (s *Session) RejectIdentity() error {
	defer s.begin()()

	if _, ok := s.state.(StudentFound); !ok {
		return s.invalid("reject identity")
	}
	return s.move(Scanning{})
}

// RefreshStatus drops any cached identity for the student and returns to
// Scanning so the next scan reads the verification system afresh.
func (s *Session) RefreshStatus(ctx context.Context) error {
	defer s.begin()()

	st, ok := s.state.(StudentFound)
	if !ok {
		return s.invalid("refresh status")
	}
	if err := s.deps.Identity.Invalidate(ctx, st.Student.PublicID); err != nil {
		s.deps.Logger.Warn().Err(err).Str("student_id", st.Student.ID).Msg("identity cache invalidation failed")
	}
	return s.move(Scanning{})
}

// loadOffer fetches an offer owned by this session's merchant and evaluates
// it for student.
func (s *Session) loadOffer(ctx context.Context, student models.Student, offerID string) (models.Offer, eligibility.Decision, error) {
	offer, err := s.deps.Offers.GetOffer(ctx, offerID)
	if errors.Is(err, database.ErrNotFound) {
		return models.Offer{}, eligibility.Decision{}, apperr.New(apperr.NotFound, "offer %s not found", offerID)
	}
	if err != nil {
		return models.Offer{}, eligibility.Decision{}, apperr.Wrap(err, apperr.Internal, "failed to load offer")
	}
	if offer.MerchantID != s.merchantID {
		return models.Offer{}, eligibility.Decision{}, apperr.New(apperr.Validation, "offer belongs to another merchant")
	}

	history, err := s.deps.Offers.GetRedemptionHistory(ctx, student.ID, offer.ID)
	if err != nil {
		return models.Offer{}, eligibility.Decision{}, apperr.Wrap(err, apperr.Internal, "failed to load redemption history")
	}

	decision := eligibility.Evaluate(offer, history, s.deps.now())
	metrics.EligibilityDecisions.WithLabelValues(decision.Reason).Inc()
	if !decision.Allowed {
		return offer, decision, denied(decision)
	}
	return offer, decision, nil
}

func denied(d eligibility.Decision) error {
	if d.WaitTime > 0 {
		return apperr.New(apperr.EligibilityDenied, "%s, available again in %s", d.Reason, ratelimit.HumanizeWait(d.WaitTime))
	}
	return apperr.New(apperr.EligibilityDenied, "%s", d.Reason)
}

// SelectOffer picks an offer for the found student. Ineligible offers are
// refused and the session stays where it was.
func (s *Session) SelectOffer(ctx context.Context, offerID string) error {
	defer s.begin()()

	var student models.Student
	switch st := s.state.(type) {
	case StudentFound:
		if !st.IdentityConfirmed {
			return s.fail(apperr.New(apperr.InvalidTransition, "identity must be confirmed before selecting an offer"))
		}
		student = st.Student
	case OfferSelected:
		student = st.Student
	default:
		return s.invalid("select offer")
	}

	offer, decision, err := s.loadOffer(ctx, student, offerID)
	if err != nil {
		return s.fail(err)
	}
	return s.move(OfferSelected{Student: student, Offer: offer, Decision: decision})
}

// EnterBill records the bill as typed. Eligibility is evaluated again since
// time has passed since selection. Unparseable input is stored as zero and
// rejected when the payment method is chosen. Sub-cent amounts are rejected
// here and leave the state unchanged.
func (s *Session) EnterBill(ctx context.Context, amount string) error {
	defer s.begin()()

	var (
		student models.Student
		offerID string
	)
	switch st := s.state.(type) {
	case OfferSelected:
		student, offerID = st.Student, st.Offer.ID
	case BillEntered:
		student, offerID = st.Student, st.Offer.ID
	default:
		return s.invalid("enter bill")
	}

	offer, decision, err := s.loadOffer(ctx, student, offerID)
	if err != nil {
		return s.fail(err)
	}

	bill := discount.ParseAmount(amount)
	if !bill.Equal(bill.Round(2)) {
		return s.fail(apperr.New(apperr.Validation, "bill amount cannot have more than 2 decimal places"))
	}
	quote := discount.Calculate(offer, bill)
	return s.move(BillEntered{Student: student, Offer: offer, Decision: decision, Quote: quote})
}

// ChoosePayment sets how the final amount was paid. The bill must be
// positive and reach the offer's minimum purchase.
func (s *Session) ChoosePayment(method models.PaymentMethod) error {
	defer s.begin()()

	var (
		student models.Student
		offer   models.Offer
		quote   discount.Quote
		txnID   string
	)
	switch st := s.state.(type) {
	case BillEntered:
		student, offer, quote = st.Student, st.Offer, st.Quote
	case PaymentMethodChosen:
		student, offer, quote, txnID = st.Student, st.Offer, st.Quote, st.TransactionID
	default:
		return s.invalid("choose payment")
	}

	if !method.Valid() {
		return s.fail(apperr.New(apperr.Validation, "payment method must be cash or online"))
	}
	if !quote.Bill.IsPositive() {
		return s.fail(apperr.New(apperr.Validation, "bill amount must be greater than 0"))
	}
	if offer.MinPurchase != nil && quote.Bill.LessThan(*offer.MinPurchase) {
		return s.fail(apperr.New(apperr.Validation, "minimum purchase for this offer is %s", offer.MinPurchase.StringFixed(2)))
	}

	return s.move(PaymentMethodChosen{Student: student, Offer: offer, Quote: quote, Method: method, TransactionID: txnID})
}

// Review freezes the redemption for confirmation. The transaction id is
// minted on the first review and kept across Edit.
func (s *Session) Review() error {
	defer s.begin()()

	st, ok := s.state.(PaymentMethodChosen)
	if !ok {
		return s.invalid("review")
	}
	id := st.TransactionID
	if id == "" {
		id = uuid.NewString()
	}
	return s.move(AwaitingConfirmation{
		Student:       st.Student,
		Offer:         st.Offer,
		Quote:         st.Quote,
		Method:        st.Method,
		TransactionID: id,
	})
}

// Edit steps back from confirmation to the payment step, keeping every
// entered value. From there the redemption can be changed or cancelled.
func (s *Session) Edit() error {
	defer s.begin()()

	st, ok := s.state.(AwaitingConfirmation)
	if !ok {
		return s.invalid("edit")
	}
	return s.move(PaymentMethodChosen{
		Student:       st.Student,
		Offer:         st.Offer,
		Quote:         st.Quote,
		Method:        st.Method,
		TransactionID: st.TransactionID,
	})
}

// Confirm commits the redemption. On failure the session stays in
// AwaitingConfirmation with all data intact, so Confirm can simply be
// called again.
func (s *Session) Confirm(ctx context.Context) error {
	defer s.begin()()

	st, ok := s.state.(AwaitingConfirmation)
	if !ok {
		return s.invalid("confirm")
	}

	req := ledger.Request{
		ID:             st.TransactionID,
		StudentID:      st.Student.ID,
		MerchantID:     s.merchantID,
		OfferID:        st.Offer.ID,
		OriginalAmount: st.Quote.Bill,
		DiscountAmount: st.Quote.Discount,
		FinalAmount:    st.Quote.Final,
		PaymentMethod:  st.Method,
	}

	txn, attempts, err := s.deps.Commit.commit(ctx, s.deps.Recorder, req)
	st.Attempts += attempts
	if err != nil {
		s.state = st
		s.deps.Logger.Warn().Err(err).
			Str("session_id", s.id).
			Str("transaction_id", st.TransactionID).
			Int("attempts", st.Attempts).
			Msg("redemption commit failed")
		return s.fail(err)
	}

	student := st.Student
	student.TotalSavings = student.TotalSavings.Add(txn.DiscountAmount)
	student.TotalRedemptions++
	if err := s.move(Success{Student: student, Offer: st.Offer, Transaction: txn}); err != nil {
		return err
	}

	if s.deps.OnCommit != nil {
		s.deps.OnCommit(ctx, txn)
	}
	return nil
}

// Cancel abandons the redemption and returns to Scanning. Nothing has been
// written before confirmation, so there is nothing to undo. Cancelling
// while already scanning only clears the last error.
func (s *Session) Cancel() error {
	defer s.begin()()

	phase := s.state.Phase()
	if phase == PhaseScanning {
		s.lastErr = nil
		return nil
	}
	if !cancellable(phase) {
		return s.invalid("cancel")
	}
	return s.move(Scanning{})
}

// ScanNext discards a completed redemption and starts over.
func (s *Session) ScanNext() error {
	defer s.begin()()

	if _, ok := s.state.(Success); !ok {
		return s.invalid("scan next")
	}
	return s.move(Scanning{})
}

// View is a serializable snapshot of a session.
type View struct {
	SessionID         string                `json:"session_id"`
	MerchantID        string                `json:"merchant_id"`
	Phase             Phase                 `json:"phase"`
	Student           *models.Student       `json:"student,omitempty"`
	IdentityConfirmed bool                  `json:"identity_confirmed,omitempty"`
	CanConfirm        bool                  `json:"can_confirm_identity,omitempty"`
	Offer             *models.Offer         `json:"offer,omitempty"`
	RemainingUses     *int                  `json:"remaining_uses,omitempty"`
	Quote             *discount.Quote       `json:"quote,omitempty"`
	PaymentMethod     models.PaymentMethod  `json:"payment_method,omitempty"`
	TransactionID     string                `json:"transaction_id,omitempty"`
	Attempts          int                   `json:"commit_attempts,omitempty"`
	Transaction       *models.Transaction   `json:"transaction,omitempty"`
	Error             *models.ErrorResponse `json:"error,omitempty"`
}

// Snapshot captures the session for display.
func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{SessionID: s.id, MerchantID: s.merchantID, Phase: s.state.Phase()}
	if s.lastErr != nil {
		v.Error = &models.ErrorResponse{Kind: string(s.lastErr.Kind), Message: s.lastErr.Message}
	}

	switch st := s.state.(type) {
	case StudentFound:
		v.Student = &st.Student
		v.IdentityConfirmed = st.IdentityConfirmed
		v.CanConfirm = st.Student.HasVerificationPhoto()
	case OfferSelected:
		v.Student, v.Offer, v.IdentityConfirmed = &st.Student, &st.Offer, true
		v.RemainingUses = st.Decision.RemainingUses
	case BillEntered:
		v.Student, v.Offer, v.Quote, v.IdentityConfirmed = &st.Student, &st.Offer, &st.Quote, true
		v.RemainingUses = st.Decision.RemainingUses
	case PaymentMethodChosen:
		v.Student, v.Offer, v.Quote, v.IdentityConfirmed = &st.Student, &st.Offer, &st.Quote, true
		v.PaymentMethod = st.Method
	case AwaitingConfirmation:
		v.Student, v.Offer, v.Quote, v.IdentityConfirmed = &st.Student, &st.Offer, &st.Quote, true
		v.PaymentMethod = st.Method
		v.TransactionID = st.TransactionID
		v.Attempts = st.Attempts
	case Success:
		v.Student, v.Offer, v.Transaction, v.IdentityConfirmed = &st.Student, &st.Offer, &st.Transaction, true
		v.TransactionID = st.Transaction.ID
		v.PaymentMethod = st.Transaction.PaymentMethod
	}
	return v
}

// String is used in logs.
func (s *Session) String() string {
	return fmt.Sprintf("session %s (merchant %s)", s.id, s.merchantID)
}
