package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"offer-redemption-engine/internal/apperr"
	"offer-redemption-engine/internal/database"
	"offer-redemption-engine/internal/discount"
	"offer-redemption-engine/internal/eligibility"
	"offer-redemption-engine/internal/events"
	"offer-redemption-engine/internal/identity"
	"offer-redemption-engine/internal/ledger"
	"offer-redemption-engine/internal/metrics"
	"offer-redemption-engine/internal/models"
	"offer-redemption-engine/internal/ratelimit"
	"offer-redemption-engine/internal/redemption"
	"offer-redemption-engine/internal/tracing"
	"offer-redemption-engine/internal/validation"
)

// Recorder commits redemptions to the ledger.
type Recorder interface {
	Record(ctx context.Context, req ledger.Request) (models.Transaction, error)
}

// Options wires a Service. Store and Recorder are required; everything else
// has a working default.
type Options struct {
	Store    database.Store
	Recorder Recorder
	Identity identity.Store
	Limiter  ratelimit.Limiter
	Events   *events.Manager

	Commit         redemption.CommitPolicy
	SessionIdleTTL time.Duration

	Logger zerolog.Logger
	Now    func() time.Time
}

// Service provides the redemption engine's operations.
type Service struct {
	store    database.Store
	recorder Recorder
	identity identity.Store
	events   *events.Manager
	sessions *redemption.Registry
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService creates a new service instance.
func NewService(opts Options) *Service {
	s := &Service{
		store:    opts.Store,
		recorder: opts.Recorder,
		identity: opts.Identity,
		events:   opts.Events,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if s.identity == nil {
		s.identity = identity.NewDatabaseStore(opts.Store)
	}
	if s.events == nil {
		s.events = events.NewManager(false, opts.Logger)
	}
	if s.now == nil {
		s.now = time.Now
	}

	s.sessions = redemption.NewRegistry(redemption.Deps{
		Identity: s.identity,
		Offers:   opts.Store,
		Recorder: opts.Recorder,
		Limiter:  opts.Limiter,
		Commit:   opts.Commit,
		Logger:   opts.Logger,
		Now:      s.now,
		OnCommit: s.publishCommitted,
	}, opts.SessionIdleTTL)
	return s
}

// Sessions exposes the session registry for background sweeping.
func (s *Service) Sessions() *redemption.Registry {
	return s.sessions
}

func invalid(err error) error {
	return apperr.Wrap(err, apperr.Validation, err.Error())
}

// notFound translates a store miss, and hides any other store error.
func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, database.ErrNotFound) {
		return apperr.New(apperr.NotFound, format, args...)
	}
	return apperr.Wrap(err, apperr.Internal, "store unavailable")
}

// CreateOffer creates or updates an offer. Usage totals are owned by the
// ledger and ignored on input.
func (s *Service) CreateOffer(ctx context.Context, offer models.Offer) (models.Offer, error) {
	ctx, span := tracing.Start(ctx, "service.CreateOffer", attribute.String("merchant_id", offer.MerchantID))
	defer span.End()

	if err := validation.ValidateOffer(offer, s.now()); err != nil {
		return models.Offer{}, invalid(err)
	}
	if _, err := s.store.GetMerchant(ctx, offer.MerchantID); err != nil {
		return models.Offer{}, notFound(err, "merchant %s not found", offer.MerchantID)
	}
	if offer.ID == "" {
		offer.ID = uuid.NewString()
	}

	if err := s.store.UpsertOffer(ctx, offer); err != nil {
		tracing.Fail(span, err)
		return models.Offer{}, apperr.Wrap(err, apperr.Internal, "failed to save offer")
	}
	saved, err := s.store.GetOffer(ctx, offer.ID)
	if err != nil {
		return models.Offer{}, notFound(err, "offer %s not found", offer.ID)
	}

	s.events.PublishOfferUpserted(ctx, saved)
	return saved, nil
}

func (s *Service) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	offer, err := s.store.GetOffer(ctx, id)
	if err != nil {
		return models.Offer{}, notFound(err, "offer %s not found", id)
	}
	return offer, nil
}

// ListMerchantOffers returns every offer of a merchant, active or not.
func (s *Service) ListMerchantOffers(ctx context.Context, merchantID string) ([]models.OfferListing, error) {
	if _, err := s.store.GetMerchant(ctx, merchantID); err != nil {
		return nil, notFound(err, "merchant %s not found", merchantID)
	}
	offers, err := s.store.ListMerchantOffers(ctx, merchantID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Internal, "failed to list offers")
	}
	listings := make([]models.OfferListing, 0, len(offers))
	for _, o := range offers {
		listings = append(listings, models.OfferListing{Offer: o, Savings: discount.Savings(o)})
	}
	return listings, nil
}

// UpsertStudent mirrors a student from the verification system. A changed
// status must be visible on the next scan, so any cached identity is dropped.
func (s *Service) UpsertStudent(ctx context.Context, student models.Student) (models.Student, error) {
	if err := validation.ValidateStudent(student); err != nil {
		return models.Student{}, invalid(err)
	}

	previous, err := s.store.GetStudent(ctx, student.ID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return models.Student{}, apperr.Wrap(err, apperr.Internal, "store unavailable")
	}

	if err := s.store.UpsertStudent(ctx, student); err != nil {
		return models.Student{}, apperr.Wrap(err, apperr.Internal, "failed to save student")
	}
	for _, publicID := range []string{previous.PublicID, student.PublicID} {
		if publicID == "" {
			continue
		}
		if err := s.identity.Invalidate(ctx, publicID); err != nil {
			s.logger.Warn().Err(err).Str("student_id", student.ID).Msg("identity cache invalidation failed")
		}
	}
	return s.GetStudent(ctx, student.ID)
}

func (s *Service) GetStudent(ctx context.Context, id string) (models.Student, error) {
	student, err := s.store.GetStudent(ctx, id)
	if err != nil {
		return models.Student{}, notFound(err, "student %s not found", id)
	}
	return student, nil
}

func (s *Service) UpsertMerchant(ctx context.Context, merchant models.Merchant) (models.Merchant, error) {
	if err := validation.ValidateMerchant(merchant); err != nil {
		return models.Merchant{}, invalid(err)
	}
	if err := s.store.UpsertMerchant(ctx, merchant); err != nil {
		return models.Merchant{}, apperr.Wrap(err, apperr.Internal, "failed to save merchant")
	}
	saved, err := s.store.GetMerchant(ctx, merchant.ID)
	if err != nil {
		return models.Merchant{}, notFound(err, "merchant %s not found", merchant.ID)
	}
	return saved, nil
}

// ListTransactions returns a student's ledger rows, newest first.
func (s *Service) ListTransactions(ctx context.Context, studentID string, limit int) ([]models.Transaction, error) {
	if _, err := s.store.GetStudent(ctx, studentID); err != nil {
		return nil, notFound(err, "student %s not found", studentID)
	}
	txns, err := s.store.ListStudentTransactions(ctx, studentID, limit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Internal, "failed to list transactions")
	}
	return txns, nil
}

// Quote applies an offer to a bill as typed. It has no side effects.
func (s *Service) Quote(ctx context.Context, offerID, billAmount string) (models.QuoteResponse, error) {
	offer, err := s.GetOffer(ctx, offerID)
	if err != nil {
		return models.QuoteResponse{}, err
	}
	q := discount.Calculate(offer, discount.ParseAmount(billAmount))
	return models.QuoteResponse{
		OfferID:        offer.ID,
		BillAmount:     q.Bill,
		DiscountAmount: q.Discount,
		FinalAmount:    q.Final,
	}, nil
}

func (s *Service) evaluate(ctx context.Context, studentID, offerID string) (models.Offer, eligibility.Decision, error) {
	if _, err := s.store.GetStudent(ctx, studentID); err != nil {
		return models.Offer{}, eligibility.Decision{}, notFound(err, "student %s not found", studentID)
	}
	offer, err := s.GetOffer(ctx, offerID)
	if err != nil {
		return models.Offer{}, eligibility.Decision{}, err
	}
	history, err := s.store.GetRedemptionHistory(ctx, studentID, offerID)
	if err != nil {
		return models.Offer{}, eligibility.Decision{}, apperr.Wrap(err, apperr.Internal, "failed to load redemption history")
	}
	d := eligibility.Evaluate(offer, history, s.now())
	metrics.EligibilityDecisions.WithLabelValues(d.Reason).Inc()
	return offer, d, nil
}

// CheckEligibility reports whether the student may redeem the offer now.
// A denial is a normal answer, not an error.
func (s *Service) CheckEligibility(ctx context.Context, studentID, offerID string) (models.EligibilityResponse, error) {
	ctx, span := tracing.Start(ctx, "service.CheckEligibility",
		attribute.String("student_id", studentID),
		attribute.String("offer_id", offerID),
	)
	defer span.End()

	_, d, err := s.evaluate(ctx, studentID, offerID)
	if err != nil {
		tracing.Fail(span, err)
		return models.EligibilityResponse{}, err
	}
	span.SetAttributes(attribute.Bool("allowed", d.Allowed), attribute.String("reason", d.Reason))

	return models.EligibilityResponse{
		StudentID:     studentID,
		OfferID:       offerID,
		Allowed:       d.Allowed,
		Reason:        d.Reason,
		RemainingUses: d.RemainingUses,
		WaitSeconds:   int64(d.WaitTime.Round(time.Second) / time.Second),
	}, nil
}

// CommitRedemption records a redemption submitted outside a session. The
// same guards apply as in a session: the student must be verified, the
// offer must belong to the merchant and be eligible, the bill must reach the
// minimum purchase and the discount must be the one the offer grants.
func (s *Service) CommitRedemption(ctx context.Context, req models.CommitRedemptionRequest) (models.Transaction, error) {
	ctx, span := tracing.Start(ctx, "service.CommitRedemption",
		attribute.String("student_id", req.StudentID),
		attribute.String("merchant_id", req.MerchantID),
		attribute.String("offer_id", req.OfferID),
	)
	defer span.End()

	txn, err := s.commit(ctx, req)
	if err != nil {
		tracing.Fail(span, err)
		return models.Transaction{}, err
	}
	span.SetAttributes(attribute.String("transaction_id", txn.ID))
	return txn, nil
}

func (s *Service) commit(ctx context.Context, req models.CommitRedemptionRequest) (models.Transaction, error) {
	if err := validation.ValidateCommit(req); err != nil {
		return models.Transaction{}, invalid(err)
	}

	// A retry of a redemption that already committed goes straight to the
	// ledger, which returns the stored row. Its eligibility has been spent.
	if req.ID != "" {
		if _, err := s.store.GetTransaction(ctx, req.ID); err == nil {
			return s.record(ctx, req)
		}
	}

	student, err := s.store.GetStudent(ctx, req.StudentID)
	if err != nil {
		return models.Transaction{}, notFound(err, "student %s not found", req.StudentID)
	}
	if student.Status != models.StudentVerified {
		return models.Transaction{}, apperr.New(apperr.IdentityNotFound, "student is not verified")
	}

	offer, d, err := s.evaluate(ctx, req.StudentID, req.OfferID)
	if err != nil {
		return models.Transaction{}, err
	}
	if offer.MerchantID != req.MerchantID {
		return models.Transaction{}, apperr.New(apperr.Validation, "offer belongs to another merchant")
	}
	if !d.Allowed {
		if d.WaitTime > 0 {
			return models.Transaction{}, apperr.New(apperr.EligibilityDenied, "%s, available again in %s", d.Reason, ratelimit.HumanizeWait(d.WaitTime))
		}
		return models.Transaction{}, apperr.New(apperr.EligibilityDenied, "%s", d.Reason)
	}
	if offer.MinPurchase != nil && req.OriginalAmount.LessThan(*offer.MinPurchase) {
		return models.Transaction{}, apperr.New(apperr.Validation, "minimum purchase for this offer is %s", offer.MinPurchase.StringFixed(2))
	}
	if q := discount.Calculate(offer, req.OriginalAmount); !q.Discount.Equal(req.DiscountAmount) {
		return models.Transaction{}, apperr.New(apperr.Validation, "discount_amount must be %s for this bill", q.Discount.StringFixed(2))
	}

	return s.record(ctx, req)
}

func (s *Service) record(ctx context.Context, req models.CommitRedemptionRequest) (models.Transaction, error) {
	txn, err := s.recorder.Record(ctx, ledger.Request{
		ID:             req.ID,
		StudentID:      req.StudentID,
		MerchantID:     req.MerchantID,
		OfferID:        req.OfferID,
		OriginalAmount: req.OriginalAmount,
		DiscountAmount: req.DiscountAmount,
		FinalAmount:    req.FinalAmount,
		PaymentMethod:  req.PaymentMethod,
	})
	if err != nil {
		return models.Transaction{}, apperr.From(err)
	}

	s.publishCommitted(ctx, txn)
	return txn, nil
}

// publishCommitted pushes the student's refreshed totals to the change feed.
func (s *Service) publishCommitted(ctx context.Context, txn models.Transaction) {
	student, err := s.store.GetStudent(ctx, txn.StudentID)
	if err != nil {
		s.logger.Warn().Err(err).Str("transaction_id", txn.ID).Msg("could not load student for change feed")
		return
	}
	s.events.PublishRedemptionCommitted(ctx, txn, student)
}
