// Package ledger records committed redemptions.
//
// A redemption is durable once its ledger row is inserted. The student,
// merchant and offer totals are recomputed from the ledger afterwards; a
// failure there is logged and handed to the Reconciler, and never undoes or
// fails the redemption itself.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"offer-redemption-engine/internal/apperr"
	"offer-redemption-engine/internal/database"
	"offer-redemption-engine/internal/eligibility"
	"offer-redemption-engine/internal/metrics"
	"offer-redemption-engine/internal/models"
	"offer-redemption-engine/internal/tracing"
)

// Store is the part of the transactional store the recorder writes to.
type Store interface {
	InsertRedemption(ctx context.Context, txn models.Transaction) error
	GetTransaction(ctx context.Context, id string) (models.Transaction, error)
	AggregateStore
}

// AggregateStore recomputes denormalized totals.
type AggregateStore interface {
	RefreshStudentAggregates(ctx context.Context, studentID string) error
	RefreshMerchantAggregates(ctx context.Context, merchantID string) error
	RefreshOfferAggregates(ctx context.Context, offerID string) error
}

// Request describes one redemption to record. ID is optional; when set it
// makes Record idempotent across retries.
type Request struct {
	ID             string
	StudentID      string
	MerchantID     string
	OfferID        string
	OriginalAmount decimal.Decimal
	DiscountAmount decimal.Decimal
	FinalAmount    decimal.Decimal
	PaymentMethod  models.PaymentMethod
}

// Recorder inserts ledger rows and keeps aggregates in step.
type Recorder struct {
	store          Store
	reconciler     *Reconciler
	logger         zerolog.Logger
	now            func() time.Time
	attempts       int
	backoff        time.Duration
	refreshTimeout time.Duration
}

type Option func(*Recorder)

// WithReconciler queues aggregates that could not be refreshed.
func WithReconciler(rc *Reconciler) Option {
	return func(r *Recorder) { r.reconciler = rc }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithAggregateRetry sets how many times each aggregate refresh is tried and
// the initial backoff between tries.
func WithAggregateRetry(attempts int, backoff time.Duration) Option {
	return func(r *Recorder) {
		if attempts > 0 {
			r.attempts = attempts
		}
		r.backoff = backoff
	}
}

func NewRecorder(store Store, opts ...Option) *Recorder {
	r := &Recorder{
		store:          store,
		logger:         zerolog.Nop(),
		now:            time.Now,
		attempts:       3,
		backoff:        50 * time.Millisecond,
		refreshTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func validate(req Request) error {
	switch {
	case req.StudentID == "":
		return apperr.New(apperr.Validation, "student_id is required")
	case req.MerchantID == "":
		return apperr.New(apperr.Validation, "merchant_id is required")
	case req.OfferID == "":
		return apperr.New(apperr.Validation, "offer_id is required")
	case !req.PaymentMethod.Valid():
		return apperr.New(apperr.Validation, "payment_method must be cash or online")
	case !req.OriginalAmount.IsPositive():
		return apperr.New(apperr.Validation, "original_amount must be greater than 0")
	case req.DiscountAmount.IsNegative() || req.DiscountAmount.GreaterThan(req.OriginalAmount):
		return apperr.New(apperr.Validation, "discount_amount must be between 0 and original_amount")
	case !req.FinalAmount.Equal(req.OriginalAmount.Sub(req.DiscountAmount)):
		return apperr.New(apperr.Validation, "final_amount must equal original_amount minus discount_amount")
	}
	return nil
}

// Record inserts the ledger row for req and refreshes the three aggregates.
// A nil error means the redemption is durable, even if some aggregate could
// not be refreshed.
func (r *Recorder) Record(ctx context.Context, req Request) (models.Transaction, error) {
	ctx, span := tracing.Start(ctx, "ledger.Record",
		attribute.String("student_id", req.StudentID),
		attribute.String("offer_id", req.OfferID),
	)
	defer span.End()

	start := time.Now()
	defer func() { metrics.RecordDuration.Observe(time.Since(start).Seconds()) }()

	if err := validate(req); err != nil {
		metrics.RedemptionsTotal.WithLabelValues("invalid").Inc()
		return models.Transaction{}, err
	}

	txn := models.Transaction{
		ID:             req.ID,
		StudentID:      req.StudentID,
		MerchantID:     req.MerchantID,
		OfferID:        req.OfferID,
		OriginalAmount: req.OriginalAmount,
		DiscountAmount: req.DiscountAmount,
		FinalAmount:    req.FinalAmount,
		PaymentMethod:  req.PaymentMethod,
		RedeemedAt:     r.now().UTC().Truncate(time.Microsecond),
	}
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}

	err := r.store.InsertRedemption(ctx, txn)
	if errors.Is(err, database.ErrDuplicateTransaction) {
		existing, lookupErr := r.replay(ctx, txn)
		if lookupErr != nil {
			tracing.Fail(span, lookupErr)
			return models.Transaction{}, lookupErr
		}
		metrics.RedemptionsTotal.WithLabelValues("replayed").Inc()
		r.refreshAggregates(ctx, existing)
		return existing, nil
	}
	if err != nil {
		classified := classifyInsertError(err)
		metrics.RedemptionsTotal.WithLabelValues(string(apperr.KindOf(classified))).Inc()
		tracing.Fail(span, classified)
		if apperr.Is(classified, apperr.RecorderHardFailure) {
			r.logger.Error().Err(err).
				Str("transaction_id", txn.ID).
				Str("student_id", txn.StudentID).
				Str("offer_id", txn.OfferID).
				Msg("ledger insert failed")
		}
		return models.Transaction{}, classified
	}

	metrics.RedemptionsTotal.WithLabelValues("committed").Inc()
	r.refreshAggregates(ctx, txn)
	return txn, nil
}

// replay returns the row already stored under txn.ID, provided it records
// the same redemption.
func (r *Recorder) replay(ctx context.Context, txn models.Transaction) (models.Transaction, error) {
	existing, err := r.store.GetTransaction(ctx, txn.ID)
	if err != nil {
		return models.Transaction{}, apperr.Wrap(err, apperr.RecorderHardFailure, "failed to load existing transaction")
	}
	if !sameRedemption(existing, txn) {
		return models.Transaction{}, apperr.New(apperr.Validation, "transaction id %s is already used by another redemption", txn.ID)
	}
	return existing, nil
}

// sameRedemption compares every stored field except the timestamp.
func sameRedemption(a, b models.Transaction) bool {
	return a.StudentID == b.StudentID &&
		a.OfferID == b.OfferID &&
		a.MerchantID == b.MerchantID &&
		a.PaymentMethod == b.PaymentMethod &&
		a.OriginalAmount.Equal(b.OriginalAmount) &&
		a.DiscountAmount.Equal(b.DiscountAmount) &&
		a.FinalAmount.Equal(b.FinalAmount)
}

func classifyInsertError(err error) error {
	switch {
	case errors.Is(err, database.ErrRedemptionLimit):
		return apperr.Wrap(err, apperr.EligibilityDenied, eligibility.ReasonPerStudentLimit)
	case errors.Is(err, database.ErrOfferFullyRedeemed):
		return apperr.Wrap(err, apperr.EligibilityDenied, eligibility.ReasonFullyRedeemed)
	case errors.Is(err, database.ErrOfferMerchantMismatch):
		return apperr.Wrap(err, apperr.Validation, "offer does not belong to this merchant")
	case errors.Is(err, database.ErrNotFound):
		return apperr.Wrap(err, apperr.NotFound, "student, merchant or offer not found")
	default:
		return apperr.Wrap(err, apperr.RecorderHardFailure, "failed to record redemption")
	}
}

// refreshAggregates recomputes every aggregate touched by txn. The work is
// detached from the caller's cancellation: the row is already committed.
func (r *Recorder) refreshAggregates(ctx context.Context, txn models.Transaction) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.refreshTimeout)
	defer cancel()

	for _, key := range keysFor(txn) {
		err := r.retry(ctx, func(ctx context.Context) error {
			return refresh(ctx, r.store, key)
		})
		if err == nil {
			continue
		}

		partial := apperr.Wrap(err, apperr.RecorderPartialFailure, "aggregate refresh failed")
		metrics.AggregateFailures.WithLabelValues(string(key.Kind)).Inc()
		r.logger.Warn().Err(partial).
			Str("transaction_id", txn.ID).
			Str("aggregate", string(key.Kind)).
			Str("aggregate_id", key.ID).
			Str("student_id", txn.StudentID).
			Str("merchant_id", txn.MerchantID).
			Str("offer_id", txn.OfferID).
			Msg("aggregate left for reconciliation")
		if r.reconciler != nil {
			r.reconciler.MarkDirty(key)
		}
	}
}

func (r *Recorder) retry(ctx context.Context, fn func(context.Context) error) error {
	var err error
	wait := r.backoff
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == r.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(err, ctx.Err().Error())
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}
