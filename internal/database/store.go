package database

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"offer-redemption-engine/internal/models"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrRedemptionLimit is returned when the per-student cap of an offer
	// would be exceeded by an insert.
	ErrRedemptionLimit = errors.New("per-student redemption limit reached")
	// ErrOfferFullyRedeemed is returned when the offer-wide cap is exhausted.
	ErrOfferFullyRedeemed = errors.New("offer fully redeemed")
	// ErrDuplicateTransaction is returned when a transaction id already exists.
	ErrDuplicateTransaction = errors.New("transaction already recorded")
	// ErrOfferMerchantMismatch is returned when a redemption names an offer
	// that belongs to another merchant.
	ErrOfferMerchantMismatch = errors.New("offer does not belong to merchant")
)

// timeLayout is fixed width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// Store is the transactional store behind the engine. Implementations must
// enforce the offer's per-student and offer-wide caps inside InsertRedemption
// so two racing callers cannot both commit past a limit.
type Store interface {
	Close() error

	UpsertStudent(ctx context.Context, student models.Student) error
	GetStudent(ctx context.Context, id string) (models.Student, error)
	GetStudentByPublicID(ctx context.Context, publicID string) (models.Student, error)

	UpsertMerchant(ctx context.Context, merchant models.Merchant) error
	GetMerchant(ctx context.Context, id string) (models.Merchant, error)

	UpsertOffer(ctx context.Context, offer models.Offer) error
	GetOffer(ctx context.Context, id string) (models.Offer, error)
	ListMerchantOffers(ctx context.Context, merchantID string) ([]models.Offer, error)

	GetRedemptionHistory(ctx context.Context, studentID, offerID string) (models.RedemptionHistory, error)
	InsertRedemption(ctx context.Context, txn models.Transaction) error
	GetTransaction(ctx context.Context, id string) (models.Transaction, error)
	ListStudentTransactions(ctx context.Context, studentID string, limit int) ([]models.Transaction, error)

	// Refresh* recompute denormalized totals from the ledger. They are
	// idempotent and safe to retry.
	RefreshStudentAggregates(ctx context.Context, studentID string) error
	RefreshMerchantAggregates(ctx context.Context, merchantID string) error
	RefreshOfferAggregates(ctx context.Context, offerID string) error

	ListStudentIDs(ctx context.Context) ([]string, error)
	ListMerchantIDs(ctx context.Context) ([]string, error)
	ListOfferIDs(ctx context.Context) ([]string, error)
}

// offerLimits is the slice of an offer the insert path enforces.
type offerLimits struct {
	merchantID          string
	oneTimeOnly         bool
	maxPerStudent       *int
	maxTotalRedemptions *int
}

func (l offerLimits) perStudent() int {
	return models.Offer{OneTimeOnly: l.oneTimeOnly, MaxPerStudent: l.maxPerStudent}.PerStudentLimit()
}

// checkLimits applies the decisive caps given the ledger counts read inside
// the insert transaction.
func (l offerLimits) check(txn models.Transaction, studentCount, offerCount int) error {
	if l.merchantID != txn.MerchantID {
		return ErrOfferMerchantMismatch
	}
	if limit := l.perStudent(); limit > 0 && studentCount >= limit {
		return ErrRedemptionLimit
	}
	if l.maxTotalRedemptions != nil && offerCount >= *l.maxTotalRedemptions {
		return ErrOfferFullyRedeemed
	}
	return nil
}

func intPtrFromNullable(v *int64) *int {
	if v == nil {
		return nil
	}
	i := int(*v)
	return &i
}

func nullableFromIntPtr(v *int) *int64 {
	if v == nil {
		return nil
	}
	i := int64(*v)
	return &i
}
