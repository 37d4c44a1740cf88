package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"offer-redemption-engine/internal/apperr"
	"offer-redemption-engine/internal/database"
	"offer-redemption-engine/internal/models"
)

// flakyStore fails the first N student aggregate refreshes.
type flakyStore struct {
	*database.DB

	mu           sync.Mutex
	studentFails int
	insertErr    error
	studentCalls int
}

func (f *flakyStore) RefreshStudentAggregates(ctx context.Context, id string) error {
	f.mu.Lock()
	f.studentCalls++
	fail := f.studentFails > 0
	if fail {
		f.studentFails--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return f.DB.RefreshStudentAggregates(ctx, id)
}

func (f *flakyStore) InsertRedemption(ctx context.Context, txn models.Transaction) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	return f.DB.InsertRedemption(ctx, txn)
}

func setupStore(t *testing.T, offer models.Offer) *flakyStore {
	t.Helper()
	ctx := context.Background()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.UpsertMerchant(ctx, models.Merchant{ID: "m1", Status: models.MerchantApproved}); err != nil {
		t.Fatalf("Failed to upsert merchant: %v", err)
	}
	if err := db.UpsertStudent(ctx, models.Student{ID: "s1", PublicID: "STU-1", Status: models.StudentVerified}); err != nil {
		t.Fatalf("Failed to upsert student: %v", err)
	}
	if err := db.UpsertOffer(ctx, offer); err != nil {
		t.Fatalf("Failed to upsert offer: %v", err)
	}
	return &flakyStore{DB: db}
}

func testOffer() models.Offer {
	return models.Offer{
		ID:            "o1",
		MerchantID:    "m1",
		Type:          models.OfferFlat,
		DiscountValue: decimal.NewFromInt(50),
		Status:        models.OfferActive,
	}
}

func scenarioA() Request {
	return Request{
		StudentID:      "s1",
		MerchantID:     "m1",
		OfferID:        "o1",
		OriginalAmount: decimal.NewFromInt(200),
		DiscountAmount: decimal.NewFromInt(50),
		FinalAmount:    decimal.NewFromInt(150),
		PaymentMethod:  models.PaymentCash,
	}
}

func TestRecord_UpdatesAllAggregates(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t, testOffer())
	rec := NewRecorder(store)

	txn, err := rec.Record(ctx, scenarioA())
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if txn.ID == "" {
		t.Error("Expected a generated transaction id")
	}

	s, _ := store.GetStudent(ctx, "s1")
	if !s.TotalSavings.Equal(decimal.NewFromInt(50)) || s.TotalRedemptions != 1 {
		t.Errorf("Unexpected student aggregates: %s / %d", s.TotalSavings, s.TotalRedemptions)
	}
	m, _ := store.GetMerchant(ctx, "m1")
	if !m.TotalRevenue.Equal(decimal.NewFromInt(150)) || m.TotalRedemptions != 1 {
		t.Errorf("Unexpected merchant aggregates: %s / %d", m.TotalRevenue, m.TotalRedemptions)
	}
	o, _ := store.GetOffer(ctx, "o1")
	if o.TotalRedemptions != 1 {
		t.Errorf("Expected offer total 1, got %d", o.TotalRedemptions)
	}
}

func TestRecord_ValidatesAmounts(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing student", func(r *Request) { r.StudentID = "" }},
		{"bad payment method", func(r *Request) { r.PaymentMethod = "card" }},
		{"zero bill", func(r *Request) {
			r.OriginalAmount, r.DiscountAmount, r.FinalAmount = decimal.Zero, decimal.Zero, decimal.Zero
		}},
		{"discount above bill", func(r *Request) { r.DiscountAmount = decimal.NewFromInt(250) }},
		{"final mismatch", func(r *Request) { r.FinalAmount = decimal.NewFromInt(149) }},
	}

	store := setupStore(t, testOffer())
	rec := NewRecorder(store)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := scenarioA()
			tt.mutate(&req)
			_, err := rec.Record(context.Background(), req)
			if !apperr.Is(err, apperr.Validation) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestRecord_PartialFailureIsNotReturned(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t, testOffer())
	store.studentFails = 100
	rc := NewReconciler(store, zerolog.Nop(), 2)
	rec := NewRecorder(store, WithReconciler(rc), WithAggregateRetry(2, time.Millisecond))

	txn, err := rec.Record(ctx, scenarioA())
	if err != nil {
		t.Fatalf("Expected partial failure to be swallowed, got %v", err)
	}

	if _, err := store.GetTransaction(ctx, txn.ID); err != nil {
		t.Fatalf("Expected ledger row to exist: %v", err)
	}
	if store.studentCalls != 2 {
		t.Errorf("Expected 2 refresh attempts, got %d", store.studentCalls)
	}

	pending := rc.Pending()
	if len(pending) != 1 || pending[0] != (Key{Kind: StudentAggregate, ID: "s1"}) {
		t.Fatalf("Expected student aggregate queued, got %v", pending)
	}

	s, _ := store.GetStudent(ctx, "s1")
	if s.TotalRedemptions != 0 {
		t.Errorf("Expected stale student aggregate before reconciliation, got %d", s.TotalRedemptions)
	}
	m, _ := store.GetMerchant(ctx, "m1")
	if m.TotalRedemptions != 1 {
		t.Errorf("Expected merchant aggregate to be refreshed independently, got %d", m.TotalRedemptions)
	}

	store.studentFails = 0
	if err := rc.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	s, _ = store.GetStudent(ctx, "s1")
	if s.TotalRedemptions != 1 || !s.TotalSavings.Equal(decimal.NewFromInt(50)) {
		t.Errorf("Expected reconciled student aggregate, got %d / %s", s.TotalRedemptions, s.TotalSavings)
	}
	if len(rc.Pending()) != 0 {
		t.Error("Expected empty queue after flush")
	}
}

func TestRecord_RetrySucceedsWithinBudget(t *testing.T) {
	store := setupStore(t, testOffer())
	store.studentFails = 1
	rc := NewReconciler(store, zerolog.Nop(), 1)
	rec := NewRecorder(store, WithReconciler(rc), WithAggregateRetry(3, time.Millisecond))

	if _, err := rec.Record(context.Background(), scenarioA()); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if len(rc.Pending()) != 0 {
		t.Errorf("Expected nothing queued, got %v", rc.Pending())
	}
}

func TestRecord_IdempotentRetry(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t, testOffer())
	rec := NewRecorder(store)

	req := scenarioA()
	req.ID = "3f1f6a4e-8a55-4a3b-9f3c-5d2d7f0f9b10"
	first, err := rec.Record(ctx, req)
	if err != nil {
		t.Fatalf("First record failed: %v", err)
	}
	second, err := rec.Record(ctx, req)
	if err != nil {
		t.Fatalf("Retried record failed: %v", err)
	}
	if second.ID != first.ID || !second.RedeemedAt.Equal(first.RedeemedAt) {
		t.Errorf("Expected the stored row back, got %+v", second)
	}

	h, _ := store.GetRedemptionHistory(ctx, "s1", "o1")
	if h.Count != 1 {
		t.Errorf("Expected a single ledger row, got %d", h.Count)
	}

	tests := []struct {
		name   string
		change func(*Request)
	}{
		{"discount", func(r *Request) {
			r.DiscountAmount = decimal.NewFromInt(10)
			r.FinalAmount = decimal.NewFromInt(190)
		}},
		{"bill", func(r *Request) {
			r.OriginalAmount = decimal.NewFromInt(300)
			r.FinalAmount = decimal.NewFromInt(250)
		}},
		{"payment method", func(r *Request) { r.PaymentMethod = models.PaymentOnline }},
	}
	for _, tt := range tests {
		other := req
		tt.change(&other)
		if _, err := rec.Record(ctx, other); !apperr.Is(err, apperr.Validation) {
			t.Errorf("%s: expected reuse of an id for another redemption to fail validation, got %v", tt.name, err)
		}
	}
	h, _ = store.GetRedemptionHistory(ctx, "s1", "o1")
	if h.Count != 1 {
		t.Errorf("Expected still a single ledger row, got %d", h.Count)
	}
}

func TestRecord_StoreLimitBecomesEligibilityDenied(t *testing.T) {
	ctx := context.Background()
	offer := testOffer()
	offer.OneTimeOnly = true
	store := setupStore(t, offer)
	rec := NewRecorder(store)

	if _, err := rec.Record(ctx, scenarioA()); err != nil {
		t.Fatalf("First record failed: %v", err)
	}
	_, err := rec.Record(ctx, scenarioA())
	if !apperr.Is(err, apperr.EligibilityDenied) {
		t.Errorf("Expected eligibility_denied, got %v", err)
	}
}

func TestRecord_InsertFailureIsHard(t *testing.T) {
	store := setupStore(t, testOffer())
	store.insertErr = errors.New("disk I/O error")
	rec := NewRecorder(store)

	_, err := rec.Record(context.Background(), scenarioA())
	if !apperr.Is(err, apperr.RecorderHardFailure) {
		t.Fatalf("Expected recorder_hard_failure, got %v", err)
	}
	if msg := apperr.From(err).Message; msg != "failed to record redemption" {
		t.Errorf("Expected store message hidden, got %q", msg)
	}
}

func TestRecord_ConcurrentMaxPerStudent(t *testing.T) {
	ctx := context.Background()
	offer := testOffer()
	limit := 3
	offer.MaxPerStudent = &limit
	store := setupStore(t, offer)
	rec := NewRecorder(store)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := rec.Record(ctx, scenarioA()); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			} else if !apperr.Is(err, apperr.EligibilityDenied) {
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted != limit {
		t.Errorf("Expected exactly %d accepted redemptions, got %d", limit, accepted)
	}
	s, _ := store.GetStudent(ctx, "s1")
	if s.TotalRedemptions != limit {
		t.Errorf("Expected student aggregate %d, got %d", limit, s.TotalRedemptions)
	}
}

func TestReconcileAll(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t, testOffer())
	store.studentFails = 100
	rc := NewReconciler(store, zerolog.Nop(), 2)
	rec := NewRecorder(store, WithReconciler(rc), WithAggregateRetry(1, 0))

	if _, err := rec.Record(ctx, scenarioA()); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	store.studentFails = 0
	n, err := rc.ReconcileAll(ctx)
	if err != nil {
		t.Fatalf("ReconcileAll failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 aggregates reconciled, got %d", n)
	}
	if len(rc.Pending()) != 0 {
		t.Error("Expected queue cleared")
	}
	s, _ := store.GetStudent(ctx, "s1")
	if s.TotalRedemptions != 1 {
		t.Errorf("Expected reconciled student aggregate, got %d", s.TotalRedemptions)
	}
}

// markingStore marks a key dirty while ReconcileAll is listing, standing in
// for a commit whose aggregate refresh failed mid-pass.
type markingStore struct {
	*flakyStore
	onList func()
}

func (m *markingStore) ListOfferIDs(ctx context.Context) ([]string, error) {
	if m.onList != nil {
		m.onList()
	}
	return m.flakyStore.ListOfferIDs(ctx)
}

func TestReconcileAll_KeepsKeysMarkedDuringPass(t *testing.T) {
	ctx := context.Background()
	store := &markingStore{flakyStore: setupStore(t, testOffer())}
	rc := NewReconciler(store, zerolog.Nop(), 2)

	before := Key{Kind: MerchantAggregate, ID: "m1"}
	during := Key{Kind: StudentAggregate, ID: "s9"}
	rc.MarkDirty(before)
	store.onList = func() { rc.MarkDirty(during) }

	if _, err := rc.ReconcileAll(ctx); err != nil {
		t.Fatalf("ReconcileAll failed: %v", err)
	}
	pending := rc.Pending()
	if len(pending) != 1 || pending[0] != during {
		t.Errorf("Expected only %s left queued, got %v", during, pending)
	}
}
