package events

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"offer-redemption-engine/internal/models"
)

func TestManager_PublishRedemptionCommitted(t *testing.T) {
	m := NewManager(true, zerolog.Nop())

	var (
		mu  sync.Mutex
		got []models.SavingsUpdate
	)
	m.Subscribe(EventRedemptionCommitted, func(ctx context.Context, e Event) error {
		if ctx.Err() != nil {
			t.Errorf("Expected handler context to outlive the publisher, got %v", ctx.Err())
		}
		mu.Lock()
		got = append(got, e.Data.(RedemptionCommittedData).SavingsUpdate())
		mu.Unlock()
		return nil
	})
	m.Subscribe(EventRedemptionCommitted, func(context.Context, Event) error {
		return errors.New("broker down")
	})

	ctx, cancel := context.WithCancel(context.Background())
	m.PublishRedemptionCommitted(ctx,
		models.Transaction{ID: "t1", StudentID: "s1"},
		models.Student{ID: "s1", TotalSavings: decimal.NewFromInt(50), TotalRedemptions: 1},
	)
	cancel()
	m.Wait()

	if len(got) != 1 {
		t.Fatalf("Expected 1 delivery, got %d", len(got))
	}
	if got[0].TransactionID != "t1" || !got[0].TotalSavings.Equal(decimal.NewFromInt(50)) {
		t.Errorf("Unexpected update: %+v", got[0])
	}
}

func TestManager_Disabled(t *testing.T) {
	m := NewManager(false, zerolog.Nop())
	called := false
	m.Subscribe(EventOfferUpserted, func(context.Context, Event) error {
		called = true
		return nil
	})
	m.PublishOfferUpserted(context.Background(), models.Offer{ID: "o1"})
	m.Wait()
	if called {
		t.Error("Expected disabled manager to drop events")
	}
}

func TestManager_Shutdown(t *testing.T) {
	m := NewManager(true, zerolog.Nop())
	calls := 0
	m.Subscribe(EventOfferUpserted, func(context.Context, Event) error {
		calls++
		return nil
	})
	m.PublishOfferUpserted(context.Background(), models.Offer{ID: "o1"})
	m.Shutdown()
	m.PublishOfferUpserted(context.Background(), models.Offer{ID: "o2"})
	m.Wait()
	if calls != 1 {
		t.Errorf("Expected 1 call before shutdown, got %d", calls)
	}
}
