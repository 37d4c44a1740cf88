package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"offer-redemption-engine/internal/metrics"
	"offer-redemption-engine/internal/models"
)

// AggregateKind names one of the denormalized totals.
type AggregateKind string

const (
	StudentAggregate  AggregateKind = "student"
	MerchantAggregate AggregateKind = "merchant"
	OfferAggregate    AggregateKind = "offer"
)

// Key identifies one aggregate row.
type Key struct {
	Kind AggregateKind
	ID   string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Kind, k.ID)
}

func keysFor(txn models.Transaction) []Key {
	return []Key{
		{Kind: StudentAggregate, ID: txn.StudentID},
		{Kind: MerchantAggregate, ID: txn.MerchantID},
		{Kind: OfferAggregate, ID: txn.OfferID},
	}
}

func refresh(ctx context.Context, store AggregateStore, key Key) error {
	switch key.Kind {
	case StudentAggregate:
		return store.RefreshStudentAggregates(ctx, key.ID)
	case MerchantAggregate:
		return store.RefreshMerchantAggregates(ctx, key.ID)
	case OfferAggregate:
		return store.RefreshOfferAggregates(ctx, key.ID)
	default:
		return errors.Errorf("unknown aggregate kind %q", key.Kind)
	}
}

// ReconcileStore is what a full reconciliation pass needs.
type ReconcileStore interface {
	AggregateStore
	ListStudentIDs(ctx context.Context) ([]string, error)
	ListMerchantIDs(ctx context.Context) ([]string, error)
	ListOfferIDs(ctx context.Context) ([]string, error)
}

// Reconciler re-derives aggregates that the recorder could not refresh.
// Since every refresh recomputes from the ledger, replaying a key any
// number of times converges on the same totals.
type Reconciler struct {
	store       ReconcileStore
	logger      zerolog.Logger
	concurrency int

	mu    sync.Mutex
	dirty map[Key]struct{}
}

func NewReconciler(store ReconcileStore, logger zerolog.Logger, concurrency int) *Reconciler {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Reconciler{
		store:       store,
		logger:      logger,
		concurrency: concurrency,
		dirty:       make(map[Key]struct{}),
	}
}

// MarkDirty queues key for the next Flush.
func (rc *Reconciler) MarkDirty(key Key) {
	rc.mu.Lock()
	rc.dirty[key] = struct{}{}
	n := len(rc.dirty)
	rc.mu.Unlock()
	metrics.ReconcilePending.Set(float64(n))
}

// Pending returns the queued keys in a stable order.
func (rc *Reconciler) Pending() []Key {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	keys := make([]Key, 0, len(rc.dirty))
	for k := range rc.dirty {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

func (rc *Reconciler) take() []Key {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	keys := make([]Key, 0, len(rc.dirty))
	for k := range rc.dirty {
		keys = append(keys, k)
	}
	rc.dirty = make(map[Key]struct{})
	metrics.ReconcilePending.Set(0)
	return keys
}

// Flush refreshes every queued key. Keys that fail again are re-queued and
// the first error is returned.
func (rc *Reconciler) Flush(ctx context.Context) error {
	keys := rc.take()
	if len(keys) == 0 {
		return nil
	}

	var (
		mu       sync.Mutex
		firstErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rc.concurrency)
	for _, key := range keys {
		g.Go(func() error {
			if err := refresh(gctx, rc.store, key); err != nil {
				rc.MarkDirty(key)
				mu.Lock()
				if firstErr == nil {
					firstErr = errors.Wrapf(err, "reconcile %s", key)
				}
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	if firstErr == nil {
		rc.logger.Info().Int("aggregates", len(keys)).Msg("reconciled pending aggregates")
	}
	return firstErr
}

// ReconcileAll recomputes every aggregate in the store.
func (rc *Reconciler) ReconcileAll(ctx context.Context) (int, error) {
	lists := []struct {
		kind AggregateKind
		list func(context.Context) ([]string, error)
	}{
		{StudentAggregate, rc.store.ListStudentIDs},
		{MerchantAggregate, rc.store.ListMerchantIDs},
		{OfferAggregate, rc.store.ListOfferIDs},
	}

	// Keys marked while the pass runs may describe writes it did not see.
	pending := rc.Pending()

	var keys []Key
	for _, l := range lists {
		ids, err := l.list(ctx)
		if err != nil {
			return 0, errors.Wrapf(err, "list %s ids", l.kind)
		}
		for _, id := range ids {
			keys = append(keys, Key{Kind: l.kind, ID: id})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rc.concurrency)
	for _, key := range keys {
		g.Go(func() error {
			return errors.Wrapf(refresh(gctx, rc.store, key), "reconcile %s", key)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	rc.forget(pending)
	return len(keys), nil
}

// forget drops keys from the queue, leaving any marked since they were read.
func (rc *Reconciler) forget(keys []Key) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	for _, k := range keys {
		delete(rc.dirty, k)
	}
	metrics.ReconcilePending.Set(float64(len(rc.dirty)))
}

// Run flushes the queue every interval until ctx is cancelled.
func (rc *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rc.Flush(ctx); err != nil {
				rc.logger.Warn().Err(err).Int("pending", len(rc.Pending())).Msg("reconciliation incomplete")
			}
		}
	}
}
