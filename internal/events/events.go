// Package events is the in-process change feed. Committed redemptions are
// published here and fanned out to subscribers such as the WebSocket hub and
// the Kafka publisher.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"offer-redemption-engine/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventRedemptionCommitted is emitted once a ledger row is durable.
	EventRedemptionCommitted EventType = "redemption.committed"
	// EventOfferUpserted is emitted when a merchant creates or edits an offer.
	EventOfferUpserted EventType = "offer.upserted"
)

// Event represents an event in the system.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// RedemptionCommittedData carries the ledger row and the student's totals
// as read back after the commit.
type RedemptionCommittedData struct {
	Transaction models.Transaction `json:"transaction"`
	Student     models.Student     `json:"student"`
}

// SavingsUpdate is the student-facing view of the event.
func (d RedemptionCommittedData) SavingsUpdate() models.SavingsUpdate {
	return models.SavingsUpdate{
		StudentID:        d.Transaction.StudentID,
		TransactionID:    d.Transaction.ID,
		TotalSavings:     d.Student.TotalSavings,
		TotalRedemptions: d.Student.TotalRedemptions,
		RedeemedAt:       d.Transaction.RedeemedAt,
	}
}

type OfferUpsertedData struct {
	Offer models.Offer `json:"offer"`
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager manages event handlers and event publishing.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  bool
	logger   zerolog.Logger
	now      func() time.Time

	wg sync.WaitGroup
}

// NewManager creates a new event manager. A disabled manager drops every
// subscription and publish.
func NewManager(enabled bool, logger zerolog.Logger) *Manager {
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
		logger:   logger,
		now:      time.Now,
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}
	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Publish hands the event to every subscriber on its own goroutine. Handlers
// outlive the publishing request, so they get a context that is never
// cancelled by it.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	m.mu.RLock()
	if !m.enabled {
		m.mu.RUnlock()
		return
	}
	handlers := append([]Handler(nil), m.handlers[eventType]...)
	m.wg.Add(len(handlers))
	m.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: m.now().UTC(),
		Data:      data,
	}

	ctx = context.WithoutCancel(ctx)
	for _, h := range handlers {
		go func(h Handler) {
			defer m.wg.Done()
			if err := h(ctx, event); err != nil {
				m.logger.Warn().Err(err).Str("event", string(event.Type)).Msg("event handler failed")
			}
		}(h)
	}
}

// PublishRedemptionCommitted publishes a committed redemption.
func (m *Manager) PublishRedemptionCommitted(ctx context.Context, txn models.Transaction, student models.Student) {
	m.Publish(ctx, EventRedemptionCommitted, RedemptionCommittedData{Transaction: txn, Student: student})
}

func (m *Manager) PublishOfferUpserted(ctx context.Context, offer models.Offer) {
	m.Publish(ctx, EventOfferUpserted, OfferUpsertedData{Offer: offer})
}

// Wait blocks until every handler started so far has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown stops accepting events and waits for running handlers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
	m.mu.Unlock()

	m.wg.Wait()
}
