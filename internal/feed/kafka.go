package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"offer-redemption-engine/internal/events"
)

// DefaultTopic receives one message per committed redemption.
const DefaultTopic = "redemptions"

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns a writer that keys messages to partitions by hash,
// so every redemption of one student lands on the same partition in order.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// KafkaPublisher forwards events to Kafka.
type KafkaPublisher struct {
	writer  MessageWriter
	timeout time.Duration
}

func NewKafkaPublisher(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w, timeout: 5 * time.Second}
}

// headerCarrier lets the propagator write trace context into message headers.
// It implements propagation.TextMapCarrier.
type headerCarrier struct {
	headers *[]kafka.Header
}

func (c headerCarrier) Get(key string) string {
	for _, h := range *c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	*c.headers = append(*c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}

// HandleEvent is an events.Handler. Redemptions are keyed by student id and
// offer changes by merchant id, so each key's messages stay ordered.
func (p *KafkaPublisher) HandleEvent(ctx context.Context, e events.Event) error {
	var key, subject string
	switch data := e.Data.(type) {
	case events.RedemptionCommittedData:
		key, subject = data.Transaction.StudentID, "transaction "+data.Transaction.ID
	case events.OfferUpsertedData:
		key, subject = data.Offer.MerchantID, "offer "+data.Offer.ID
	default:
		return nil
	}

	value, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{headers: &msg.Headers})

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "publish %s", subject)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
