package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"go-limpet/pkg/dcb"
)

// KafkaPublisherConfig configures a KafkaPublisher.
type KafkaPublisherConfig struct {
	// Name identifies this publisher in progress rows and metrics.
	// Defaults to "kafka".
	Name string

	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// Topic is the Kafka topic written to.
	Topic string

	// BatchTimeout is how long the writer buffers before flushing.
	// Defaults to 10ms.
	BatchTimeout time.Duration

	// WriteTimeout is the per-call timeout for WriteMessages.
	// Defaults to 10s.
	WriteTimeout time.Duration

	// Balancer decides partition selection. If nil, a Hash balancer is
	// used: messages with the same key land on the same partition, which
	// preserves per-entity ordering.
	Balancer kafka.Balancer
}

// KafkaPublisher delivers events to a Kafka topic via segmentio/kafka-go.
// It prefers batch mode: one WriteMessages call per fetched batch, waiting
// for the broker ack so the cursor advances only for durable messages.
type KafkaPublisher struct {
	name   string
	writer *kafka.Writer

	mu     sync.Mutex
	closed bool
}

// EventEnvelope is the wire form of an event on Kafka. Data carries the
// payload bytes, base64-encoded by encoding/json; payloads are opaque here
// so no JSON shape is assumed.
type EventEnvelope struct {
	Type          string    `json:"type"`
	Tags          []string  `json:"tags"`
	Data          []byte    `json:"data"`
	Position      int64     `json:"position"`
	TransactionID string    `json:"transaction_id"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// NewKafkaPublisher constructs a KafkaPublisher.
func NewKafkaPublisher(cfg KafkaPublisherConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka publisher: topic required")
	}
	if cfg.Name == "" {
		cfg.Name = "kafka"
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Balancer == nil {
		cfg.Balancer = &kafka.Hash{}
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     cfg.Balancer,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
		// Async=false so WriteMessages returns only after the batch is
		// acknowledged; at-least-once depends on it.
		Async: false,
	}

	return &KafkaPublisher{name: cfg.Name, writer: w}, nil
}

// Name implements Publisher.
func (p *KafkaPublisher) Name() string { return p.name }

// PreferredMode implements Publisher.
func (p *KafkaPublisher) PreferredMode() PublishMode { return PublishModeBatch }

// PublishBatch writes the events as one Kafka batch. The message key is the
// event's sorted tag set, so all events touching the same entities share a
// partition and keep their relative order.
func (p *KafkaPublisher) PublishBatch(ctx context.Context, events []dcb.Event) error {
	if len(events) == 0 {
		return nil
	}

	messages := make([]kafka.Message, len(events))
	for i, event := range events {
		value, err := json.Marshal(envelopeFor(event))
		if err != nil {
			return fmt.Errorf("marshal event envelope at position %d: %w", event.Position, err)
		}
		messages[i] = kafka.Message{
			Key:   []byte(dcb.TagsToString(event.Tags)),
			Value: value,
			Time:  event.OccurredAt,
			Headers: []kafka.Header{
				{Key: "event-type", Value: []byte(event.Type)},
			},
		}
	}

	return p.writer.WriteMessages(ctx, messages...)
}

// IsHealthy reports whether the publisher can still accept writes.
func (p *KafkaPublisher) IsHealthy(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

// Close flushes and shuts down the writer.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.writer.Close()
}

func envelopeFor(event dcb.Event) EventEnvelope {
	return EventEnvelope{
		Type:          event.Type,
		Tags:          dcb.TagsToArray(event.Tags),
		Data:          event.Data,
		Position:      event.Position,
		TransactionID: event.TransactionID,
		OccurredAt:    event.OccurredAt,
	}
}
