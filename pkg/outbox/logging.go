package outbox

import (
	"context"

	"go.uber.org/zap"

	"go-limpet/pkg/dcb"
)

// LoggingPublisher writes events to a zap logger instead of an external
// sink. Useful for local runs and as the crash-test double in integration
// tests; production deployments pair topics with the Kafka publisher.
type LoggingPublisher struct {
	name   string
	logger *zap.Logger
}

// NewLoggingPublisher constructs a LoggingPublisher with the given name,
// defaulting to "log".
func NewLoggingPublisher(name string, logger *zap.Logger) *LoggingPublisher {
	if name == "" {
		name = "log"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingPublisher{name: name, logger: logger}
}

// Name implements Publisher.
func (p *LoggingPublisher) Name() string { return p.name }

// PreferredMode implements Publisher.
func (p *LoggingPublisher) PreferredMode() PublishMode { return PublishModeBatch }

// PublishBatch logs each event at info level.
func (p *LoggingPublisher) PublishBatch(ctx context.Context, events []dcb.Event) error {
	for _, event := range events {
		p.logger.Info("event published",
			zap.String("publisher", p.name),
			zap.String("type", event.Type),
			zap.Strings("tags", dcb.TagsToArray(event.Tags)),
			zap.Int64("position", event.Position),
			zap.String("transaction_id", event.TransactionID),
			zap.Time("occurred_at", event.OccurredAt))
	}
	return nil
}

// IsHealthy implements Publisher; a logger is always reachable.
func (p *LoggingPublisher) IsHealthy(ctx context.Context) bool { return true }

// Close implements Publisher.
func (p *LoggingPublisher) Close() error {
	_ = p.logger.Sync()
	return nil
}
