package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Manager is the operational surface over the progress table: pause, resume,
// reset, status, and lag per (topic, publisher). Workers honor status changes
// at the start of their next cycle; pausing never interrupts a publish in
// flight.
type Manager struct {
	progress *progressStore
	logger   *zap.Logger
}

// NewManager builds a Manager over the pool holding outbox_topic_progress.
func NewManager(pool *pgxpool.Pool, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		progress: newProgressStore(pool),
		logger:   logger,
	}
}

// Pause stops dispatch for the pair: ACTIVE -> PAUSED. Idempotent.
func (m *Manager) Pause(ctx context.Context, topic, publisher string) (Progress, error) {
	row, err := m.progress.Pause(ctx, topic, publisher)
	if err != nil {
		return Progress{}, err
	}
	m.logger.Info("outbox publisher paused",
		zap.String("topic", topic),
		zap.String("publisher", publisher),
		zap.String("status", row.Status))
	return row, nil
}

// Resume restarts dispatch: PAUSED|FAILED -> ACTIVE, clearing error state.
func (m *Manager) Resume(ctx context.Context, topic, publisher string) (Progress, error) {
	row, err := m.progress.Resume(ctx, topic, publisher)
	if err != nil {
		return Progress{}, err
	}
	m.logger.Info("outbox publisher resumed",
		zap.String("topic", topic),
		zap.String("publisher", publisher),
		zap.String("status", row.Status))
	return row, nil
}

// Reset forces ACTIVE from any status and clears error state while keeping
// last_position, for recovering rows wedged on persistent publisher errors.
func (m *Manager) Reset(ctx context.Context, topic, publisher string) (Progress, error) {
	row, err := m.progress.Reset(ctx, topic, publisher)
	if err != nil {
		return Progress{}, err
	}
	m.logger.Info("outbox publisher reset",
		zap.String("topic", topic),
		zap.String("publisher", publisher),
		zap.Int64("last_position", row.LastPosition))
	return row, nil
}

// Status returns the progress row for the pair.
func (m *Manager) Status(ctx context.Context, topic, publisher string) (Progress, error) {
	return m.progress.Get(ctx, topic, publisher)
}

// Lag returns how many event positions the publisher trails the stream head.
func (m *Manager) Lag(ctx context.Context, topic, publisher string) (int64, error) {
	return m.progress.Lag(ctx, topic, publisher)
}
