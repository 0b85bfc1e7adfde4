package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"go-limpet/pkg/dcb"
)

// Worker dispatches one topic to one publisher. It polls the events table
// for committed events past the progress cursor, filters them through the
// topic's tag predicate, publishes them in position order, and advances the
// cursor only after the publisher reports success (at-least-once delivery).
// Exactly one worker per (topic, publisher) runs fleet-wide at a time,
// enforced by the leader elector.
type Worker struct {
	topic     string
	topicCfg  TopicConfig
	publisher Publisher
	cfg       Config

	pool     *pgxpool.Pool
	readPool *pgxpool.Pool
	progress *progressStore
	elector  *leaderElector
	backoff  *backoffController

	pollingInterval time.Duration
	instanceID      string
	clock           dcb.Clock
	logger          *zap.Logger
	metrics         *dcb.MetricsBus
}

// Run blocks, executing poll cycles until ctx is canceled. Shutdown is
// observed at cycle boundaries: an in-flight publish finishes before the
// worker releases leadership and returns ctx.Err().
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("outbox worker starting",
		zap.String("topic", w.topic),
		zap.String("publisher", w.publisher.Name()),
		zap.String("instance", w.instanceID),
		zap.Duration("polling_interval", w.pollingInterval),
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.String("mode", w.publisher.PreferredMode().String()))

	if err := w.progress.Ensure(ctx, w.topic, w.publisher.Name()); err != nil {
		return err
	}

	wait := w.pollingInterval
	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			w.logger.Info("outbox worker stopped",
				zap.String("topic", w.topic),
				zap.String("publisher", w.publisher.Name()))
			return ctx.Err()
		case <-w.clock.After(wait):
		}

		wait = w.pollingInterval
		if err := w.runCycle(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error("outbox cycle failed",
				zap.String("topic", w.topic),
				zap.String("publisher", w.publisher.Name()),
				zap.Error(err))
			if IsPublishError(err) {
				wait = w.cfg.RetryDelay()
			}
		}
	}
}

// shutdown releases leadership on a fresh context since the run context is
// already canceled.
func (w *Worker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.elector.Release(ctx)
}

// runCycle executes one poll cycle: backoff gate, leadership gate, status
// gate, fetch, publish, advance.
func (w *Worker) runCycle(ctx context.Context) error {
	if w.backoff.ShouldSkip() {
		return nil
	}

	leader, err := w.elector.TryAcquire(ctx)
	if err != nil {
		return fmt.Errorf("leader election: %w", err)
	}
	if !leader {
		return nil
	}

	row, err := w.progress.Get(ctx, w.topic, w.publisher.Name())
	if err != nil {
		return err
	}
	if row.Status != StatusActive {
		return nil
	}

	events, err := w.fetchBatch(ctx, row.LastPosition)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		w.backoff.RecordEmpty()
		w.metrics.Publish(dcb.ProcessingCycleMetric{
			Topic:     w.topic,
			Publisher: w.publisher.Name(),
		})
		return nil
	}

	published, err := w.publish(ctx, events)
	if published > 0 {
		last := events[published-1].Position
		if advErr := w.progress.Advance(ctx, w.topic, w.publisher.Name(), last, w.clock.Now()); advErr != nil {
			// Events were delivered but the cursor did not move, so the
			// next cycle redelivers them. At-least-once holds.
			w.logger.Warn("publish succeeded but cursor advance failed",
				zap.String("topic", w.topic),
				zap.String("publisher", w.publisher.Name()),
				zap.Int64("position", last),
				zap.Error(advErr))
			return advErr
		}
		w.metrics.Publish(dcb.EventsPublishedMetric{
			Publisher: w.publisher.Name(),
			Count:     published,
		})
	}
	if err != nil {
		return w.recordFailure(ctx, err)
	}

	w.backoff.RecordSuccess()

	w.logger.Debug("outbox batch published",
		zap.String("topic", w.topic),
		zap.String("publisher", w.publisher.Name()),
		zap.Int("count", published),
		zap.Int64("last_position", events[published-1].Position))
	return nil
}

// publish delivers events in the publisher's preferred mode and returns how
// many were delivered. In ONE mode a mid-batch failure still reports the
// prefix that made it out, so the cursor can advance past it.
func (w *Worker) publish(ctx context.Context, events []dcb.Event) (int, error) {
	start := w.clock.Now()
	defer func() {
		w.metrics.Publish(dcb.PublishingDurationMetric{
			Publisher: w.publisher.Name(),
			Duration:  w.clock.Now().Sub(start),
		})
	}()

	if w.publisher.PreferredMode() == PublishModeBatch {
		if err := w.publisher.PublishBatch(ctx, events); err != nil {
			return 0, newPublishError(w.publisher.Name(), err)
		}
		return len(events), nil
	}

	for i := range events {
		if err := w.publisher.PublishBatch(ctx, events[i:i+1]); err != nil {
			return i, newPublishError(w.publisher.Name(), err)
		}
	}
	return len(events), nil
}

// recordFailure bumps the progress error counters and emits the error
// metric. Past maxRetries the row flips to FAILED and the worker idles until
// an operator resumes it.
func (w *Worker) recordFailure(ctx context.Context, cause error) error {
	w.metrics.Publish(dcb.OutboxErrorMetric{Publisher: w.publisher.Name()})

	count, status, err := w.progress.RecordError(ctx, w.topic, w.publisher.Name(), cause.Error(), w.cfg.MaxRetries)
	if err != nil {
		w.logger.Error("failed to record publish error",
			zap.String("topic", w.topic),
			zap.String("publisher", w.publisher.Name()),
			zap.Error(err))
		return cause
	}

	if status == StatusFailed {
		w.logger.Error("publisher exceeded max retries, auto-paused",
			zap.String("topic", w.topic),
			zap.String("publisher", w.publisher.Name()),
			zap.Int("error_count", count),
			zap.Int("max_retries", w.cfg.MaxRetries),
			zap.Error(cause))
	} else {
		w.logger.Warn("publish failed, will retry",
			zap.String("topic", w.topic),
			zap.String("publisher", w.publisher.Name()),
			zap.Int("error_count", count),
			zap.Int("max_retries", w.cfg.MaxRetries),
			zap.Error(cause))
	}
	return cause
}

// fetchBatch reads up to BatchSize committed events past the cursor that
// match the topic predicate, in ascending position order. Reads go to the
// read pool when one is configured.
func (w *Worker) fetchBatch(ctx context.Context, after int64) ([]dcb.Event, error) {
	db := w.pool
	if w.readPool != nil {
		db = w.readPool
	}

	sql := `
		SELECT type, tags, data, position, transaction_id::text, occurred_at
		FROM events
		WHERE position > $1`
	args := []any{after}
	if pred, predArgs := topicPredicateSQL(w.topicCfg, len(args)); pred != "" {
		sql += " AND " + pred
		args = append(args, predArgs...)
	}
	sql += fmt.Sprintf(" ORDER BY position ASC LIMIT $%d", len(args)+1)
	args = append(args, w.cfg.BatchSize)

	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{
				Op:  "outbox.fetch",
				Err: err,
			},
			Resource: "events",
		}
	}
	defer rows.Close()

	var events []dcb.Event
	for rows.Next() {
		var (
			event   dcb.Event
			rawTags []string
		)
		if err := rows.Scan(&event.Type, &rawTags, &event.Data, &event.Position, &event.TransactionID, &event.OccurredAt); err != nil {
			return nil, &dcb.ResourceError{
				EventStoreError: dcb.EventStoreError{
					Op:  "outbox.fetch",
					Err: err,
				},
				Resource: "events",
			}
		}
		event.Tags = dcb.ParseTagsArray(rawTags)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{
				Op:  "outbox.fetch",
				Err: err,
			},
			Resource: "events",
		}
	}
	return events, nil
}
