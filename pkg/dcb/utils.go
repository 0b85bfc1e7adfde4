package dcb

import (
	"context"
	"fmt"
)

// TruncateEvents truncates the events and commands tables and resets the
// position sequence. This is intended for testing and benchmarking only.
func TruncateEvents(ctx context.Context, store EventStore) error {
	// Type assert to get access to the underlying pool
	// This is safe because we control the implementation
	es, ok := store.(*eventStore)
	if !ok {
		return fmt.Errorf("store is not the expected implementation type")
	}

	_, err := es.pool.Exec(ctx, "TRUNCATE TABLE events, commands RESTART IDENTITY CASCADE")
	if err != nil {
		return fmt.Errorf("failed to truncate events table: %w", err)
	}

	return nil
}

// ResetOutboxProgress clears all outbox publisher progress rows. Tests use
// this together with TruncateEvents to reset dispatch state between runs.
func ResetOutboxProgress(ctx context.Context, store EventStore) error {
	es, ok := store.(*eventStore)
	if !ok {
		return fmt.Errorf("store is not the expected implementation type")
	}

	_, err := es.pool.Exec(ctx, "TRUNCATE TABLE outbox_topic_progress")
	if err != nil {
		return fmt.Errorf("failed to truncate outbox progress table: %w", err)
	}

	return nil
}
