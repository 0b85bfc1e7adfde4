package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go-limpet/pkg/dcb"
)

// Progress row statuses.
const (
	StatusActive = "ACTIVE"
	StatusPaused = "PAUSED"
	StatusFailed = "FAILED"
)

// ErrProgressNotFound marks lookups of (topic, publisher) pairs that have no
// progress row. Wrapped inside the returned ResourceError.
var ErrProgressNotFound = errors.New("outbox progress row not found")

// Progress is one row of outbox_topic_progress: the dispatch state for a
// (topic, publisher) pair.
type Progress struct {
	Topic           string     `json:"topic"`
	Publisher       string     `json:"publisher"`
	LastPosition    int64      `json:"last_position"`
	LastPublishedAt *time.Time `json:"last_published_at,omitempty"`
	Status          string     `json:"status"`
	ErrorCount      int        `json:"error_count"`
	LastError       *string    `json:"last_error,omitempty"`
	LeaderInstance  *string    `json:"leader_instance,omitempty"`
	LeaderSince     *time.Time `json:"leader_since,omitempty"`
	LeaderHeartbeat *time.Time `json:"leader_heartbeat,omitempty"`
}

// progressStore mediates all access to outbox_topic_progress.
type progressStore struct {
	pool *pgxpool.Pool
}

func newProgressStore(pool *pgxpool.Pool) *progressStore {
	return &progressStore{pool: pool}
}

// Ensure creates the progress row if it does not exist yet. New rows start
// ACTIVE at position 0.
func (s *progressStore) Ensure(ctx context.Context, topic, publisher string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO outbox_topic_progress (topic, publisher)
		VALUES ($1, $2)
		ON CONFLICT (topic, publisher) DO NOTHING
	`, topic, publisher)
	if err != nil {
		return &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{
				Op:  "outbox.progress.ensure",
				Err: err,
			},
			Resource: "outbox_topic_progress",
		}
	}
	return nil
}

// Get returns the progress row, or a ResourceError when it does not exist.
func (s *progressStore) Get(ctx context.Context, topic, publisher string) (Progress, error) {
	var p Progress
	err := s.pool.QueryRow(ctx, `
		SELECT topic, publisher, last_position, last_published_at, status,
		       error_count, last_error, leader_instance, leader_since, leader_heartbeat
		FROM outbox_topic_progress
		WHERE topic = $1 AND publisher = $2
	`, topic, publisher).Scan(
		&p.Topic, &p.Publisher, &p.LastPosition, &p.LastPublishedAt, &p.Status,
		&p.ErrorCount, &p.LastError, &p.LeaderInstance, &p.LeaderSince, &p.LeaderHeartbeat,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Progress{}, &dcb.ResourceError{
				EventStoreError: dcb.EventStoreError{
					Op:  "outbox.progress.get",
					Err: fmt.Errorf("%w: topic %q publisher %q", ErrProgressNotFound, topic, publisher),
				},
				Resource: "outbox_topic_progress",
			}
		}
		return Progress{}, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{
				Op:  "outbox.progress.get",
				Err: err,
			},
			Resource: "outbox_topic_progress",
		}
	}
	return p, nil
}

// Advance moves last_position forward after a successful publish and clears
// the error counters. The position guard keeps the cursor monotonic even if
// a stale worker races a failover.
func (s *progressStore) Advance(ctx context.Context, topic, publisher string, position int64, publishedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_topic_progress
		SET last_position = $3,
		    last_published_at = $4,
		    error_count = 0,
		    last_error = NULL
		WHERE topic = $1 AND publisher = $2 AND last_position < $3
	`, topic, publisher, position, publishedAt)
	if err != nil {
		return &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{
				Op:  "outbox.progress.advance",
				Err: err,
			},
			Resource: "outbox_topic_progress",
		}
	}
	if tag.RowsAffected() == 0 {
		return &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{
				Op:  "outbox.progress.advance",
				Err: fmt.Errorf("position %d for topic %q publisher %q not advanced (row missing or cursor already past it)", position, topic, publisher),
			},
			Resource: "outbox_topic_progress",
		}
	}
	return nil
}

// RecordError bumps error_count and stores the message. Once the count
// exceeds maxRetries the row flips to FAILED, which pauses the worker until
// an operator resumes it. Returns the new count and status.
func (s *progressStore) RecordError(ctx context.Context, topic, publisher, message string, maxRetries int) (int, string, error) {
	var count int
	var status string
	err := s.pool.QueryRow(ctx, `
		UPDATE outbox_topic_progress
		SET error_count = error_count + 1,
		    last_error = $3,
		    status = CASE
		        WHEN status = 'ACTIVE' AND error_count + 1 > $4 THEN 'FAILED'
		        ELSE status
		    END
		WHERE topic = $1 AND publisher = $2
		RETURNING error_count, status
	`, topic, publisher, message, maxRetries).Scan(&count, &status)
	if err != nil {
		return 0, "", &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{
				Op:  "outbox.progress.record_error",
				Err: err,
			},
			Resource: "outbox_topic_progress",
		}
	}
	return count, status, nil
}

// Pause transitions ACTIVE to PAUSED. Pausing an already paused or failed
// row is a no-op. Returns the row after the transition.
func (s *progressStore) Pause(ctx context.Context, topic, publisher string) (Progress, error) {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_topic_progress
		SET status = 'PAUSED'
		WHERE topic = $1 AND publisher = $2 AND status = 'ACTIVE'
	`, topic, publisher)
	if err != nil {
		return Progress{}, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{
				Op:  "outbox.progress.pause",
				Err: err,
			},
			Resource: "outbox_topic_progress",
		}
	}
	return s.Get(ctx, topic, publisher)
}

// Resume transitions PAUSED or FAILED back to ACTIVE and clears the error
// counters. Resuming an ACTIVE row is a no-op.
func (s *progressStore) Resume(ctx context.Context, topic, publisher string) (Progress, error) {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_topic_progress
		SET status = 'ACTIVE',
		    error_count = 0,
		    last_error = NULL
		WHERE topic = $1 AND publisher = $2 AND status IN ('PAUSED', 'FAILED')
	`, topic, publisher)
	if err != nil {
		return Progress{}, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{
				Op:  "outbox.progress.resume",
				Err: err,
			},
			Resource: "outbox_topic_progress",
		}
	}
	return s.Get(ctx, topic, publisher)
}

// Reset forces the row to ACTIVE from any status and clears the error
// counters, keeping last_position untouched. Recovery hammer for rows stuck
// on persistent publisher errors.
func (s *progressStore) Reset(ctx context.Context, topic, publisher string) (Progress, error) {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_topic_progress
		SET status = 'ACTIVE',
		    error_count = 0,
		    last_error = NULL
		WHERE topic = $1 AND publisher = $2
	`, topic, publisher)
	if err != nil {
		return Progress{}, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{
				Op:  "outbox.progress.reset",
				Err: err,
			},
			Resource: "outbox_topic_progress",
		}
	}
	return s.Get(ctx, topic, publisher)
}

// SetLeader records this instance as the row's leader.
func (s *progressStore) SetLeader(ctx context.Context, topic, publisher, instanceID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_topic_progress
		SET leader_instance = $3,
		    leader_since = $4,
		    leader_heartbeat = $4
		WHERE topic = $1 AND publisher = $2
	`, topic, publisher, instanceID, now)
	return err
}

// Heartbeat refreshes leader_heartbeat while this instance holds the lock.
func (s *progressStore) Heartbeat(ctx context.Context, topic, publisher, instanceID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_topic_progress
		SET leader_heartbeat = $4
		WHERE topic = $1 AND publisher = $2 AND leader_instance = $3
	`, topic, publisher, instanceID, now)
	return err
}

// ClearLeader drops the leader columns if this instance still owns them.
func (s *progressStore) ClearLeader(ctx context.Context, topic, publisher, instanceID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_topic_progress
		SET leader_instance = NULL,
		    leader_since = NULL,
		    leader_heartbeat = NULL
		WHERE topic = $1 AND publisher = $2 AND leader_instance = $3
	`, topic, publisher, instanceID)
	return err
}

// Lag returns how many positions the publisher trails the head of the events
// table. Zero when fully caught up.
func (s *progressStore) Lag(ctx context.Context, topic, publisher string) (int64, error) {
	var lag int64
	err := s.pool.QueryRow(ctx, `
		SELECT GREATEST(COALESCE((SELECT MAX(position) FROM events), 0) - p.last_position, 0)
		FROM outbox_topic_progress p
		WHERE p.topic = $1 AND p.publisher = $2
	`, topic, publisher).Scan(&lag)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, &dcb.ResourceError{
				EventStoreError: dcb.EventStoreError{
					Op:  "outbox.progress.lag",
					Err: fmt.Errorf("%w: topic %q publisher %q", ErrProgressNotFound, topic, publisher),
				},
				Resource: "outbox_topic_progress",
			}
		}
		return 0, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{
				Op:  "outbox.progress.lag",
				Err: err,
			},
			Resource: "outbox_topic_progress",
		}
	}
	return lag, nil
}
