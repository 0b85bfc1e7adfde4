package outbox

import (
	"context"
	"errors"

	"go-limpet/pkg/dcb"
)

// PublishMode declares how a publisher prefers to receive events.
type PublishMode int

const (
	// PublishModeBatch delivers each fetched batch in one call.
	PublishModeBatch PublishMode = iota
	// PublishModeOne delivers events one call at a time, advancing the
	// cursor past each delivered event so a mid-batch failure loses no
	// progress.
	PublishModeOne
)

func (m PublishMode) String() string {
	switch m {
	case PublishModeBatch:
		return "BATCH"
	case PublishModeOne:
		return "ONE"
	default:
		return "UNKNOWN"
	}
}

// Publisher delivers committed events to an external sink. Delivery is
// at-least-once: a publisher must tolerate seeing the same event again
// after a crash or failover.
type Publisher interface {
	// Name identifies the publisher in progress rows, metrics, and the
	// management API.
	Name() string

	// PreferredMode selects batch or one-by-one delivery.
	PreferredMode() PublishMode

	// PublishBatch delivers the events in order. In ONE mode the worker
	// calls it with single-event slices.
	PublishBatch(ctx context.Context, events []dcb.Event) error

	// IsHealthy reports whether the sink is currently reachable.
	IsHealthy(ctx context.Context) bool

	// Close releases sink resources.
	Close() error
}

// PublishError wraps a publisher failure. The worker counts these against
// maxRetries; everything else (fetch errors, progress errors) retries on the
// normal polling interval.
type PublishError struct {
	dcb.EventStoreError
	Publisher string
}

func newPublishError(publisher string, err error) *PublishError {
	return &PublishError{
		EventStoreError: dcb.EventStoreError{
			Op:  "outbox.publish",
			Err: err,
		},
		Publisher: publisher,
	}
}

// IsPublishError reports whether err is a publisher failure.
func IsPublishError(err error) bool {
	var publishErr *PublishError
	return errors.As(err, &publishErr)
}

// GetPublishError extracts the PublishError from err, if any.
func GetPublishError(err error) *PublishError {
	var publishErr *PublishError
	if errors.As(err, &publishErr) {
		return publishErr
	}
	return nil
}
