package dcb

import (
	"sync"
	"time"
)

// MetricEvent is a typed instrumentation event published on the MetricsBus.
type MetricEvent interface {
	isMetricEvent()
}

type (
	// EventsAppendedMetric reports a successful append of Count events.
	EventsAppendedMetric struct {
		Count int
	}

	// EventTypeMetric reports one appended event of the given type.
	EventTypeMetric struct {
		Type string
	}

	// ConcurrencyViolationMetric reports a rejected conditional append.
	ConcurrencyViolationMetric struct{}

	// CommandStartedMetric reports a command entering execution.
	CommandStartedMetric struct {
		Type string
	}

	// CommandSuccessMetric reports a command that committed events.
	CommandSuccessMetric struct {
		Type     string
		Duration time.Duration
	}

	// CommandFailureMetric reports a failed command and the error kind.
	CommandFailureMetric struct {
		Type      string
		ErrorKind string
	}

	// IdempotentOperationMetric reports a command that was a no-op replay.
	IdempotentOperationMetric struct {
		Type string
	}

	// EventsPublishedMetric reports events delivered by an outbox publisher.
	EventsPublishedMetric struct {
		Publisher string
		Count     int
	}

	// PublishingDurationMetric reports the duration of one publish call.
	PublishingDurationMetric struct {
		Publisher string
		Duration  time.Duration
	}

	// OutboxErrorMetric reports a failed publish attempt.
	OutboxErrorMetric struct {
		Publisher string
	}

	// ProcessingCycleMetric reports one completed outbox worker cycle.
	ProcessingCycleMetric struct {
		Topic     string
		Publisher string
	}

	// LeadershipMetric reports a leadership transition for an instance.
	LeadershipMetric struct {
		InstanceID string
		Topic      string
		Publisher  string
		IsLeader   bool
	}
)

func (EventsAppendedMetric) isMetricEvent()       {}
func (EventTypeMetric) isMetricEvent()            {}
func (ConcurrencyViolationMetric) isMetricEvent() {}
func (CommandStartedMetric) isMetricEvent()       {}
func (CommandSuccessMetric) isMetricEvent()       {}
func (CommandFailureMetric) isMetricEvent()       {}
func (IdempotentOperationMetric) isMetricEvent()  {}
func (EventsPublishedMetric) isMetricEvent()      {}
func (PublishingDurationMetric) isMetricEvent()   {}
func (OutboxErrorMetric) isMetricEvent()          {}
func (ProcessingCycleMetric) isMetricEvent()      {}
func (LeadershipMetric) isMetricEvent()           {}

const defaultMetricsBuffer = 256

// MetricsBus is an in-process broadcast channel for MetricEvents. It is
// created at bootstrap and handed to components through their configs;
// there is no global instance. Publishing never blocks: when a subscriber
// buffer is full the event is dropped for that subscriber. Metrics are
// advisory and lossy by contract; correctness never depends on them.
type MetricsBus struct {
	mu     sync.RWMutex
	subs   map[int]chan MetricEvent
	nextID int
	buffer int
	closed bool
}

// NewMetricsBus creates a bus with the default per-subscriber buffer.
func NewMetricsBus() *MetricsBus {
	return NewMetricsBusWithBuffer(defaultMetricsBuffer)
}

// NewMetricsBusWithBuffer creates a bus with the given per-subscriber
// buffer size.
func NewMetricsBusWithBuffer(buffer int) *MetricsBus {
	if buffer <= 0 {
		buffer = defaultMetricsBuffer
	}
	return &MetricsBus{
		subs:   make(map[int]chan MetricEvent),
		buffer: buffer,
	}
}

// Publish delivers the event to every subscriber without blocking.
// Publishing on a nil bus is a no-op, so instrumented code does not need
// to check whether metrics are wired.
func (b *MetricsBus) Publish(event MetricEvent) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a consumer and returns its channel plus a cancel
// function. Cancel must be called when the consumer stops; it closes the
// channel.
func (b *MetricsBus) Subscribe() (<-chan MetricEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan MetricEvent, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close shuts the bus down and closes all subscriber channels.
func (b *MetricsBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
