// Package metrics exports MetricsBus events as Prometheus series. The
// collector subscribes like any other consumer; nothing in pkg/dcb or
// pkg/outbox knows Prometheus exists.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go-limpet/pkg/dcb"
)

// Collector translates typed metric events into Prometheus counters,
// histograms, and gauges.
type Collector struct {
	eventsAppended        prometheus.Counter
	eventTypes            *prometheus.CounterVec
	concurrencyViolations prometheus.Counter
	commands              *prometheus.CounterVec
	commandDuration       *prometheus.HistogramVec
	eventsPublished       *prometheus.CounterVec
	publishDuration       *prometheus.HistogramVec
	outboxErrors          *prometheus.CounterVec
	processingCycles      prometheus.Counter
	outboxLeader          *prometheus.GaugeVec
}

// NewCollector registers the series with reg and returns the collector.
// Pass prometheus.DefaultRegisterer to export via the default handler.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		eventsAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "events_appended_total",
			Help: "the number of events appended to the store",
		}),
		eventTypes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "event_types_total",
			Help: "the number of appended events by type",
		}, []string{"type"}),
		concurrencyViolations: factory.NewCounter(prometheus.CounterOpts{
			Name: "concurrency_violations_total",
			Help: "the number of conditional appends rejected by the DCB check",
		}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "commands_total",
			Help: "the number of executed commands by type and result",
		}, []string{"type", "result"}),
		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "command_duration_seconds",
			Help:    "the time spent executing commands that committed events",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "the number of events delivered by outbox publishers",
		}, []string{"publisher"}),
		publishDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "publish_duration_seconds",
			Help:    "the time spent in publisher calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"publisher"}),
		outboxErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_errors_total",
			Help: "the number of failed publish attempts",
		}, []string{"publisher"}),
		processingCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "processing_cycles_total",
			Help: "the number of outbox poll cycles that found no events",
		}),
		outboxLeader: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "outbox_leader",
			Help: "1 while the instance leads the (topic, publisher) pair",
		}, []string{"instance", "topic", "publisher"}),
	}
}

// Run consumes bus events until ctx is canceled or the bus closes. Callers
// usually run it in its own goroutine next to the promhttp handler.
func (c *Collector) Run(ctx context.Context, bus *dcb.MetricsBus) {
	events, cancel := bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			c.Observe(event)
		}
	}
}

// Observe records a single metric event.
func (c *Collector) Observe(event dcb.MetricEvent) {
	switch e := event.(type) {
	case dcb.EventsAppendedMetric:
		c.eventsAppended.Add(float64(e.Count))
	case dcb.EventTypeMetric:
		c.eventTypes.WithLabelValues(e.Type).Inc()
	case dcb.ConcurrencyViolationMetric:
		c.concurrencyViolations.Inc()
	case dcb.CommandSuccessMetric:
		c.commands.WithLabelValues(e.Type, "created").Inc()
		c.commandDuration.WithLabelValues(e.Type).Observe(e.Duration.Seconds())
	case dcb.IdempotentOperationMetric:
		c.commands.WithLabelValues(e.Type, "idempotent").Inc()
	case dcb.CommandFailureMetric:
		c.commands.WithLabelValues(e.Type, e.ErrorKind).Inc()
	case dcb.EventsPublishedMetric:
		c.eventsPublished.WithLabelValues(e.Publisher).Add(float64(e.Count))
	case dcb.PublishingDurationMetric:
		c.publishDuration.WithLabelValues(e.Publisher).Observe(e.Duration.Seconds())
	case dcb.OutboxErrorMetric:
		c.outboxErrors.WithLabelValues(e.Publisher).Inc()
	case dcb.ProcessingCycleMetric:
		c.processingCycles.Inc()
	case dcb.LeadershipMetric:
		value := 0.0
		if e.IsLeader {
			value = 1.0
		}
		c.outboxLeader.WithLabelValues(e.InstanceID, e.Topic, e.Publisher).Set(value)
	}
}
