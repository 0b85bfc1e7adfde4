package outbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go-limpet/pkg/dcb"
)

// Options assembles an Outbox fleet.
type Options struct {
	// Pool is the write connection pool. Required.
	Pool *pgxpool.Pool

	// ReadPool, when set, serves event fetches (for example a replica).
	// Progress rows and leader locks always use Pool.
	ReadPool *pgxpool.Pool

	// Publishers maps publisher name to implementation. Every publisher
	// named in Config.Topics must be present.
	Publishers map[string]Publisher

	// Config tunes polling, batching, retries, backoff, and topics.
	Config Config

	// InstanceID identifies this process in leader election. Defaults to
	// a random UUID.
	InstanceID string

	// Clock defaults to dcb.SystemClock; tests inject a fake.
	Clock dcb.Clock

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// Metrics receives the outbox metric events. Optional.
	Metrics *dcb.MetricsBus
}

// Outbox runs one worker per (topic, publisher) pair under leader election.
type Outbox struct {
	workers    []*Worker
	publishers map[string]Publisher
	manager    *Manager
	logger     *zap.Logger
	instanceID string
	enabled    bool
}

// New validates the options and builds the worker fleet. The fleet does not
// touch the database until Start.
func New(opts Options) (*Outbox, error) {
	if opts.Pool == nil {
		return nil, fmt.Errorf("outbox: pool is required")
	}
	opts.Config.ApplyDefaults()
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.Clock == nil {
		opts.Clock = dcb.SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	progress := newProgressStore(opts.Pool)
	o := &Outbox{
		publishers: opts.Publishers,
		manager:    NewManager(opts.Pool, opts.Logger),
		logger:     opts.Logger,
		instanceID: opts.InstanceID,
		enabled:    opts.Config.Enabled,
	}

	if !opts.Config.Enabled {
		return o, nil
	}

	for topicName, topicCfg := range opts.Config.Topics {
		for _, publisherName := range topicCfg.Publishers {
			publisher, ok := opts.Publishers[publisherName]
			if !ok {
				return nil, fmt.Errorf("outbox: topic %q names unknown publisher %q", topicName, publisherName)
			}
			o.workers = append(o.workers, &Worker{
				topic:           topicName,
				topicCfg:        topicCfg,
				publisher:       publisher,
				cfg:             opts.Config,
				pool:            opts.Pool,
				readPool:        opts.ReadPool,
				progress:        progress,
				elector:         newLeaderElector(opts.Pool, progress, topicName, publisherName, opts.InstanceID, opts.Clock, opts.Logger, opts.Metrics),
				backoff:         newBackoffController(opts.Config.Backoff, opts.Config.PollingIntervalMs),
				pollingInterval: opts.Config.PollingInterval(topicName, publisherName),
				instanceID:      opts.InstanceID,
				clock:           opts.Clock,
				logger:          opts.Logger,
				metrics:         opts.Metrics,
			})
		}
	}
	return o, nil
}

// Start runs every worker until ctx is canceled, then closes the publishers.
// It blocks and returns ctx.Err() after a clean shutdown. A disabled or
// empty fleet waits for cancellation so callers can treat both cases alike.
func (o *Outbox) Start(ctx context.Context) error {
	if !o.enabled || len(o.workers) == 0 {
		o.logger.Info("outbox disabled or no topics configured")
		<-ctx.Done()
		return ctx.Err()
	}

	o.logger.Info("outbox starting",
		zap.String("instance", o.instanceID),
		zap.Int("workers", len(o.workers)))

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range o.workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	err := g.Wait()

	for name, p := range o.publishers {
		if closeErr := p.Close(); closeErr != nil {
			o.logger.Warn("publisher close failed",
				zap.String("publisher", name),
				zap.Error(closeErr))
		}
	}
	o.logger.Info("outbox stopped", zap.String("instance", o.instanceID))
	return err
}

// Manager returns the operational surface over the progress table.
func (o *Outbox) Manager() *Manager {
	return o.manager
}

// InstanceID returns the identity used in leader election.
func (o *Outbox) InstanceID() string {
	return o.instanceID
}
