package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"go-limpet/pkg/dcb"
)

// Heartbeat cadence and the staleness window derived from it. Staleness is
// informational: the advisory lock alone decides leadership.
const (
	defaultHeartbeatInterval = 5 * time.Second
	staleHeartbeatFactor     = 3
)

// leaderElector holds a session-scoped advisory lock for one (topic,
// publisher) pair. The lock lives on a dedicated pooled connection: when the
// process or connection dies, PostgreSQL releases the lock and another
// instance can take over. While leading, a goroutine refreshes
// leader_heartbeat on the progress row so operators can see liveness.
type leaderElector struct {
	pool       *pgxpool.Pool
	progress   *progressStore
	topic      string
	publisher  string
	instanceID string
	clock      dcb.Clock
	logger     *zap.Logger
	metrics    *dcb.MetricsBus
	interval   time.Duration

	mu     sync.Mutex
	conn   *pgxpool.Conn
	hbStop context.CancelFunc
	hbDone chan struct{}
}

func newLeaderElector(pool *pgxpool.Pool, progress *progressStore, topic, publisher, instanceID string, clk dcb.Clock, logger *zap.Logger, metrics *dcb.MetricsBus) *leaderElector {
	return &leaderElector{
		pool:       pool,
		progress:   progress,
		topic:      topic,
		publisher:  publisher,
		instanceID: instanceID,
		clock:      clk,
		logger:     logger,
		metrics:    metrics,
		interval:   defaultHeartbeatInterval,
	}
}

func (l *leaderElector) lockName() string {
	return fmt.Sprintf("outbox/%s/%s", l.topic, l.publisher)
}

// IsLeader reports whether this elector currently holds the lock.
func (l *leaderElector) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// TryAcquire attempts to take (or confirm) leadership. When already leading
// it pings the lock connection first: a dead connection means the lock is
// gone, so leadership is dropped before re-attempting.
func (l *leaderElector) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		if err := l.conn.Ping(ctx); err == nil {
			return true, nil
		}
		l.logger.Warn("leader lock connection lost, dropping leadership",
			zap.String("topic", l.topic),
			zap.String("publisher", l.publisher),
			zap.String("instance", l.instanceID))
		l.releaseLocked(ctx)
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire leader connection: %w", err)
	}

	var acquired bool
	err = conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtextextended($1, 0))", l.lockName()).Scan(&acquired)
	if err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		l.observeIncumbent(ctx)
		return false, nil
	}

	l.conn = conn
	now := l.clock.Now()
	if err := l.progress.SetLeader(ctx, l.topic, l.publisher, l.instanceID, now); err != nil {
		l.logger.Warn("failed to record leader on progress row",
			zap.String("topic", l.topic),
			zap.String("publisher", l.publisher),
			zap.Error(err))
	}
	l.startHeartbeat()

	l.metrics.Publish(dcb.LeadershipMetric{
		InstanceID: l.instanceID,
		Topic:      l.topic,
		Publisher:  l.publisher,
		IsLeader:   true,
	})
	l.logger.Info("leadership acquired",
		zap.String("topic", l.topic),
		zap.String("publisher", l.publisher),
		zap.String("instance", l.instanceID))
	return true, nil
}

// Release drops the lock, the heartbeat, and the dedicated connection.
func (l *leaderElector) Release(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return
	}
	l.releaseLocked(ctx)
	l.logger.Info("leadership released",
		zap.String("topic", l.topic),
		zap.String("publisher", l.publisher),
		zap.String("instance", l.instanceID))
}

// releaseLocked must run with l.mu held.
func (l *leaderElector) releaseLocked(ctx context.Context) {
	if l.hbStop != nil {
		l.hbStop()
		<-l.hbDone
		l.hbStop = nil
		l.hbDone = nil
	}

	if err := l.progress.ClearLeader(ctx, l.topic, l.publisher, l.instanceID); err != nil {
		l.logger.Warn("failed to clear leader columns",
			zap.String("topic", l.topic),
			zap.String("publisher", l.publisher),
			zap.Error(err))
	}
	if _, err := l.conn.Exec(ctx, "SELECT pg_advisory_unlock(hashtextextended($1, 0))", l.lockName()); err != nil {
		// The connection is released either way; a broken session drops
		// the lock on its own.
		l.logger.Warn("advisory unlock failed",
			zap.String("topic", l.topic),
			zap.String("publisher", l.publisher),
			zap.Error(err))
	}
	l.conn.Release()
	l.conn = nil

	l.metrics.Publish(dcb.LeadershipMetric{
		InstanceID: l.instanceID,
		Topic:      l.topic,
		Publisher:  l.publisher,
		IsLeader:   false,
	})
}

func (l *leaderElector) startHeartbeat() {
	hbCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.hbStop = cancel
	l.hbDone = done

	go func() {
		defer close(done)
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-l.clock.After(l.interval):
				if err := l.progress.Heartbeat(hbCtx, l.topic, l.publisher, l.instanceID, l.clock.Now()); err != nil {
					l.logger.Warn("leader heartbeat failed",
						zap.String("topic", l.topic),
						zap.String("publisher", l.publisher),
						zap.Error(err))
				}
			}
		}
	}()
}

// observeIncumbent logs when the current leader's heartbeat looks stale.
// The lock still owns the decision; this only surfaces likely hangs.
func (l *leaderElector) observeIncumbent(ctx context.Context) {
	row, err := l.progress.Get(ctx, l.topic, l.publisher)
	if err != nil || row.LeaderHeartbeat == nil || row.LeaderInstance == nil {
		return
	}
	age := l.clock.Now().Sub(*row.LeaderHeartbeat)
	if age > staleHeartbeatFactor*l.interval {
		l.logger.Info("incumbent leader heartbeat is stale",
			zap.String("topic", l.topic),
			zap.String("publisher", l.publisher),
			zap.String("leader", *row.LeaderInstance),
			zap.Duration("heartbeat_age", age))
	}
}
