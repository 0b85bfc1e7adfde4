package dcb

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// eventStore implements EventStore. A store is either pool-scoped (normal
// operation) or transaction-scoped (handed to ExecuteInTransaction
// callbacks); transaction-scoped stores route every statement through the
// open transaction.
type eventStore struct {
	pool   *pgxpool.Pool
	config EventStoreConfig
	tx     pgx.Tx // non-nil only for transaction-scoped stores
}

// dbtx is the subset of pgxpool.Pool and pgx.Tx the store needs.
type dbtx interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// db returns the statement target: the open transaction when scoped,
// otherwise the pool.
func (es *eventStore) db() dbtx {
	if es.tx != nil {
		return es.tx
	}
	return es.pool
}

// DefaultEventStoreConfig returns the default store configuration.
func DefaultEventStoreConfig() EventStoreConfig {
	return EventStoreConfig{
		MaxBatchSize:           1000,
		LockTimeout:            5000,
		StreamBuffer:           1000,
		FetchSize:              1000,
		QueryTimeout:           15000,
		AppendTimeout:          15000,
		DefaultAppendIsolation: IsolationLevelReadCommitted,
		PersistCommands:        true,
		Codec:                  JSONCodec{},
	}
}

// ApplyDefaults fills unset fields from DefaultEventStoreConfig.
func (c *EventStoreConfig) ApplyDefaults() {
	defaults := DefaultEventStoreConfig()
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = defaults.MaxBatchSize
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = defaults.LockTimeout
	}
	if c.StreamBuffer == 0 {
		c.StreamBuffer = defaults.StreamBuffer
	}
	if c.FetchSize == 0 {
		c.FetchSize = defaults.FetchSize
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = defaults.QueryTimeout
	}
	if c.AppendTimeout == 0 {
		c.AppendTimeout = defaults.AppendTimeout
	}
	if c.Codec == nil {
		c.Codec = defaults.Codec
	}
}

// Validate rejects configurations that cannot work.
func (c EventStoreConfig) Validate() error {
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("max batch size must be at least 1, got %d", c.MaxBatchSize)
	}
	if c.FetchSize < 1 {
		return fmt.Errorf("fetch size must be at least 1, got %d", c.FetchSize)
	}
	if c.StreamBuffer < 1 {
		return fmt.Errorf("stream buffer must be at least 1, got %d", c.StreamBuffer)
	}
	if c.QueryTimeout < 0 || c.AppendTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// newEventStore validates configuration and schema, then builds the store.
func newEventStore(ctx context.Context, pool *pgxpool.Pool, config EventStoreConfig) (EventStore, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "NewEventStore",
				Err: err,
			},
			Field: "config",
			Value: "invalid",
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "NewEventStore",
				Err: fmt.Errorf("unable to connect to database: %w", err),
			},
			Resource: "database",
		}
	}

	if err := validateSchema(ctx, pool); err != nil {
		return nil, err
	}

	return &eventStore{
		pool:   pool,
		config: config,
	}, nil
}

// GetConfig returns the store configuration.
func (es *eventStore) GetConfig() EventStoreConfig {
	return es.config
}

// GetPool returns the underlying connection pool.
func (es *eventStore) GetPool() *pgxpool.Pool {
	return es.pool
}

// withTimeout creates a new context with timeout, respecting the caller's
// deadline if set.
func (es *eventStore) withTimeout(ctx context.Context, defaultTimeoutMs int) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		// Use context.Background() as parent to avoid inheriting cancellation from original context
		return context.WithDeadline(context.Background(), deadline)
	}
	// Use context.Background() as parent to avoid inheriting cancellation from original context
	return context.WithTimeout(context.Background(), time.Duration(defaultTimeoutMs)*time.Millisecond)
}

// toPgxIsoLevel maps IsolationLevel onto the pgx transaction option.
func toPgxIsoLevel(level IsolationLevel) pgx.TxIsoLevel {
	switch level {
	case IsolationLevelRepeatableRead:
		return pgx.RepeatableRead
	case IsolationLevelSerializable:
		return pgx.Serializable
	default:
		return pgx.ReadCommitted
	}
}

// ExecuteInTransaction runs fn with a transaction-scoped store. Nested
// calls on the scoped store reuse the open transaction. fn errors roll the
// transaction back and propagate unchanged.
func (es *eventStore) ExecuteInTransaction(ctx context.Context, fn func(ctx context.Context, store EventStore) error) error {
	if es.tx != nil {
		return fn(ctx, es)
	}

	txCtx, cancel := es.withTimeout(ctx, es.config.AppendTimeout)
	defer cancel()

	tx, err := es.pool.BeginTx(txCtx, pgx.TxOptions{
		IsoLevel: toPgxIsoLevel(es.config.DefaultAppendIsolation),
	})
	if err != nil {
		return &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "executeInTransaction",
				Err: fmt.Errorf("failed to begin transaction: %w", err),
			},
			Resource: "database",
		}
	}
	defer tx.Rollback(txCtx)

	txStore := &eventStore{
		pool:   es.pool,
		config: es.config,
		tx:     tx,
	}

	if err := fn(txCtx, txStore); err != nil {
		return err
	}

	if err := tx.Commit(txCtx); err != nil {
		return &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "executeInTransaction",
				Err: fmt.Errorf("failed to commit transaction: %w", err),
			},
			Resource: "database",
		}
	}
	return nil
}

// StoreCommand writes a command audit row keyed by the current transaction
// id. Inside ExecuteInTransaction the row shares the transaction id of any
// events appended there; a second write in the same transaction is a no-op.
func (es *eventStore) StoreCommand(ctx context.Context, commandType string, data []byte, metadata map[string]any) error {
	if !es.config.PersistCommands {
		return nil
	}
	if commandType == "" {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "storeCommand",
				Err: fmt.Errorf("command type must not be empty"),
			},
			Field: "commandType",
			Value: "",
		}
	}
	if len(commandType) > 64 {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "storeCommand",
				Err: fmt.Errorf("command type must not exceed 64 characters"),
			},
			Field: "commandType",
			Value: commandType,
		}
	}

	if data == nil {
		data = []byte{}
	}
	var metadataJSON []byte
	if metadata != nil {
		encoded, err := es.config.Codec.Marshal(metadata)
		if err != nil {
			return &ResourceError{
				EventStoreError: EventStoreError{
					Op:  "storeCommand",
					Err: fmt.Errorf("failed to serialize command metadata: %w", err),
				},
				Resource: "serialization",
			}
		}
		metadataJSON = encoded
	}

	opCtx, cancel := es.withTimeout(ctx, es.config.AppendTimeout)
	defer cancel()

	_, err := es.db().Exec(opCtx,
		`INSERT INTO commands (transaction_id, type, data, metadata, occurred_at)
		 VALUES (pg_current_xact_id(), $1, $2, $3, now())
		 ON CONFLICT (transaction_id) DO NOTHING`,
		commandType, data, metadataJSON)
	if err != nil {
		return &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "storeCommand",
				Err: fmt.Errorf("failed to store command: %w", err),
			},
			Resource: "database",
		}
	}
	return nil
}
