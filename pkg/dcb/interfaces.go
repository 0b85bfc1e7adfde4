package dcb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Event is a single stored event. Position and TransactionID are assigned
// by the database on append; positions reflect commit order.
type Event struct {
	Type          string    `json:"type"`
	Tags          []Tag     `json:"tags"`
	Data          []byte    `json:"data"`
	Position      int64     `json:"position"`
	TransactionID string    `json:"transaction_id"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// UnmarshalData decodes the event payload into v. Payloads written through
// the default codec are JSON.
func (e Event) UnmarshalData(v any) error {
	return json.Unmarshal(e.Data, v)
}

// InputEvent is an event to be appended to the store.
// Opaque: construct via NewInputEvent, read via methods.
type InputEvent interface {
	isInputEvent()
	GetType() string
	GetTags() []Tag
	GetData() []byte
}

// Tag is a key-value pair attached to an event for categorization.
// Opaque: construct via NewTag or NewTags, read via methods.
type Tag interface {
	isTag()
	GetKey() string
	GetValue() string
}

// Cursor marks a point in the global event sequence. A nil *Cursor means
// "before any event". Cursors come from reads and projections; callers
// never fabricate them.
type Cursor struct {
	Position   int64     `json:"position"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Query is a disjunction of query items: an event matches the query when it
// matches at least one item. Opaque: construct via the NewQuery* helpers.
type Query interface {
	isQuery()
	// GetItems returns the query items (used by the event store).
	GetItems() []QueryItem
}

// QueryItem is a single atomic condition: event types (OR within the list,
// empty means any type) AND tags (every listed tag must be present on the
// event; the event may carry more).
type QueryItem interface {
	isQueryItem()
	GetEventTypes() []string
	GetTags() []Tag
}

// AppendCondition is the optimistic-concurrency guard for AppendIf: the
// append fails when any event matching the query exists after the cursor.
// Opaque: construct via NewAppendCondition, FromDecisionModel or the
// guard helpers.
type AppendCondition interface {
	isAppendCondition()
	// AfterCursor returns the cursor the condition checks after, or nil
	// when the whole stream is checked.
	AfterCursor() *Cursor
	// getFailIfEventsMatch returns the guarded query (used by the event store).
	getFailIfEventsMatch() Query
}

// StateProjector folds events matching Query into a state, starting from
// InitialState. ID keys the projector's state in projection results.
type StateProjector struct {
	ID           string
	Query        Query
	InitialState any
	TransitionFn func(state any, event Event) any
}

// EventStore is the core interface for appending, reading and projecting
// events, and for command audit persistence.
type EventStore interface {
	// Append appends events unconditionally and returns the transaction id
	// shared by the batch.
	Append(ctx context.Context, events []InputEvent) (string, error)

	// AppendIf appends events only if no event matching the condition's
	// query exists after the condition's cursor. The check and the insert
	// are atomic. Returns ConcurrencyError on violation.
	AppendIf(ctx context.Context, events []InputEvent, condition AppendCondition) (string, error)

	// Query returns all events matching the query after the cursor, in
	// position order. A nil cursor reads from the start.
	Query(ctx context.Context, query Query, after *Cursor) ([]Event, error)

	// QueryStream streams matching events over a channel in position order.
	// The channel closes when the read completes, fails, or ctx is done.
	QueryStream(ctx context.Context, query Query, after *Cursor) (<-chan Event, error)

	// Project folds all projectors over one ordered pass of the combined
	// query and returns the final states keyed by projector ID, plus an
	// append condition whose cursor is the last event consumed (or the
	// input cursor when nothing matched).
	Project(ctx context.Context, projectors []StateProjector, after *Cursor) (map[string]any, AppendCondition, error)

	// ProjectStream streams intermediate projector states after each event.
	// The final append condition is delivered on the second channel once
	// the pass completes.
	ProjectStream(ctx context.Context, projectors []StateProjector, after *Cursor) (<-chan map[string]any, <-chan AppendCondition, error)

	// ExecuteInTransaction runs fn with a transaction-scoped store: every
	// store call inside fn joins the same transaction, and nested calls
	// reuse it. Commits when fn returns nil, rolls back otherwise.
	ExecuteInTransaction(ctx context.Context, fn func(ctx context.Context, store EventStore) error) error

	// StoreCommand writes a command audit row keyed by the current
	// transaction id. Writing twice in one transaction is a no-op.
	StoreCommand(ctx context.Context, commandType string, data []byte, metadata map[string]any) error

	// GetConfig returns the store configuration.
	GetConfig() EventStoreConfig

	// GetPool returns the underlying connection pool.
	GetPool() *pgxpool.Pool
}

// IsolationLevel is a type-safe PostgreSQL isolation level.
type IsolationLevel int

const (
	IsolationLevelReadCommitted IsolationLevel = iota
	IsolationLevelRepeatableRead
	IsolationLevelSerializable
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationLevelReadCommitted:
		return "READ_COMMITTED"
	case IsolationLevelRepeatableRead:
		return "REPEATABLE_READ"
	case IsolationLevelSerializable:
		return "SERIALIZABLE"
	default:
		return "UNKNOWN"
	}
}

// ParseIsolationLevel parses the wire form used in configuration
// ("READ_COMMITTED", "REPEATABLE_READ", "SERIALIZABLE").
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch s {
	case "READ_COMMITTED":
		return IsolationLevelReadCommitted, nil
	case "REPEATABLE_READ":
		return IsolationLevelRepeatableRead, nil
	case "SERIALIZABLE":
		return IsolationLevelSerializable, nil
	default:
		return IsolationLevelReadCommitted, fmt.Errorf("invalid isolation level: %s", s)
	}
}

// EventStoreConfig carries the tunables of an event store instance.
type EventStoreConfig struct {
	// MaxBatchSize caps the number of events per append.
	MaxBatchSize int `json:"max_batch_size"`
	// LockTimeout bounds advisory lock waits, in milliseconds.
	LockTimeout int `json:"lock_timeout"`
	// StreamBuffer is the channel buffer for streaming reads.
	StreamBuffer int `json:"stream_buffer"`
	// FetchSize bounds each page fetched during projections and streams.
	FetchSize int `json:"fetch_size"`
	// QueryTimeout is the default deadline for read operations when the
	// caller's context has none, in milliseconds.
	QueryTimeout int `json:"query_timeout"`
	// AppendTimeout is the default deadline for append operations when the
	// caller's context has none, in milliseconds.
	AppendTimeout int `json:"append_timeout"`
	// DefaultAppendIsolation is the isolation level for append transactions.
	DefaultAppendIsolation IsolationLevel `json:"default_append_isolation"`
	// PersistCommands controls whether StoreCommand writes audit rows.
	PersistCommands bool `json:"persist_commands"`
	// Codec serializes command data and metadata. Defaults to JSONCodec.
	Codec Codec `json:"-"`
	// Metrics receives instrumentation events when set.
	Metrics *MetricsBus `json:"-"`
}

type inputEvent struct {
	eventType string
	tags      []Tag
	data      []byte
}

func (e *inputEvent) isInputEvent()   {}
func (e *inputEvent) GetType() string { return e.eventType }
func (e *inputEvent) GetTags() []Tag  { return e.tags }
func (e *inputEvent) GetData() []byte { return e.data }

type tag struct {
	key   string
	value string
}

func (t *tag) isTag()           {}
func (t *tag) GetKey() string   { return t.key }
func (t *tag) GetValue() string { return t.value }

// MarshalJSON renders a tag as {"key":..., "value":...}.
func (t *tag) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}{Key: t.key, Value: t.value})
}

type query struct {
	items []QueryItem
}

func (q *query) isQuery()              {}
func (q *query) GetItems() []QueryItem { return q.items }

type queryItem struct {
	eventTypes []string
	tags       []Tag
}

func (qi *queryItem) isQueryItem()            {}
func (qi *queryItem) GetEventTypes() []string { return qi.eventTypes }
func (qi *queryItem) GetTags() []Tag          { return qi.tags }

type appendCondition struct {
	failIfEventsMatch Query
	afterCursor       *Cursor
}

func (ac *appendCondition) isAppendCondition()          {}
func (ac *appendCondition) AfterCursor() *Cursor        { return ac.afterCursor }
func (ac *appendCondition) getFailIfEventsMatch() Query { return ac.failIfEventsMatch }
