package dcb

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// =============================================================================
// EventStore Constructors
// =============================================================================

// NewEventStore creates a new EventStore with default configuration. The
// target schema is validated before the store is returned.
func NewEventStore(ctx context.Context, pool *pgxpool.Pool) (EventStore, error) {
	return newEventStore(ctx, pool, DefaultEventStoreConfig())
}

// NewEventStoreWithConfig creates a new EventStore with the given
// configuration. Unset fields fall back to defaults.
func NewEventStoreWithConfig(ctx context.Context, pool *pgxpool.Pool, config EventStoreConfig) (EventStore, error) {
	return newEventStore(ctx, pool, config)
}

// NewEventStoreFromPool creates a new EventStore from an existing pool
// without schema validation. This is used by tests that share a PostgreSQL
// container whose schema is known to be loaded.
func NewEventStoreFromPool(pool *pgxpool.Pool) EventStore {
	config := DefaultEventStoreConfig()
	return &eventStore{
		pool:   pool,
		config: config,
	}
}

// =============================================================================
// Event Constructors
// =============================================================================

// NewInputEvent creates a new InputEvent with the given type, tags, and data.
// Validation is performed when the event is used in EventStore operations.
func NewInputEvent(eventType string, tags []Tag, data []byte) InputEvent {
	return &inputEvent{
		eventType: eventType,
		tags:      tags,
		data:      data,
	}
}

// NewEventBatch creates a slice of events from the given InputEvents.
// This is a convenience function for appending multiple related events
// in a single operation.
func NewEventBatch(events ...InputEvent) []InputEvent {
	return events
}

// =============================================================================
// Tag Constructors
// =============================================================================

// NewTag creates a single tag from a key-value pair.
func NewTag(key, value string) Tag {
	return &tag{
		key:   key,
		value: value,
	}
}

// NewTags creates a slice of tags from alternating key-value pairs.
// An odd number of arguments yields an empty slice; validation happens
// when the tags are used in EventStore operations.
func NewTags(kv ...string) []Tag {
	if len(kv)%2 != 0 {
		return []Tag{}
	}
	tags := make([]Tag, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		tags[i/2] = NewTag(kv[i], kv[i+1])
	}
	return tags
}

// =============================================================================
// Query Constructors
// =============================================================================

// NewQuery creates a Query with a single item matching the given tags and
// event types.
func NewQuery(tags []Tag, eventTypes ...string) Query {
	return &query{
		items: []QueryItem{
			NewQueryItem(eventTypes, tags),
		},
	}
}

// NewQueryEmpty creates a query with no items. Used as a building block;
// as an append condition query it never matches.
func NewQueryEmpty() Query {
	return &query{items: []QueryItem{}}
}

// NewQueryFromItems creates a query from a list of query items combined
// with OR logic.
func NewQueryFromItems(items ...QueryItem) Query {
	return &query{items: items}
}

// NewQueryAll creates a query that matches all events.
func NewQueryAll() Query {
	return &query{
		items: []QueryItem{
			NewQueryItem([]string{}, []Tag{}),
		},
	}
}

// NewQueryItem creates a new QueryItem with the given types and tags.
func NewQueryItem(types []string, tags []Tag) QueryItem {
	return &queryItem{
		eventTypes: types,
		tags:       tags,
	}
}

// NewQItem creates a new QueryItem with a single event type and tags.
func NewQItem(eventType string, tags []Tag) QueryItem {
	return NewQueryItem([]string{eventType}, tags)
}

// NewQItemKV creates a new QueryItem with a single event type and key-value
// tags. This is the most concise way to build an item for one event type.
func NewQItemKV(eventType string, kv ...string) QueryItem {
	return NewQueryItem([]string{eventType}, NewTags(kv...))
}
