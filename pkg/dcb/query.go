package dcb

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// TagsToArray converts tags to their durable storage form: sorted
// "key=value" strings. Sorting keeps the stored arrays deterministic so
// identical tag sets always serialize identically.
func TagsToArray(tags []Tag) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = t.GetKey() + "=" + t.GetValue()
	}
	sort.Strings(out)
	return out
}

// ParseTagsArray converts stored "key=value" strings back to tags. Values
// may themselves contain "="; only the first one separates key from value.
func ParseTagsArray(arr []string) []Tag {
	tags := make([]Tag, 0, len(arr))
	for _, s := range arr {
		parts := strings.SplitN(s, "=", 2)
		if len(parts) == 2 {
			tags = append(tags, NewTag(parts[0], parts[1]))
		}
	}
	return tags
}

// TagsToString renders tags as a single comma-joined string, useful for
// logging and for partitioning keys.
func TagsToString(tags []Tag) string {
	return strings.Join(TagsToArray(tags), ",")
}

// Query returns all events matching the query after the cursor, ordered by
// position. A nil cursor reads from the start of the log.
func (es *eventStore) Query(ctx context.Context, q Query, after *Cursor) ([]Event, error) {
	if q == nil {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "query",
				Err: fmt.Errorf("query must not be nil"),
			},
			Field: "query",
			Value: "nil",
		}
	}
	if err := validateQueryTags(q); err != nil {
		return nil, err
	}

	queryCtx, cancel := es.withTimeout(ctx, es.config.QueryTimeout)
	defer cancel()

	sqlQuery, args := buildReadQuerySQL(q, after, 0)
	rows, err := es.db().Query(queryCtx, sqlQuery, args...)
	if err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "query",
				Err: fmt.Errorf("failed to execute query: %w", err),
			},
			Resource: "database",
		}
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		event, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "query",
				Err: fmt.Errorf("failed to read event rows: %w", err),
			},
			Resource: "database",
		}
	}
	return events, nil
}

// QueryStream streams matching events over a channel in position order,
// fetching pages of FetchSize from the database. The channel closes when
// the read completes, fails, or ctx is done.
func (es *eventStore) QueryStream(ctx context.Context, q Query, after *Cursor) (<-chan Event, error) {
	if q == nil {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "queryStream",
				Err: fmt.Errorf("query must not be nil"),
			},
			Field: "query",
			Value: "nil",
		}
	}
	if err := validateQueryTags(q); err != nil {
		return nil, err
	}

	out := make(chan Event, es.config.StreamBuffer)
	go func() {
		defer close(out)
		cursor := after
		for {
			batch, err := es.fetchPage(ctx, q, cursor, es.config.FetchSize)
			if err != nil {
				return
			}
			for i := range batch {
				select {
				case out <- batch[i]:
				case <-ctx.Done():
					return
				}
			}
			if len(batch) < es.config.FetchSize {
				return
			}
			last := batch[len(batch)-1]
			cursor = &Cursor{Position: last.Position, OccurredAt: last.OccurredAt}
		}
	}()
	return out, nil
}

// fetchPage reads one ordered page of events matching q after the cursor.
func (es *eventStore) fetchPage(ctx context.Context, q Query, after *Cursor, limit int) ([]Event, error) {
	pageCtx, cancel := es.withTimeout(ctx, es.config.QueryTimeout)
	defer cancel()

	sqlQuery, args := buildReadQuerySQL(q, after, limit)
	rows, err := es.db().Query(pageCtx, sqlQuery, args...)
	if err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "fetchPage",
				Err: fmt.Errorf("failed to execute query: %w", err),
			},
			Resource: "database",
		}
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		event, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "fetchPage",
				Err: fmt.Errorf("failed to read event rows: %w", err),
			},
			Resource: "database",
		}
	}
	return events, nil
}
