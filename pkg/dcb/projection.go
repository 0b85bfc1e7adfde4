package dcb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// scanEventRow converts one events row into an Event. The column order is
// fixed by buildReadQuerySQL.
func scanEventRow(rows pgx.Rows) (Event, error) {
	var (
		eventType     string
		tagStrings    []string
		data          []byte
		position      int64
		transactionID string
		occurredAt    time.Time
	)
	if err := rows.Scan(&eventType, &tagStrings, &data, &position, &transactionID, &occurredAt); err != nil {
		return Event{}, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "scanEventRow",
				Err: fmt.Errorf("failed to scan event row: %w", err),
			},
			Resource: "database",
		}
	}
	return Event{
		Type:          eventType,
		Tags:          ParseTagsArray(tagStrings),
		Data:          data,
		Position:      position,
		TransactionID: transactionID,
		OccurredAt:    occurredAt,
	}, nil
}

// buildReadQuerySQL renders a query as SQL over the events table. Items
// combine with OR; within an item, event types and tag containment combine
// with AND. An item with neither types nor tags matches everything. The
// cursor becomes a position lower bound; results are position ordered.
func buildReadQuerySQL(q Query, after *Cursor, limit int) (string, []any) {
	var conditions []string
	var args []any
	argIdx := 1

	items := q.GetItems()
	if len(items) > 0 {
		itemConds := make([]string, 0, len(items))
		for _, item := range items {
			var parts []string
			if len(item.GetEventTypes()) > 0 {
				parts = append(parts, fmt.Sprintf("type = ANY($%d::text[])", argIdx))
				args = append(args, item.GetEventTypes())
				argIdx++
			}
			if len(item.GetTags()) > 0 {
				parts = append(parts, fmt.Sprintf("tags @> $%d::text[]", argIdx))
				args = append(args, TagsToArray(item.GetTags()))
				argIdx++
			}
			if len(parts) == 0 {
				itemConds = append(itemConds, "TRUE")
			} else {
				itemConds = append(itemConds, "("+strings.Join(parts, " AND ")+")")
			}
		}
		conditions = append(conditions, "("+strings.Join(itemConds, " OR ")+")")
	}

	if after != nil {
		conditions = append(conditions, fmt.Sprintf("position > $%d", argIdx))
		args = append(args, after.Position)
		argIdx++
	}

	sqlQuery := "SELECT type, tags, data, position, transaction_id::text, occurred_at FROM events"
	if len(conditions) > 0 {
		sqlQuery += " WHERE " + strings.Join(conditions, " AND ")
	}
	sqlQuery += " ORDER BY position ASC"
	if limit > 0 {
		sqlQuery += fmt.Sprintf(" LIMIT %d", limit)
	}
	return sqlQuery, args
}

// eventMatchesProjector reports whether the projector's query matches the
// event: any item whose type list contains the event's type (or is empty)
// and whose tags are all present on the event.
func eventMatchesProjector(p StateProjector, event Event) bool {
	if p.Query == nil {
		return false
	}
	eventTags := make(map[string]struct{}, len(event.Tags))
	for _, t := range event.Tags {
		eventTags[t.GetKey()+"="+t.GetValue()] = struct{}{}
	}

	for _, item := range p.Query.GetItems() {
		if len(item.GetEventTypes()) > 0 {
			typeMatch := false
			for _, et := range item.GetEventTypes() {
				if et == event.Type {
					typeMatch = true
					break
				}
			}
			if !typeMatch {
				continue
			}
		}

		tagsMatch := true
		for _, t := range item.GetTags() {
			if _, ok := eventTags[t.GetKey()+"="+t.GetValue()]; !ok {
				tagsMatch = false
				break
			}
		}
		if tagsMatch {
			return true
		}
	}
	return false
}

// validateProjectors checks IDs, queries and transition functions.
func validateProjectors(projectors []StateProjector) error {
	if len(projectors) == 0 {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "project",
				Err: fmt.Errorf("at least one projector is required"),
			},
			Field: "projectors",
			Value: "empty",
		}
	}
	seen := make(map[string]struct{}, len(projectors))
	for i, p := range projectors {
		if p.ID == "" {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "project",
					Err: fmt.Errorf("projector %d has no ID", i),
				},
				Field: fmt.Sprintf("projectors[%d].ID", i),
				Value: "empty",
			}
		}
		if _, dup := seen[p.ID]; dup {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "project",
					Err: fmt.Errorf("duplicate projector ID %q", p.ID),
				},
				Field: fmt.Sprintf("projectors[%d].ID", i),
				Value: p.ID,
			}
		}
		seen[p.ID] = struct{}{}
		if p.Query == nil {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "project",
					Err: fmt.Errorf("projector %q has no query", p.ID),
				},
				Field: fmt.Sprintf("projectors[%d].Query", i),
				Value: "nil",
			}
		}
		if err := validateQueryTags(p.Query); err != nil {
			return err
		}
		if p.TransitionFn == nil {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "project",
					Err: fmt.Errorf("projector %q has no transition function", p.ID),
				},
				Field: fmt.Sprintf("projectors[%d].TransitionFn", i),
				Value: "nil",
			}
		}
	}
	return nil
}

// combineProjectorQueries unions all projector query items into the single
// query driving the one-pass read.
func combineProjectorQueries(projectors []StateProjector) Query {
	var items []QueryItem
	for _, p := range projectors {
		items = append(items, p.Query.GetItems()...)
	}
	return NewQueryFromItems(items...)
}

// Project folds every projector over one position-ordered pass of the
// combined query, reading pages of FetchSize. It returns the final states
// keyed by projector ID and an append condition carrying the combined
// query and the cursor of the last event consumed (the input cursor when
// nothing matched).
func (es *eventStore) Project(ctx context.Context, projectors []StateProjector, after *Cursor) (map[string]any, AppendCondition, error) {
	if err := validateProjectors(projectors); err != nil {
		return nil, nil, err
	}

	combined := combineProjectorQueries(projectors)
	states := make(map[string]any, len(projectors))
	for _, p := range projectors {
		states[p.ID] = p.InitialState
	}

	cursor := after
	for {
		batch, err := es.fetchPage(ctx, combined, cursor, es.config.FetchSize)
		if err != nil {
			return nil, nil, err
		}
		for _, event := range batch {
			for _, p := range projectors {
				if eventMatchesProjector(p, event) {
					states[p.ID] = p.TransitionFn(states[p.ID], event)
				}
			}
		}
		if len(batch) > 0 {
			last := batch[len(batch)-1]
			cursor = &Cursor{Position: last.Position, OccurredAt: last.OccurredAt}
		}
		if len(batch) < es.config.FetchSize {
			break
		}
	}

	return states, FromDecisionModel(combined, cursor), nil
}

// ProjectStream streams a snapshot of all projector states after each
// consumed event. The final append condition arrives on the second channel
// when the pass completes; both channels close afterwards. A transition
// panic closes the channels without a condition.
func (es *eventStore) ProjectStream(ctx context.Context, projectors []StateProjector, after *Cursor) (<-chan map[string]any, <-chan AppendCondition, error) {
	if err := validateProjectors(projectors); err != nil {
		return nil, nil, err
	}

	combined := combineProjectorQueries(projectors)
	statesCh := make(chan map[string]any, es.config.StreamBuffer)
	conditionCh := make(chan AppendCondition, 1)

	go func() {
		defer close(statesCh)
		defer close(conditionCh)
		defer func() {
			_ = recover()
		}()

		states := make(map[string]any, len(projectors))
		for _, p := range projectors {
			states[p.ID] = p.InitialState
		}

		cursor := after
		for {
			batch, err := es.fetchPage(ctx, combined, cursor, es.config.FetchSize)
			if err != nil {
				return
			}
			for _, event := range batch {
				for _, p := range projectors {
					if eventMatchesProjector(p, event) {
						states[p.ID] = p.TransitionFn(states[p.ID], event)
					}
				}
				snapshot := make(map[string]any, len(states))
				for id, state := range states {
					snapshot[id] = state
				}
				select {
				case statesCh <- snapshot:
				case <-ctx.Done():
					return
				}
			}
			if len(batch) > 0 {
				last := batch[len(batch)-1]
				cursor = &Cursor{Position: last.Position, OccurredAt: last.OccurredAt}
			}
			if len(batch) < es.config.FetchSize {
				break
			}
		}

		conditionCh <- FromDecisionModel(combined, cursor)
	}()

	return statesCh, conditionCh, nil
}
