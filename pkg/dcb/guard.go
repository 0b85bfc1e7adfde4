package dcb

// Append condition constructors and combinators. These are pure helpers:
// no state, no I/O. Command handlers use them to declare write
// pre-conditions; the event store executes them atomically on append.

// EmptyCondition creates a condition that never rejects. Useful as a
// starting point for WithIdempotencyCheck.
func EmptyCondition() AppendCondition {
	return &appendCondition{}
}

// ExpectEmptyStream creates a condition that rejects when any event exists.
func ExpectEmptyStream() AppendCondition {
	return &appendCondition{
		failIfEventsMatch: NewQueryAll(),
	}
}

// NewAppendCondition creates a condition that rejects when any event
// matching the query exists, checked over the whole stream.
func NewAppendCondition(failIfEventsMatch Query) AppendCondition {
	return &appendCondition{
		failIfEventsMatch: failIfEventsMatch,
	}
}

// FromDecisionModel creates a condition that rejects when any event
// matching the decision-model query exists after the cursor. This is the
// condition Project returns; use this form when building one by hand.
func FromDecisionModel(q Query, cursor *Cursor) AppendCondition {
	return &appendCondition{
		failIfEventsMatch: q,
		afterCursor:       cursor,
	}
}

// WithIdempotencyCheck unions one more query item (eventType + key=value
// tag) into the condition's query, keeping its cursor. Starting from
// EmptyCondition this yields the unique-entity creation guard: any earlier
// event carrying the same marker rejects the append.
func WithIdempotencyCheck(condition AppendCondition, eventType, key, value string) AppendCondition {
	item := NewQItemKV(eventType, key, value)

	var items []QueryItem
	var cursor *Cursor
	if condition != nil {
		if q := condition.getFailIfEventsMatch(); q != nil {
			items = append(items, q.GetItems()...)
		}
		cursor = condition.AfterCursor()
	}
	items = append(items, item)

	return &appendCondition{
		failIfEventsMatch: NewQueryFromItems(items...),
		afterCursor:       cursor,
	}
}
