package dcb

import (
	"fmt"
	"strings"
)

// maxEventTypeLength is the widest event or command type the schema stores.
const maxEventTypeLength = 64

// validateQueryTags validates the query tags and returns a ValidationError if invalid
func validateQueryTags(query Query) error {
	// Handle empty query (matches all events)
	if len(query.GetItems()) == 0 {
		return nil
	}

	// Validate each query item
	for itemIndex, item := range query.GetItems() {
		// Validate individual tags if present
		for i, t := range item.GetTags() {
			if err := validateTag(t); err != nil {
				return &ValidationError{
					EventStoreError: EventStoreError{
						Op:  "validateQueryTags",
						Err: fmt.Errorf("invalid tag %d in item %d: %w", i, itemIndex, err),
					},
					Field: fmt.Sprintf("item[%d].tag[%d]", itemIndex, i),
					Value: t.GetKey(),
				}
			}
		}

		// Validate event types if present
		for i, eventType := range item.GetEventTypes() {
			if eventType == "" {
				return &ValidationError{
					EventStoreError: EventStoreError{
						Op:  "validateQueryTags",
						Err: fmt.Errorf("empty event type at index %d of item %d", i, itemIndex),
					},
					Field: fmt.Sprintf("item[%d].eventTypes[%d]", itemIndex, i),
					Value: fmt.Sprintf("index[%d]", i),
				}
			}
		}
	}

	return nil
}

// validateTag enforces the durable tag contract: non-empty key and value,
// and no "=" in the key since "=" separates key from value in storage.
func validateTag(t Tag) error {
	if t.GetKey() == "" {
		return fmt.Errorf("empty tag key")
	}
	if strings.Contains(t.GetKey(), "=") {
		return fmt.Errorf("tag key %q must not contain '='", t.GetKey())
	}
	if t.GetValue() == "" {
		return fmt.Errorf("empty value for key %s", t.GetKey())
	}
	return nil
}

// validateEvent validates a single event and returns a ValidationError if invalid
func validateEvent(e InputEvent, index int) error {
	if e.GetType() == "" {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "validateEvent",
				Err: fmt.Errorf("empty type in event %d", index),
			},
			Field: "type",
			Value: fmt.Sprintf("event[%d]", index),
		}
	}

	if len(e.GetType()) > maxEventTypeLength {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "validateEvent",
				Err: fmt.Errorf("type exceeds %d characters in event %d", maxEventTypeLength, index),
			},
			Field: "type",
			Value: e.GetType(),
		}
	}

	if len(e.GetTags()) == 0 {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "validateEvent",
				Err: fmt.Errorf("empty tags in event %d", index),
			},
			Field: "tags",
			Value: fmt.Sprintf("event[%d]", index),
		}
	}

	for j, t := range e.GetTags() {
		if err := validateTag(t); err != nil {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "validateEvent",
					Err: fmt.Errorf("invalid tag %d in event %d: %w", j, index, err),
				},
				Field: fmt.Sprintf("event[%d].tag[%d]", index, j),
				Value: t.GetKey(),
			}
		}
	}

	return nil
}

// validateBatchSize validates that the batch size is within limits
func (es *eventStore) validateBatchSize(events []InputEvent, operation string) error {
	if len(events) > es.config.MaxBatchSize {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  operation,
				Err: fmt.Errorf("batch size %d exceeds maximum %d", len(events), es.config.MaxBatchSize),
			},
			Field: "batchSize",
			Value: fmt.Sprintf("%d", len(events)),
		}
	}
	return nil
}

// validateEvents validates all events in a batch
func validateEvents(events []InputEvent) error {
	if len(events) == 0 {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "validateEvents",
				Err: fmt.Errorf("event batch must not be empty"),
			},
			Field: "events",
			Value: "empty",
		}
	}
	for i, event := range events {
		if err := validateEvent(event, i); err != nil {
			return err
		}
	}
	return nil
}
