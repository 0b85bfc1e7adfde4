package dcb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// conditionItemWire is the JSON shape of one query item inside the
// condition payload handed to append_events_if. Tags travel in their
// durable "key=value" form.
type conditionItemWire struct {
	EventTypes []string `json:"event_types"`
	Tags       []string `json:"tags"`
}

type conditionWire struct {
	Items []conditionItemWire `json:"items"`
}

// Append appends events unconditionally and returns the transaction id
// shared by the batch. Use this only when no consistency rule guards the
// write; otherwise use AppendIf.
func (es *eventStore) Append(ctx context.Context, events []InputEvent) (string, error) {
	if err := validateEvents(events); err != nil {
		return "", err
	}
	if err := es.validateBatchSize(events, "append"); err != nil {
		return "", err
	}

	appendCtx, cancel := es.withTimeout(ctx, es.config.AppendTimeout)
	defer cancel()

	if es.tx != nil {
		txID, err := es.appendInTx(appendCtx, es.tx, events, nil, nil)
		if err != nil {
			return "", err
		}
		es.emitAppendMetrics(events)
		return txID, nil
	}

	tx, err := es.pool.BeginTx(appendCtx, pgx.TxOptions{
		IsoLevel: toPgxIsoLevel(es.config.DefaultAppendIsolation),
	})
	if err != nil {
		return "", &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("failed to begin transaction: %w", err),
			},
			Resource: "database",
		}
	}
	defer tx.Rollback(appendCtx)

	txID, err := es.appendInTx(appendCtx, tx, events, nil, nil)
	if err != nil {
		return "", err
	}

	if err := tx.Commit(appendCtx); err != nil {
		return "", &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("failed to commit transaction: %w", err),
			},
			Resource: "database",
		}
	}

	es.emitAppendMetrics(events)
	return txID, nil
}

// AppendIf appends events only when no event matching the condition's query
// exists after the condition's cursor. The check and the insert run in one
// database round trip; a violation surfaces as ConcurrencyError and nothing
// is written.
func (es *eventStore) AppendIf(ctx context.Context, events []InputEvent, condition AppendCondition) (string, error) {
	if condition == nil {
		return "", &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "appendIf",
				Err: fmt.Errorf("condition must not be nil, use Append for unconditional writes"),
			},
			Field: "condition",
			Value: "nil",
		}
	}
	if err := validateEvents(events); err != nil {
		return "", err
	}
	if err := es.validateBatchSize(events, "appendIf"); err != nil {
		return "", err
	}

	conditionJSON, afterPosition, err := buildConditionPayload(condition)
	if err != nil {
		return "", err
	}

	appendCtx, cancel := es.withTimeout(ctx, es.config.AppendTimeout)
	defer cancel()

	if es.tx != nil {
		txID, err := es.appendInTx(appendCtx, es.tx, events, conditionJSON, afterPosition)
		if err != nil {
			es.emitViolationMetric(err)
			return "", err
		}
		es.emitAppendMetrics(events)
		return txID, nil
	}

	tx, err := es.pool.BeginTx(appendCtx, pgx.TxOptions{
		IsoLevel: toPgxIsoLevel(es.config.DefaultAppendIsolation),
	})
	if err != nil {
		return "", &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "appendIf",
				Err: fmt.Errorf("failed to begin transaction: %w", err),
			},
			Resource: "database",
		}
	}
	defer tx.Rollback(appendCtx)

	txID, err := es.appendInTx(appendCtx, tx, events, conditionJSON, afterPosition)
	if err != nil {
		es.emitViolationMetric(err)
		return "", err
	}

	if err := tx.Commit(appendCtx); err != nil {
		return "", &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "appendIf",
				Err: fmt.Errorf("failed to commit transaction: %w", err),
			},
			Resource: "database",
		}
	}

	es.emitAppendMetrics(events)
	return txID, nil
}

// buildConditionPayload validates the condition's query and renders the
// JSONB payload plus the cursor position for append_events_if.
func buildConditionPayload(condition AppendCondition) ([]byte, *int64, error) {
	wire := conditionWire{Items: []conditionItemWire{}}

	if q := condition.getFailIfEventsMatch(); q != nil {
		if err := validateQueryTags(q); err != nil {
			return nil, nil, err
		}
		for _, item := range q.GetItems() {
			wire.Items = append(wire.Items, conditionItemWire{
				EventTypes: item.GetEventTypes(),
				Tags:       TagsToArray(item.GetTags()),
			})
		}
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "appendIf",
				Err: fmt.Errorf("failed to marshal condition: %w", err),
			},
			Resource: "serialization",
		}
	}

	var afterPosition *int64
	if cursor := condition.AfterCursor(); cursor != nil {
		afterPosition = &cursor.Position
	}
	return payload, afterPosition, nil
}

// encodeTagsArrayLiteral renders tag strings as a Postgres array literal,
// escaping backslashes and quotes inside elements.
func encodeTagsArrayLiteral(tags []string) string {
	if len(tags) == 0 {
		return "{}"
	}
	quoted := make([]string, len(tags))
	for i, t := range tags {
		escaped := strings.ReplaceAll(t, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, `"`, `\"`)
		quoted[i] = `"` + escaped + `"`
	}
	return "{" + strings.Join(quoted, ",") + "}"
}

// appendInTx appends events within an existing transaction. Events travel
// as parallel arrays; each tags element is an array literal the SQL side
// casts back to TEXT[].
func (es *eventStore) appendInTx(ctx context.Context, tx pgx.Tx, events []InputEvent, conditionJSON []byte, afterPosition *int64) (string, error) {
	types := make([]string, len(events))
	tags := make([]string, len(events))
	data := make([][]byte, len(events))

	for i, event := range events {
		types[i] = event.GetType()
		// data is NOT NULL in the schema; events without a payload store
		// empty bytes.
		if d := event.GetData(); d != nil {
			data[i] = d
		} else {
			data[i] = []byte{}
		}
		tags[i] = encodeTagsArrayLiteral(TagsToArray(event.GetTags()))
	}

	if conditionJSON == nil {
		var txID string
		err := tx.QueryRow(ctx, `SELECT append_events_batch($1, $2, $3)`,
			types, tags, data).Scan(&txID)
		if err != nil {
			return "", &ResourceError{
				EventStoreError: EventStoreError{
					Op:  "appendInTx",
					Err: fmt.Errorf("failed to append events: %w", err),
				},
				Resource: "database",
			}
		}
		return txID, nil
	}

	var result []byte
	err := tx.QueryRow(ctx, `SELECT append_events_if($1, $2, $3, $4, $5)`,
		types, tags, data, conditionJSON, afterPosition).Scan(&result)
	if err != nil {
		return "", &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "appendInTx",
				Err: fmt.Errorf("failed to append events: %w", err),
			},
			Resource: "database",
		}
	}

	var outcome struct {
		Success        bool   `json:"success"`
		ViolationCount int64  `json:"violation_count"`
		TransactionID  string `json:"transaction_id"`
	}
	if err := json.Unmarshal(result, &outcome); err != nil {
		return "", &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "appendInTx",
				Err: fmt.Errorf("failed to parse append result: %w", err),
			},
			Resource: "serialization",
		}
	}

	if !outcome.Success {
		return "", &ConcurrencyError{
			EventStoreError: EventStoreError{
				Op:  "appendInTx",
				Err: fmt.Errorf("append condition violated: %d matching events", outcome.ViolationCount),
			},
			ViolationCount: outcome.ViolationCount,
		}
	}
	return outcome.TransactionID, nil
}

func (es *eventStore) emitAppendMetrics(events []InputEvent) {
	es.config.Metrics.Publish(EventsAppendedMetric{Count: len(events)})
	for _, event := range events {
		es.config.Metrics.Publish(EventTypeMetric{Type: event.GetType()})
	}
}

func (es *eventStore) emitViolationMetric(err error) {
	if IsConcurrencyError(err) {
		es.config.Metrics.Publish(ConcurrencyViolationMetric{})
	}
}
