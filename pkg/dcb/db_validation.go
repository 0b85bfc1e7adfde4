package dcb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// =============================================================================
// Database Validation Functions
// =============================================================================

// validateSchema checks every table the engine writes or reads. The events
// and commands tables are required; outbox_topic_progress is only needed
// when an outbox runs against this database, so its absence is tolerated.
func validateSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if err := validateTableExists(ctx, pool, "events", true); err != nil {
		return err
	}
	if err := validateTableExists(ctx, pool, "commands", true); err != nil {
		return err
	}
	return validateTableExists(ctx, pool, "outbox_topic_progress", false)
}

// validateTableExists validates that a table exists with correct structure.
// required: if true, a missing table is an error; if false, a missing table
// is acceptable.
func validateTableExists(ctx context.Context, pool *pgxpool.Pool, tableName string, required bool) error {
	var exists bool
	err := pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_name = $1
		)
	`, tableName).Scan(&exists)

	if err != nil {
		return fmt.Errorf("failed to check table existence: %w", err)
	}

	if !exists {
		if required {
			return &TableStructureError{
				EventStoreError: EventStoreError{
					Op:  "validate_table_exists",
					Err: fmt.Errorf("required table %s does not exist", tableName),
				},
				TableName: tableName,
				Issue:     "required table does not exist",
			}
		}
		return nil
	}

	if err := validateTableStructure(ctx, pool, tableName); err != nil {
		if tableErr, ok := err.(*TableStructureError); ok {
			tableErr.EventStoreError.Op = "validate_table_exists"
			return tableErr
		}
		return &TableStructureError{
			EventStoreError: EventStoreError{
				Op:  "validate_table_exists",
				Err: err,
			},
			TableName: tableName,
			Issue:     "table structure validation failed",
		}
	}

	return nil
}

type expectedColumn struct {
	dataType   string
	isNullable string
	hasDefault bool
}

// expectedTableColumns describes the schema contract per table, in
// information_schema terms.
func expectedTableColumns(tableName string) map[string]expectedColumn {
	switch tableName {
	case "events":
		return map[string]expectedColumn{
			"type":           {dataType: "character varying", isNullable: "NO"},
			"tags":           {dataType: "ARRAY", isNullable: "NO"},
			"data":           {dataType: "bytea", isNullable: "NO"},
			"transaction_id": {dataType: "xid8", isNullable: "NO"},
			"position":       {dataType: "bigint", isNullable: "NO"},
			"occurred_at":    {dataType: "timestamp with time zone", isNullable: "NO", hasDefault: true},
		}
	case "commands":
		return map[string]expectedColumn{
			"transaction_id": {dataType: "xid8", isNullable: "NO"},
			"type":           {dataType: "character varying", isNullable: "NO"},
			"data":           {dataType: "bytea", isNullable: "NO"},
			"metadata":       {dataType: "jsonb", isNullable: "YES"},
			"occurred_at":    {dataType: "timestamp with time zone", isNullable: "NO", hasDefault: true},
		}
	case "outbox_topic_progress":
		return map[string]expectedColumn{
			"topic":             {dataType: "text", isNullable: "NO"},
			"publisher":         {dataType: "text", isNullable: "NO"},
			"last_position":     {dataType: "bigint", isNullable: "NO"},
			"last_published_at": {dataType: "timestamp with time zone", isNullable: "YES"},
			"status":            {dataType: "text", isNullable: "NO"},
			"error_count":       {dataType: "integer", isNullable: "NO"},
			"last_error":        {dataType: "text", isNullable: "YES"},
			"leader_instance":   {dataType: "text", isNullable: "YES"},
			"leader_since":      {dataType: "timestamp with time zone", isNullable: "YES"},
			"leader_heartbeat":  {dataType: "timestamp with time zone", isNullable: "YES"},
		}
	default:
		return nil
	}
}

// validateTableStructure checks that the table has the expected columns and types
func validateTableStructure(ctx context.Context, pool *pgxpool.Pool, tableName string) error {
	expectedColumns := expectedTableColumns(tableName)
	if expectedColumns == nil {
		return &TableStructureError{
			EventStoreError: EventStoreError{
				Op:  "validate_table_structure",
				Err: fmt.Errorf("unknown table '%s' for validation", tableName),
			},
			TableName: tableName,
			Issue:     "unknown table for validation",
		}
	}

	rows, err := pool.Query(ctx, `
		SELECT column_name, data_type, is_nullable, column_default
		FROM information_schema.columns
		WHERE table_name = $1
		ORDER BY ordinal_position
	`, tableName)
	if err != nil {
		return &TableStructureError{
			EventStoreError: EventStoreError{
				Op:  "validate_table_structure",
				Err: fmt.Errorf("failed to query table structure: %w", err),
			},
			TableName: tableName,
			Issue:     "failed to query table structure",
		}
	}
	defer rows.Close()

	foundColumns := make(map[string]bool)

	for rows.Next() {
		var columnName, dataType, isNullable, columnDefault sql.NullString
		if err := rows.Scan(&columnName, &dataType, &isNullable, &columnDefault); err != nil {
			return &TableStructureError{
				EventStoreError: EventStoreError{
					Op:  "validate_table_structure",
					Err: fmt.Errorf("failed to scan column info: %w", err),
				},
				TableName: tableName,
				Issue:     "failed to scan column information",
			}
		}

		if !columnName.Valid {
			continue
		}

		foundColumns[columnName.String] = true

		expected, exists := expectedColumns[columnName.String]
		if !exists {
			return &TableStructureError{
				EventStoreError: EventStoreError{
					Op:  "validate_table_structure",
					Err: fmt.Errorf("unexpected column '%s' found", columnName.String),
				},
				TableName:  tableName,
				ColumnName: columnName.String,
				Issue:      "unexpected column found",
			}
		}

		if dataType.String != expected.dataType {
			return &TableStructureError{
				EventStoreError: EventStoreError{
					Op:  "validate_table_structure",
					Err: fmt.Errorf("column '%s' should be %s type, got %s", columnName.String, expected.dataType, dataType.String),
				},
				TableName:    tableName,
				ColumnName:   columnName.String,
				ExpectedType: expected.dataType,
				ActualType:   dataType.String,
				Issue:        "incorrect data type",
			}
		}

		if isNullable.String != expected.isNullable {
			return &TableStructureError{
				EventStoreError: EventStoreError{
					Op:  "validate_table_structure",
					Err: fmt.Errorf("column '%s' should be %s, got %s", columnName.String, expected.isNullable, isNullable.String),
				},
				TableName:  tableName,
				ColumnName: columnName.String,
				Issue:      fmt.Sprintf("incorrect nullable constraint: expected %s, got %s", expected.isNullable, isNullable.String),
			}
		}

		if expected.hasDefault && !columnDefault.Valid {
			return &TableStructureError{
				EventStoreError: EventStoreError{
					Op:  "validate_table_structure",
					Err: fmt.Errorf("column '%s' should have a default value", columnName.String),
				},
				TableName:  tableName,
				ColumnName: columnName.String,
				Issue:      "missing default value",
			}
		}
	}

	if err := rows.Err(); err != nil {
		return &TableStructureError{
			EventStoreError: EventStoreError{
				Op:  "validate_table_structure",
				Err: fmt.Errorf("error iterating table columns: %w", err),
			},
			TableName: tableName,
			Issue:     "error iterating table columns",
		}
	}

	for columnName := range expectedColumns {
		if !foundColumns[columnName] {
			return &TableStructureError{
				EventStoreError: EventStoreError{
					Op:  "validate_table_structure",
					Err: fmt.Errorf("missing required column '%s'", columnName),
				},
				TableName:  tableName,
				ColumnName: columnName,
				Issue:      "missing required column",
			}
		}
	}

	return nil
}
