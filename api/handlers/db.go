package handlers

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/xentoshi/insight/agent/pkg/workflow"
	"github.com/xentoshi/insight/api/config"
	"github.com/xentoshi/insight/api/metrics"
)

// CHExecutor implements workflow.SQLExecutor against the global ClickHouse
// connection pool.
type CHExecutor struct{}

// NewCHExecutor creates a new CHExecutor.
func NewCHExecutor() *CHExecutor {
	return &CHExecutor{}
}

// ExecuteQuery runs the SQL and collects rows as maps keyed by column name.
func (e *CHExecutor) ExecuteQuery(ctx context.Context, sql, _ string) (*workflow.QueryResult, error) {
	sql = strings.TrimSuffix(strings.TrimSpace(sql), ";")

	start := time.Now()
	rows, err := config.DB.Query(ctx, sql)
	duration := time.Since(start)
	if err != nil {
		metrics.RecordClickHouseQuery(duration, err)
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	columnTypes := rows.ColumnTypes()
	columns := make([]string, len(columnTypes))
	for i, ct := range columnTypes {
		columns[i] = ct.Name()
	}

	var resultRows []map[string]any
	for rows.Next() {
		// Scan into properly typed values based on column types
		values := make([]any, len(columnTypes))
		for i, ct := range columnTypes {
			values[i] = reflect.New(ct.ScanType()).Interface()
		}

		if err := rows.Scan(values...); err != nil {
			metrics.RecordClickHouseQuery(duration, err)
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		row := make(map[string]any)
		for i, col := range columns {
			row[col] = reflect.ValueOf(values[i]).Elem().Interface()
		}
		resultRows = append(resultRows, row)
	}

	if err := rows.Err(); err != nil {
		metrics.RecordClickHouseQuery(duration, err)
		return nil, fmt.Errorf("query failed: %w", err)
	}

	metrics.RecordClickHouseQuery(duration, nil)

	sanitizeRows(resultRows)

	return &workflow.QueryResult{
		SQL:             sql,
		Columns:         columns,
		Rows:            resultRows,
		Count:           len(resultRows),
		ExecutionTimeMS: duration.Milliseconds(),
	}, nil
}

// sanitizeRows replaces NaN/Inf float values with nil so results stay
// JSON-encodable.
func sanitizeRows(rows []map[string]any) {
	for _, row := range rows {
		for k, v := range row {
			switch f := v.(type) {
			case float64:
				if math.IsNaN(f) || math.IsInf(f, 0) {
					row[k] = nil
				}
			case float32:
				if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
					row[k] = nil
				}
			}
		}
	}
}

// CHSchemaFetcher implements workflow.SchemaFetcher against the global
// ClickHouse connection pool.
type CHSchemaFetcher struct{}

// NewCHSchemaFetcher creates a new CHSchemaFetcher.
func NewCHSchemaFetcher() *CHSchemaFetcher {
	return &CHSchemaFetcher{}
}

// FetchSchema reads table and column definitions from system.columns.
// Staging tables are excluded from the discovered schema.
func (f *CHSchemaFetcher) FetchSchema(ctx context.Context, database string) (*workflow.Schema, error) {
	if database == "" {
		database = config.Database()
	}

	start := time.Now()
	rows, err := config.DB.Query(ctx, `
		SELECT
			table,
			name,
			type
		FROM system.columns
		WHERE database = $1
		  AND table NOT LIKE 'stg_%'
		ORDER BY table, position
	`, database)
	duration := time.Since(start)
	if err != nil {
		metrics.RecordClickHouseQuery(duration, err)
		return nil, fmt.Errorf("failed to fetch columns: %w", err)
	}
	defer rows.Close()
	metrics.RecordClickHouseQuery(duration, nil)

	schema := &workflow.Schema{Database: database}
	var current *workflow.Table
	for rows.Next() {
		var table, name, typ string
		if err := rows.Scan(&table, &name, &typ); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		if current == nil || current.Name != table {
			schema.Tables = append(schema.Tables, workflow.Table{Name: table})
			current = &schema.Tables[len(schema.Tables)-1]
		}
		current.Columns = append(current.Columns, workflow.Column{Name: name, Type: typ})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate columns: %w", err)
	}

	if len(schema.Tables) == 0 {
		return nil, fmt.Errorf("no tables found in database %q", database)
	}

	return schema, nil
}
