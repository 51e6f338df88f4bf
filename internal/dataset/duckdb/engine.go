// Package duckdb executes dataset queries against a local DuckDB database
// file. The database is opened read-only so a statement that slips past
// validation still cannot modify the dataset.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/querygate/querygate/internal/dataset"
)

type Engine struct {
	db *sql.DB
}

func NewEngine(path string) (*Engine, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("dataset path is required")
	}
	db, err := sql.Open("duckdb", path+"?access_mode=read_only")
	if err != nil {
		return nil, fmt.Errorf("open duckdb dataset: %w", err)
	}
	return &Engine{db: db}, nil
}

func (e *Engine) Close() error {
	return e.db.Close()
}

func (e *Engine) Query(ctx context.Context, request dataset.Request) (dataset.Result, error) {
	sqlText := stripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return dataset.Result{}, fmt.Errorf("sql is required")
	}
	if request.RowLimit > 0 {
		sqlText = fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", sqlText, request.RowLimit)
	}

	start := time.Now()
	rows, err := e.db.QueryContext(ctx, sqlText)
	if err != nil {
		return dataset.Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return dataset.Result{}, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return dataset.Result{}, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return dataset.Result{}, fmt.Errorf("iterate rows: %w", err)
	}

	return dataset.Result{
		Columns:  columns,
		Rows:     resultRows,
		Duration: time.Since(start),
	}, nil
}

// Schema lists the base tables and their columns from information_schema.
func (e *Engine) Schema(ctx context.Context) ([]dataset.Table, error) {
	const schemaSQL = `
SELECT table_name, column_name
FROM information_schema.columns
WHERE table_schema = 'main'
ORDER BY table_name, ordinal_position`

	rows, err := e.db.QueryContext(ctx, schemaSQL)
	if err != nil {
		return nil, fmt.Errorf("introspect schema: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tables []dataset.Table
	byName := map[string]int{}
	for rows.Next() {
		var tableName, columnName string
		if err := rows.Scan(&tableName, &columnName); err != nil {
			return nil, fmt.Errorf("scan schema row: %w", err)
		}
		index, ok := byName[tableName]
		if !ok {
			index = len(tables)
			byName[tableName] = index
			tables = append(tables, dataset.Table{Name: tableName})
		}
		tables[index].Columns = append(tables[index].Columns, columnName)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema rows: %w", err)
	}
	return tables, nil
}

// normalizeValues makes rows JSON-friendly: byte slices become strings and
// floats are rounded to two decimal places for presentation.
func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		case float64:
			normalized[i] = roundTwoDecimals(typed)
		case float32:
			normalized[i] = roundTwoDecimals(float64(typed))
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func roundTwoDecimals(value float64) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return value
	}
	return math.Round(value*100) / 100
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
