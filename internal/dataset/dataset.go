// Package dataset defines the read-only analytical dataset the service
// answers questions about.
package dataset

import (
	"context"
	"time"
)

type Request struct {
	SQL      string
	RowLimit int
}

type Result struct {
	Columns  []string
	Rows     [][]any
	Duration time.Duration
}

// Table describes one queryable table, as discovered from the dataset itself.
type Table struct {
	Name    string
	Columns []string
}

type Executor interface {
	Query(ctx context.Context, request Request) (Result, error)
	Schema(ctx context.Context) ([]Table, error)
}
