// Package nlsql turns a natural-language question into a candidate SQL
// statement via an OpenAI-compatible chat endpoint. The model is instructed
// to answer `ERROR: <reason>` when a question cannot be served by the
// dataset; that protocol is decoded here so callers see a Refusal instead of
// a bogus statement.
package nlsql

import "context"

type TableContext struct {
	TableName string   `json:"table_name"`
	Columns   []string `json:"columns"`
}

type Request struct {
	Question string         `json:"question"`
	Tables   []TableContext `json:"tables"`
}

// Result carries either a generated statement or the model's stated refusal.
// Exactly one of SQL and Refusal is set.
type Result struct {
	SQL     string `json:"sql"`
	Refusal string `json:"refusal,omitempty"`
	Model   string `json:"model"`
}

func (r Result) Refused() bool {
	return r.Refusal != ""
}

type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}
