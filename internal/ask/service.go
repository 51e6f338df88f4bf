// Package ask runs the question pipeline: admission against the daily
// quotas, SQL generation, static validation, execution, and history
// recording. Each stage only runs once every earlier stage has passed, so a
// rejected request never reaches the model or the dataset.
package ask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/querygate/querygate/internal/dataset"
	"github.com/querygate/querygate/internal/history"
	"github.com/querygate/querygate/internal/nlsql"
	"github.com/querygate/querygate/internal/observability"
	"github.com/querygate/querygate/internal/quota"
	"github.com/querygate/querygate/internal/sqlcheck"
)

// LimitError reports an admission rejection. Scope says which quota tier
// turned the request away; Remaining holds the figures at rejection time so
// the caller still sees its standing.
type LimitError struct {
	Scope     quota.Scope
	Remaining Quota
}

func (e *LimitError) Error() string {
	if e.Scope == quota.ScopeGlobal {
		return "daily global request limit reached, try again tomorrow"
	}
	return "daily request limit for this client reached, try again tomorrow"
}

// RefusalError carries the model's stated reason for not producing SQL.
type RefusalError struct {
	Reason string
}

func (e *RefusalError) Error() string {
	return e.Reason
}

// ValidationError reports a generated statement the validator rejected.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("generated query was rejected: %s", e.Reason)
}

// ErrExecution is returned to callers for any dataset failure. The underlying
// error is logged, never exposed.
var ErrExecution = errors.New("query execution failed")

type Quota struct {
	UserRemaining   int64 `json:"user_remaining"`
	GlobalRemaining int64 `json:"global_remaining"`
}

type ResultSet struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

type Answer struct {
	Question string    `json:"question"`
	SQL      string    `json:"sql_query"`
	Result   ResultSet `json:"result"`
	Quota    Quota     `json:"remaining_requests"`
}

type Config struct {
	RowLimit int
	Tables   []nlsql.TableContext
}

type Service struct {
	limiter   *quota.Limiter
	generator nlsql.Generator
	validator *sqlcheck.Validator
	executor  dataset.Executor
	recorder  history.Recorder
	logger    *slog.Logger
	rowLimit  int
	tables    []nlsql.TableContext
	now       func() time.Time
}

func NewService(
	limiter *quota.Limiter,
	generator nlsql.Generator,
	validator *sqlcheck.Validator,
	executor dataset.Executor,
	recorder history.Recorder,
	logger *slog.Logger,
	cfg Config,
) *Service {
	return &Service{
		limiter:   limiter,
		generator: generator,
		validator: validator,
		executor:  executor,
		recorder:  recorder,
		logger:    logger,
		rowLimit:  cfg.RowLimit,
		tables:    cfg.Tables,
		now:       time.Now,
	}
}

// Ask answers one natural-language question for the given client. Admission
// consumes quota from both tiers before any model or dataset work happens, so
// a later failure still counts against the day.
func (s *Service) Ask(ctx context.Context, question, clientIP string) (Answer, error) {
	start := s.now()
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, &ValidationError{Reason: "question must not be empty"}
	}

	day := s.limiter.Day(start)
	decision, ipLeft, globalLeft, err := s.limiter.CheckAdmit(ctx, clientIP, day)
	if err != nil {
		return Answer{}, fmt.Errorf("check quota: %w", err)
	}
	atRejection := Quota{UserRemaining: ipLeft, GlobalRemaining: globalLeft}
	switch decision {
	case quota.GlobalLimitReached:
		observability.IncrementAdmissionRejected(string(quota.ScopeGlobal))
		return Answer{}, &LimitError{Scope: quota.ScopeGlobal, Remaining: atRejection}
	case quota.IPLimitReached:
		observability.IncrementAdmissionRejected("ip")
		return Answer{}, &LimitError{Scope: quota.Scope(clientIP), Remaining: atRejection}
	}

	observability.IncrementAskRequest()
	ipRemaining, globalRemaining, err := s.limiter.Count(ctx, clientIP, day)
	if err != nil {
		return Answer{}, fmt.Errorf("count request: %w", err)
	}
	observability.SetQuotaRemaining("ip", ipRemaining)
	observability.SetQuotaRemaining(string(quota.ScopeGlobal), globalRemaining)

	generated, err := s.generator.Generate(ctx, nlsql.Request{Question: question, Tables: s.tables})
	if err != nil {
		observability.IncrementGenerationFailure()
		s.recordAttempt(ctx, clientIP, question, "", false)
		return Answer{}, fmt.Errorf("generate sql: %w", err)
	}
	if generated.Refused() {
		s.recordAttempt(ctx, clientIP, question, "", false)
		return Answer{}, &RefusalError{Reason: generated.Refusal}
	}

	verdict := s.validator.Validate(generated.SQL)
	if !verdict.Safe {
		observability.IncrementValidationRejected()
		s.recordAttempt(ctx, clientIP, question, generated.SQL, false)
		s.logger.Warn("generated sql rejected",
			slog.String("reason", verdict.Reason),
			slog.String("client_ip", clientIP))
		return Answer{}, &ValidationError{Reason: verdict.Reason}
	}

	result, err := s.executor.Query(ctx, dataset.Request{SQL: generated.SQL, RowLimit: s.rowLimit})
	if err != nil {
		observability.IncrementExecutionFailure()
		s.recordAttempt(ctx, clientIP, question, generated.SQL, false)
		s.logger.Error("query execution failed",
			slog.String("client_ip", clientIP),
			slog.String("error", err.Error()))
		return Answer{}, ErrExecution
	}

	s.recordAttempt(ctx, clientIP, question, generated.SQL, true)
	observability.ObserveAskRequest(s.now().Sub(start))

	return Answer{
		Question: question,
		SQL:      generated.SQL,
		Result: ResultSet{
			Columns: result.Columns,
			Rows:    result.Rows,
		},
		Quota: Quota{
			UserRemaining:   ipRemaining,
			GlobalRemaining: globalRemaining,
		},
	}, nil
}

// Remaining reports the current day's remaining quota without consuming any.
func (s *Service) Remaining(ctx context.Context, clientIP string) (Quota, error) {
	day := s.limiter.Day(s.now())
	ipRemaining, err := s.limiter.RemainingIP(ctx, clientIP, day)
	if err != nil {
		return Quota{}, fmt.Errorf("remaining ip quota: %w", err)
	}
	globalRemaining, err := s.limiter.RemainingGlobal(ctx, day)
	if err != nil {
		return Quota{}, fmt.Errorf("remaining global quota: %w", err)
	}
	return Quota{UserRemaining: ipRemaining, GlobalRemaining: globalRemaining}, nil
}

// recordAttempt is best effort: a ledger outage must not fail a request that
// already produced an answer or a definitive rejection.
func (s *Service) recordAttempt(ctx context.Context, clientIP, question, generatedSQL string, succeeded bool) {
	if s.recorder == nil {
		return
	}
	_, err := s.recorder.RecordAttempt(ctx, history.RecordAttemptInput{
		ClientIP:     clientIP,
		Question:     question,
		GeneratedSQL: generatedSQL,
		Succeeded:    succeeded,
	})
	if err != nil {
		s.logger.Error("record attempt failed", slog.String("error", err.Error()))
	}
}
