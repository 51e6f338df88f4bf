package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/querygate/querygate/internal/ask"
	"github.com/querygate/querygate/internal/auth"
	"github.com/querygate/querygate/internal/config"
	"github.com/querygate/querygate/internal/history"
	"github.com/querygate/querygate/internal/quota"
)

type fakeAsk struct {
	answer    ask.Answer
	err       error
	remaining ask.Quota
	lastIP    string
	lastQ     string
}

func (f *fakeAsk) Ask(_ context.Context, question, clientIP string) (ask.Answer, error) {
	f.lastQ = question
	f.lastIP = clientIP
	return f.answer, f.err
}

func (f *fakeAsk) Remaining(_ context.Context, clientIP string) (ask.Quota, error) {
	f.lastIP = clientIP
	return f.remaining, nil
}

type fakeRecorder struct {
	attempts  []history.Attempt
	feedback  []history.RecordFeedbackInput
	listErr   error
	recordErr error
}

func (f *fakeRecorder) RecordAttempt(_ context.Context, in history.RecordAttemptInput) (history.Attempt, error) {
	return history.Attempt{}, nil
}

func (f *fakeRecorder) RecordFeedback(_ context.Context, in history.RecordFeedbackInput) (history.Feedback, error) {
	f.feedback = append(f.feedback, in)
	return history.Feedback{FeedbackID: 7}, f.recordErr
}

func (f *fakeRecorder) ListRecentAttempts(context.Context, int) ([]history.Attempt, error) {
	return f.attempts, f.listErr
}

func (f *fakeRecorder) GetAttempt(_ context.Context, attemptID int64) (history.Attempt, error) {
	for _, attempt := range f.attempts {
		if attempt.AttemptID == attemptID {
			return attempt, nil
		}
	}
	return history.Attempt{}, history.ErrNotFound
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.Service.Name = "querygate-api"
	cfg.HTTP.TrustProxyIP = true
	cfg.HTTP.AllowedOrigin = "*"
	return cfg
}

func newTestHandler(t *testing.T, deps Dependencies) http.Handler {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return NewHandler(testConfig(), deps)
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, rr.Body.String())
	}
	return payload
}

func TestWelcomeAndHealth(t *testing.T) {
	handler := newTestHandler(t, Dependencies{})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("welcome status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("health status = %d", rr.Code)
	}
	if payload := decodeBody(t, rr); payload["service"] != "querygate-api" {
		t.Fatalf("service = %v", payload["service"])
	}
}

func TestReadyReportsFailingDependency(t *testing.T) {
	handler := newTestHandler(t, Dependencies{
		Readiness: func(context.Context) error { return errors.New("ledger unreachable") },
	})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready status = %d", rr.Code)
	}
}

func TestQueryReturnsAnswer(t *testing.T) {
	service := &fakeAsk{answer: ask.Answer{
		Question: "list names",
		SQL:      "SELECT name FROM matches",
		Result:   ask.ResultSet{Columns: []string{"name"}, Rows: [][]any{{"alpha"}}},
		Quota:    ask.Quota{UserRemaining: 4, GlobalRemaining: 99},
	}}
	handler := newTestHandler(t, Dependencies{Ask: service})

	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(`{"user_query":"list names"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if service.lastIP != "203.0.113.9" {
		t.Fatalf("client ip = %q", service.lastIP)
	}
	payload := decodeBody(t, rr)
	if payload["sql_query"] != "SELECT name FROM matches" {
		t.Fatalf("sql_query = %v", payload["sql_query"])
	}
	remaining, ok := payload["remaining_requests"].(map[string]any)
	if !ok {
		t.Fatalf("remaining_requests missing: %v", payload)
	}
	if remaining["user_remaining"] != float64(4) || remaining["global_remaining"] != float64(99) {
		t.Fatalf("remaining = %v", remaining)
	}
}

func TestQueryAcceptsFormBody(t *testing.T) {
	service := &fakeAsk{answer: ask.Answer{SQL: "SELECT 1"}}
	handler := newTestHandler(t, Dependencies{Ask: service})

	form := url.Values{"user_query": {"how many matches"}}
	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if service.lastQ != "how many matches" {
		t.Fatalf("question = %q", service.lastQ)
	}
}

func TestQueryRequiresQuestion(t *testing.T) {
	handler := newTestHandler(t, Dependencies{Ask: &fakeAsk{}})

	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(`{"user_query":"  "}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestQueryErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "global limit", err: &ask.LimitError{Scope: quota.ScopeGlobal}, status: http.StatusTooManyRequests, code: "RATE_LIMITED"},
		{name: "ip limit", err: &ask.LimitError{Scope: quota.Scope("203.0.113.9")}, status: http.StatusTooManyRequests, code: "RATE_LIMITED"},
		{name: "refusal", err: &ask.RefusalError{Reason: "no such data"}, status: http.StatusBadRequest, code: "GENERATION_REFUSED"},
		{name: "validation", err: &ask.ValidationError{Reason: "forbidden keyword DROP"}, status: http.StatusBadRequest, code: "SQL_NOT_ALLOWED"},
		{name: "execution", err: ask.ErrExecution, status: http.StatusInternalServerError, code: "QUERY_EXECUTION_FAILED"},
		{name: "other", err: errors.New("boom"), status: http.StatusInternalServerError, code: "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := newTestHandler(t, Dependencies{Ask: &fakeAsk{err: tc.err}})
			req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(`{"user_query":"q"}`))
			req.Header.Set("Content-Type", "application/json")
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("status = %d, want %d", rr.Code, tc.status)
			}
			if payload := decodeBody(t, rr); payload["error_code"] != tc.code {
				t.Fatalf("error_code = %v, want %s", payload["error_code"], tc.code)
			}
		})
	}
}

func TestRateLimitedResponseIncludesRemaining(t *testing.T) {
	limitErr := &ask.LimitError{
		Scope:     quota.Scope("203.0.113.9"),
		Remaining: ask.Quota{UserRemaining: 0, GlobalRemaining: 420},
	}
	handler := newTestHandler(t, Dependencies{Ask: &fakeAsk{err: limitErr}})

	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(`{"user_query":"q"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rr.Code)
	}
	payload := decodeBody(t, rr)
	extra, ok := payload["context"].(map[string]any)
	if !ok {
		t.Fatalf("context missing: %v", payload)
	}
	if extra["scope"] != "ip" {
		t.Fatalf("scope = %v", extra["scope"])
	}
	remaining, ok := extra["remaining_requests"].(map[string]any)
	if !ok {
		t.Fatalf("remaining_requests missing: %v", extra)
	}
	if remaining["user_remaining"] != float64(0) || remaining["global_remaining"] != float64(420) {
		t.Fatalf("remaining = %v", remaining)
	}
}

func TestQuotaEndpoint(t *testing.T) {
	service := &fakeAsk{remaining: ask.Quota{UserRemaining: 5, GlobalRemaining: 500}}
	handler := newTestHandler(t, Dependencies{Ask: service})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/quota", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	payload := decodeBody(t, rr)
	remaining, ok := payload["remaining_requests"].(map[string]any)
	if !ok || remaining["user_remaining"] != float64(5) {
		t.Fatalf("payload = %v", payload)
	}
}

func TestFeedbackRecorded(t *testing.T) {
	recorder := &fakeRecorder{}
	handler := newTestHandler(t, Dependencies{Recorder: recorder})

	body := `{"user_query":"how many","sql_query":"SELECT COUNT(*) FROM matches","feedback_type":"positive"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/feedback", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if len(recorder.feedback) != 1 || recorder.feedback[0].Kind != history.FeedbackPositive {
		t.Fatalf("feedback = %+v", recorder.feedback)
	}
	if recorder.feedback[0].SQL != "SELECT COUNT(*) FROM matches" {
		t.Fatalf("sql = %q", recorder.feedback[0].SQL)
	}
}

func TestFeedbackAcceptsFormBody(t *testing.T) {
	recorder := &fakeRecorder{}
	handler := newTestHandler(t, Dependencies{Recorder: recorder})

	form := url.Values{
		"user_query":    {"how many"},
		"sql_query":     {"SELECT COUNT(*) FROM matches"},
		"feedback_type": {"negative"},
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/feedback", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if len(recorder.feedback) != 1 || recorder.feedback[0].Kind != history.FeedbackNegative {
		t.Fatalf("feedback = %+v", recorder.feedback)
	}
	if recorder.feedback[0].Question != "how many" {
		t.Fatalf("question = %q", recorder.feedback[0].Question)
	}
}

func TestFeedbackRejectsUnknownKind(t *testing.T) {
	handler := newTestHandler(t, Dependencies{Recorder: &fakeRecorder{}})

	req := httptest.NewRequest(http.MethodPost, "/v1/feedback", strings.NewReader(`{"user_query":"q","feedback_type":"meh"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestHistoryRequiresAPIKey(t *testing.T) {
	validator, err := auth.NewStaticAPIKeyValidator("k1:auditor")
	if err != nil {
		t.Fatalf("validator setup: %v", err)
	}
	recorder := &fakeRecorder{attempts: []history.Attempt{{
		AttemptID: 1,
		Question:  "how many",
		Succeeded: true,
		CreatedAt: time.Now(),
	}}}
	handler := newTestHandler(t, Dependencies{
		Recorder:       recorder,
		AuthMiddleware: auth.Middleware(nil, validator),
	})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/history", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/history?limit=10", nil)
	req.Header.Set("X-API-Key", "k1")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d body = %s", rr.Code, rr.Body.String())
	}
	payload := decodeBody(t, rr)
	attempts, ok := payload["attempts"].([]any)
	if !ok || len(attempts) != 1 {
		t.Fatalf("attempts = %v", payload["attempts"])
	}
}

func TestHistoryAttemptLookup(t *testing.T) {
	recorder := &fakeRecorder{attempts: []history.Attempt{{
		AttemptID:    7,
		Question:     "how many",
		GeneratedSQL: "SELECT COUNT(*) FROM matches",
		Succeeded:    true,
		CreatedAt:    time.Now(),
	}}}
	handler := newTestHandler(t, Dependencies{Recorder: recorder})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/history/7", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if payload := decodeBody(t, rr); payload["attempt_id"] != float64(7) {
		t.Fatalf("attempt_id = %v", payload["attempt_id"])
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/history/999", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing attempt status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/history/zero", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d", rr.Code)
	}
}

func TestHistoryRejectsBadLimit(t *testing.T) {
	handler := newTestHandler(t, Dependencies{Recorder: &fakeRecorder{}})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/history?limit=zero", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := newTestHandler(t, Dependencies{})

	req := httptest.NewRequest(http.MethodOptions, "/v1/query", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("allow origin = %q", rr.Header().Get("Access-Control-Allow-Origin"))
	}
}
