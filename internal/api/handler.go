// Package api exposes the HTTP surface: the public question endpoint, quota
// lookup, feedback, and the authenticated history view.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/querygate/querygate/internal/ask"
	"github.com/querygate/querygate/internal/config"
	"github.com/querygate/querygate/internal/history"
	"github.com/querygate/querygate/internal/observability"
)

type ReadinessCheck func(ctx context.Context) error

// AskService is the question pipeline as the handlers see it.
type AskService interface {
	Ask(ctx context.Context, question, clientIP string) (ask.Answer, error)
	Remaining(ctx context.Context, clientIP string) (ask.Quota, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Ask               AskService
	Recorder          history.Recorder
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"service": cfg.Service.Name,
			"message": "ask questions about the dataset via POST /v1/query",
		})
	})

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	mux.HandleFunc("POST /v1/query", func(w http.ResponseWriter, r *http.Request) {
		handleQuery(cfg, deps, w, r)
	})
	mux.HandleFunc("GET /v1/quota", func(w http.ResponseWriter, r *http.Request) {
		handleQuota(cfg, deps, w, r)
	})
	mux.HandleFunc("POST /v1/feedback", func(w http.ResponseWriter, r *http.Request) {
		handleFeedback(cfg, deps, w, r)
	})

	historyHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleHistory(deps, w, r)
	})
	attemptHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleHistoryAttempt(deps, w, r)
	})
	if deps.AuthMiddleware != nil {
		mux.Handle("GET /v1/history", deps.AuthMiddleware(historyHandler))
		mux.Handle("GET /v1/history/{id}", deps.AuthMiddleware(attemptHandler))
	} else if cfg.Auth.Required {
		missing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
		})
		mux.Handle("GET /v1/history", missing)
		mux.Handle("GET /v1/history/{id}", missing)
	} else {
		mux.Handle("GET /v1/history", historyHandler)
		mux.Handle("GET /v1/history/{id}", attemptHandler)
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
		observability.CORSMiddleware(cfg.HTTP.AllowedOrigin),
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func CheckLedgerDSN(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Ledger.DSN == "" {
			return errors.New("ledger dsn is not configured")
		}
		return nil
	}
}

func CheckDatasetPath(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Dataset.Path == "" {
			return errors.New("dataset path is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
