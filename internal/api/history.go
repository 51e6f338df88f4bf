package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/querygate/querygate/internal/auth"
	"github.com/querygate/querygate/internal/history"
)

type attemptView struct {
	AttemptID    int64     `json:"attempt_id"`
	ClientIP     string    `json:"client_ip"`
	Question     string    `json:"question"`
	GeneratedSQL string    `json:"generated_sql"`
	Succeeded    bool      `json:"succeeded"`
	CreatedAt    time.Time `json:"created_at"`
}

func handleHistory(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Recorder == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "HISTORY_NOT_CONFIGURED", "history dependencies are not configured", false, nil)
		return
	}
	if err := requireRole(r, "auditor"); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", false, nil)
			return
		}
		limit = parsed
	}

	attempts, err := deps.Recorder.ListRecentAttempts(r.Context(), limit)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "HISTORY_FAILED", "could not list history", true, nil)
		return
	}

	views := make([]attemptView, 0, len(attempts))
	for _, attempt := range attempts {
		views = append(views, attemptView{
			AttemptID:    attempt.AttemptID,
			ClientIP:     attempt.ClientIP,
			Question:     attempt.Question,
			GeneratedSQL: attempt.GeneratedSQL,
			Succeeded:    attempt.Succeeded,
			CreatedAt:    attempt.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": views})
}

func handleHistoryAttempt(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Recorder == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "HISTORY_NOT_CONFIGURED", "history dependencies are not configured", false, nil)
		return
	}
	if err := requireRole(r, "auditor"); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	attemptID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || attemptID <= 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_ATTEMPT_ID", "attempt id must be a positive integer", false, nil)
		return
	}

	attempt, err := deps.Recorder.GetAttempt(r.Context(), attemptID)
	if errors.Is(err, history.ErrNotFound) {
		writeError(r.Context(), w, http.StatusNotFound, "ATTEMPT_NOT_FOUND", "no attempt with that id", false, nil)
		return
	}
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "HISTORY_FAILED", "could not load attempt", true, nil)
		return
	}
	writeJSON(w, http.StatusOK, attemptView{
		AttemptID:    attempt.AttemptID,
		ClientIP:     attempt.ClientIP,
		Question:     attempt.Question,
		GeneratedSQL: attempt.GeneratedSQL,
		Succeeded:    attempt.Succeeded,
		CreatedAt:    attempt.CreatedAt,
	})
}

// requireRole is a no-op when the request carries no identity, which happens
// only when auth is disabled by configuration.
func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if !identity.HasRole(role) {
		return fmt.Errorf("role %q is required", role)
	}
	return nil
}
