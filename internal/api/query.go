package api

import (
	"encoding/json"
	"errors"
	"mime"
	"net"
	"net/http"
	"strings"

	"github.com/querygate/querygate/internal/ask"
	"github.com/querygate/querygate/internal/config"
	"github.com/querygate/querygate/internal/quota"
)

type queryRequest struct {
	UserQuery string `json:"user_query"`
}

func handleQuery(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Ask == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query dependencies are not configured", false, nil)
		return
	}

	question, err := questionFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), false, nil)
		return
	}
	if strings.TrimSpace(question) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "user_query is required", false, nil)
		return
	}

	answer, err := deps.Ask.Ask(r.Context(), question, clientIP(r, cfg.HTTP.TrustProxyIP))
	if err != nil {
		writeAskError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func handleQuota(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Ask == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query dependencies are not configured", false, nil)
		return
	}
	remaining, err := deps.Ask.Remaining(r.Context(), clientIP(r, cfg.HTTP.TrustProxyIP))
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "QUOTA_LOOKUP_FAILED", "could not read remaining quota", true, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"remaining_requests": remaining})
}

func writeAskError(w http.ResponseWriter, r *http.Request, err error) {
	var limitErr *ask.LimitError
	if errors.As(err, &limitErr) {
		extra := map[string]any{
			"scope":              "ip",
			"remaining_requests": limitErr.Remaining,
		}
		if limitErr.Scope == quota.ScopeGlobal {
			extra["scope"] = "global"
		}
		writeError(r.Context(), w, http.StatusTooManyRequests, "RATE_LIMITED", limitErr.Error(), true, extra)
		return
	}
	var refusal *ask.RefusalError
	if errors.As(err, &refusal) {
		writeError(r.Context(), w, http.StatusBadRequest, "GENERATION_REFUSED", refusal.Reason, false, nil)
		return
	}
	var validationErr *ask.ValidationError
	if errors.As(err, &validationErr) {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_NOT_ALLOWED", validationErr.Error(), false, nil)
		return
	}
	if errors.Is(err, ask.ErrExecution) {
		writeError(r.Context(), w, http.StatusInternalServerError, "QUERY_EXECUTION_FAILED", "query execution failed", true, nil)
		return
	}
	writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", true, nil)
}

// questionFromRequest accepts either a JSON body or a form post, so plain
// HTML frontends work without JavaScript.
func questionFromRequest(r *http.Request) (string, error) {
	contentType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		contentType = ""
	}
	switch contentType {
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return "", errors.New("invalid form body")
		}
		return r.PostFormValue("user_query"), nil
	case "multipart/form-data":
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			return "", errors.New("invalid form body")
		}
		return r.PostFormValue("user_query"), nil
	default:
		var request queryRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&request); err != nil {
			return "", errors.New("invalid request body")
		}
		return request.UserQuery, nil
	}
}

// clientIP picks the quota key for a request. Behind a trusted proxy the
// first X-Forwarded-For entry is the real client; otherwise the socket peer.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
			first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
			if first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
