package api

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/querygate/querygate/internal/config"
	"github.com/querygate/querygate/internal/history"
)

type feedbackRequest struct {
	UserQuery    string `json:"user_query"`
	SQLQuery     string `json:"sql_query"`
	FeedbackType string `json:"feedback_type"`
}

func handleFeedback(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Recorder == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "FEEDBACK_NOT_CONFIGURED", "feedback dependencies are not configured", false, nil)
		return
	}

	request, err := feedbackFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), false, nil)
		return
	}
	if strings.TrimSpace(request.UserQuery) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "user_query is required", false, nil)
		return
	}

	var kind history.FeedbackKind
	switch strings.ToLower(strings.TrimSpace(request.FeedbackType)) {
	case "positive":
		kind = history.FeedbackPositive
	case "negative":
		kind = history.FeedbackNegative
	default:
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_KIND", "feedback_type must be positive or negative", false, nil)
		return
	}

	feedback, err := deps.Recorder.RecordFeedback(r.Context(), history.RecordFeedbackInput{
		ClientIP: clientIP(r, cfg.HTTP.TrustProxyIP),
		Question: request.UserQuery,
		SQL:      request.SQLQuery,
		Kind:     kind,
	})
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "FEEDBACK_FAILED", "could not record feedback", true, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"feedback_id": feedback.FeedbackID, "status": "recorded"})
}

// feedbackFromRequest accepts the same body shapes as the query endpoint: a
// JSON object or a form post.
func feedbackFromRequest(r *http.Request) (feedbackRequest, error) {
	contentType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		contentType = ""
	}
	switch contentType {
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return feedbackRequest{}, errors.New("invalid form body")
		}
		return feedbackFromForm(r), nil
	case "multipart/form-data":
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			return feedbackRequest{}, errors.New("invalid form body")
		}
		return feedbackFromForm(r), nil
	default:
		var request feedbackRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&request); err != nil {
			return feedbackRequest{}, errors.New("invalid feedback body")
		}
		return request, nil
	}
}

func feedbackFromForm(r *http.Request) feedbackRequest {
	return feedbackRequest{
		UserQuery:    r.PostFormValue("user_query"),
		SQLQuery:     r.PostFormValue("sql_query"),
		FeedbackType: r.PostFormValue("feedback_type"),
	}
}
