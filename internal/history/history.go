// Package history defines the append-only audit records written for every
// admitted request and for user feedback.
package history

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by attempt lookups for unknown or archived ids.
var ErrNotFound = errors.New("history: not found")

// Attempt is one natural-language request and its outcome. Written once,
// never mutated; quota decisions never read it.
type Attempt struct {
	AttemptID    int64
	ClientIP     string
	Question     string
	GeneratedSQL string
	Succeeded    bool
	CreatedAt    time.Time
}

type FeedbackKind string

const (
	FeedbackPositive FeedbackKind = "positive"
	FeedbackNegative FeedbackKind = "negative"
)

type Feedback struct {
	FeedbackID int64
	ClientIP   string
	Question   string
	SQL        string
	Kind       FeedbackKind
	CreatedAt  time.Time
}

type RecordAttemptInput struct {
	ClientIP     string
	Question     string
	GeneratedSQL string
	Succeeded    bool
}

type RecordFeedbackInput struct {
	ClientIP string
	Question string
	SQL      string
	Kind     FeedbackKind
}

type Recorder interface {
	RecordAttempt(ctx context.Context, in RecordAttemptInput) (Attempt, error)
	RecordFeedback(ctx context.Context, in RecordFeedbackInput) (Feedback, error)
	ListRecentAttempts(ctx context.Context, limit int) ([]Attempt, error)
	// GetAttempt returns ErrNotFound for unknown or already archived ids.
	GetAttempt(ctx context.Context, attemptID int64) (Attempt, error)
}
