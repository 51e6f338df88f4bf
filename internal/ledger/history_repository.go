package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/querygate/querygate/internal/history"
	"github.com/querygate/querygate/internal/quota"
)

// HistoryRepository implements history.Recorder plus the bulk queries the
// archiver needs. Attempts and feedback are append-only.
type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

func (r *HistoryRepository) RecordAttempt(ctx context.Context, in history.RecordAttemptInput) (history.Attempt, error) {
	query := `
INSERT INTO query_attempt (client_ip, question, generated_sql, succeeded)
VALUES ($1, $2, $3, $4)
RETURNING attempt_id, created_at`

	attempt := history.Attempt{
		ClientIP:     in.ClientIP,
		Question:     in.Question,
		GeneratedSQL: in.GeneratedSQL,
		Succeeded:    in.Succeeded,
	}
	if err := r.db.QueryRowContext(ctx, query, in.ClientIP, in.Question, in.GeneratedSQL, in.Succeeded).Scan(&attempt.AttemptID, &attempt.CreatedAt); err != nil {
		return history.Attempt{}, fmt.Errorf("record attempt: %w", err)
	}
	return attempt, nil
}

func (r *HistoryRepository) RecordFeedback(ctx context.Context, in history.RecordFeedbackInput) (history.Feedback, error) {
	query := `
INSERT INTO query_feedback (client_ip, question, sql_text, kind)
VALUES ($1, $2, $3, $4)
RETURNING feedback_id, created_at`

	feedback := history.Feedback{
		ClientIP: in.ClientIP,
		Question: in.Question,
		SQL:      in.SQL,
		Kind:     in.Kind,
	}
	if err := r.db.QueryRowContext(ctx, query, in.ClientIP, in.Question, in.SQL, string(in.Kind)).Scan(&feedback.FeedbackID, &feedback.CreatedAt); err != nil {
		return history.Feedback{}, fmt.Errorf("record feedback: %w", err)
	}
	return feedback, nil
}

func (r *HistoryRepository) ListRecentAttempts(ctx context.Context, limit int) ([]history.Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT attempt_id, client_ip, question, generated_sql, succeeded, created_at
FROM query_attempt
ORDER BY attempt_id DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanAttempts(rows)
}

func (r *HistoryRepository) GetAttempt(ctx context.Context, attemptID int64) (history.Attempt, error) {
	var attempt history.Attempt
	err := r.db.QueryRowContext(ctx, `
SELECT attempt_id, client_ip, question, generated_sql, succeeded, created_at
FROM query_attempt
WHERE attempt_id = $1`, attemptID).Scan(
		&attempt.AttemptID,
		&attempt.ClientIP,
		&attempt.Question,
		&attempt.GeneratedSQL,
		&attempt.Succeeded,
		&attempt.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return history.Attempt{}, history.ErrNotFound
	}
	if err != nil {
		return history.Attempt{}, fmt.Errorf("get attempt: %w", err)
	}
	return attempt, nil
}

// ListArchivableDays returns the distinct calendar days, in the reference
// timezone, for which attempts exist strictly before cutoff.
func (r *HistoryRepository) ListArchivableDays(ctx context.Context, timezone string, cutoff quota.DayKey) ([]quota.DayKey, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT DISTINCT to_char(created_at AT TIME ZONE $1, 'YYYY-MM-DD') AS day
FROM query_attempt
WHERE to_char(created_at AT TIME ZONE $1, 'YYYY-MM-DD') < $2
ORDER BY day ASC`, timezone, string(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list archivable days: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var days []quota.DayKey
	for rows.Next() {
		var day string
		if err := rows.Scan(&day); err != nil {
			return nil, fmt.Errorf("scan archivable day: %w", err)
		}
		days = append(days, quota.DayKey(day))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archivable days: %w", err)
	}
	return days, nil
}

func (r *HistoryRepository) ListAttemptsForDay(ctx context.Context, timezone string, day quota.DayKey) ([]history.Attempt, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT attempt_id, client_ip, question, generated_sql, succeeded, created_at
FROM query_attempt
WHERE to_char(created_at AT TIME ZONE $1, 'YYYY-MM-DD') = $2
ORDER BY attempt_id ASC`, timezone, string(day))
	if err != nil {
		return nil, fmt.Errorf("list attempts for day: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanAttempts(rows)
}

func (r *HistoryRepository) DeleteAttemptsForDay(ctx context.Context, timezone string, day quota.DayKey) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
DELETE FROM query_attempt
WHERE to_char(created_at AT TIME ZONE $1, 'YYYY-MM-DD') = $2`, timezone, string(day))
	if err != nil {
		return 0, fmt.Errorf("delete attempts for day: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete attempts rows affected: %w", err)
	}
	return deleted, nil
}

func scanAttempts(rows *sql.Rows) ([]history.Attempt, error) {
	attempts := make([]history.Attempt, 0)
	for rows.Next() {
		var attempt history.Attempt
		if err := rows.Scan(
			&attempt.AttemptID,
			&attempt.ClientIP,
			&attempt.Question,
			&attempt.GeneratedSQL,
			&attempt.Succeeded,
			&attempt.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan attempt row: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempt rows: %w", err)
	}
	return attempts, nil
}
