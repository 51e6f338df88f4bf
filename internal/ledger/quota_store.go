package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/querygate/querygate/internal/quota"
)

// QuotaStore implements quota.Store on the ledger database. The increment is
// a single upsert statement, so concurrent requests for the same (scope, day)
// serialize on the row inside postgres and no update is ever lost.
type QuotaStore struct {
	db *sql.DB
}

func NewQuotaStore(db *sql.DB) *QuotaStore {
	return &QuotaStore{db: db}
}

func (s *QuotaStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping ledger db: %w", err)
	}
	return nil
}

func (s *QuotaStore) Increment(ctx context.Context, scope quota.Scope, day quota.DayKey) (int64, error) {
	query := `
INSERT INTO quota_counter (scope, day, count)
VALUES ($1, $2, 1)
ON CONFLICT (scope, day)
DO UPDATE SET count = quota_counter.count + 1
RETURNING count`

	var count int64
	if err := s.db.QueryRowContext(ctx, query, string(scope), string(day)).Scan(&count); err != nil {
		return 0, fmt.Errorf("increment quota counter: %w", err)
	}
	return count, nil
}

func (s *QuotaStore) Get(ctx context.Context, scope quota.Scope, day quota.DayKey) (int64, error) {
	query := `
SELECT count
FROM quota_counter
WHERE scope = $1 AND day = $2`

	var count int64
	if err := s.db.QueryRowContext(ctx, query, string(scope), string(day)).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get quota counter: %w", err)
	}
	return count, nil
}

// PruneDaysBefore deletes counters for days strictly before cutoff. Called by
// the archiver, never by the request path.
func (s *QuotaStore) PruneDaysBefore(ctx context.Context, cutoff quota.DayKey) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
DELETE FROM quota_counter
WHERE day < $1`, string(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune quota counters: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune quota counters rows affected: %w", err)
	}
	return deleted, nil
}
