package ledger

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/querygate/querygate/internal/quota"
)

func TestIncrementUpsertsAndReturnsNewCount(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewQuotaStore(db)

	mock.ExpectQuery(regexp.QuoteMeta(`
INSERT INTO quota_counter (scope, day, count)
VALUES ($1, $2, 1)
ON CONFLICT (scope, day)
DO UPDATE SET count = quota_counter.count + 1
RETURNING count`)).
		WithArgs("10.0.0.1", "2025-01-01").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))

	count, err := store.Increment(context.Background(), quota.Scope("10.0.0.1"), quota.DayKey("2025-01-01"))
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
	assertSQLMock(t, mock)
}

func TestGetReturnsZeroForAbsentRow(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewQuotaStore(db)

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT count
FROM quota_counter
WHERE scope = $1 AND day = $2`)).
		WithArgs("global", "2025-01-01").
		WillReturnError(sql.ErrNoRows)

	count, err := store.Get(context.Background(), quota.ScopeGlobal, quota.DayKey("2025-01-01"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0 for absent row", count)
	}
	assertSQLMock(t, mock)
}

func TestGetReturnsStoredCount(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewQuotaStore(db)

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT count
FROM quota_counter
WHERE scope = $1 AND day = $2`)).
		WithArgs("10.0.0.1", "2025-01-01").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(5)))

	count, err := store.Get(context.Background(), quota.Scope("10.0.0.1"), quota.DayKey("2025-01-01"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if count != 5 {
		t.Fatalf("count = %d, want 5", count)
	}
	assertSQLMock(t, mock)
}

func TestPruneDaysBefore(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewQuotaStore(db)

	mock.ExpectExec(regexp.QuoteMeta(`
DELETE FROM quota_counter
WHERE day < $1`)).
		WithArgs("2025-01-01").
		WillReturnResult(sqlmock.NewResult(0, 7))

	deleted, err := store.PruneDaysBefore(context.Background(), quota.DayKey("2025-01-01"))
	if err != nil {
		t.Fatalf("PruneDaysBefore() error = %v", err)
	}
	if deleted != 7 {
		t.Fatalf("deleted = %d, want 7", deleted)
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
