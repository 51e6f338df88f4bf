// Package archive exports closed days of the audit history to the object
// store as parquet files and trims the ledger afterwards. Only days older
// than the retention window are touched, so live quota accounting never
// competes with the archiver.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/querygate/querygate/internal/history"
	"github.com/querygate/querygate/internal/quota"
	"github.com/querygate/querygate/internal/storage"
)

// Ledger is the slice of the history repository the archiver needs.
type Ledger interface {
	ListArchivableDays(ctx context.Context, timezone string, cutoff quota.DayKey) ([]quota.DayKey, error)
	ListAttemptsForDay(ctx context.Context, timezone string, day quota.DayKey) ([]history.Attempt, error)
	DeleteAttemptsForDay(ctx context.Context, timezone string, day quota.DayKey) (int64, error)
}

// QuotaPruner removes quota counters that can no longer affect admission.
type QuotaPruner interface {
	PruneDaysBefore(ctx context.Context, cutoff quota.DayKey) (int64, error)
}

type Config struct {
	Interval      time.Duration
	RetentionDays int
	Timezone      string
	Location      *time.Location
}

type Service struct {
	Ledger      Ledger
	Quota       QuotaPruner
	ObjectStore storage.ObjectStore
	Config      Config
	Logger      *slog.Logger
	Clock       func() time.Time
}

type Summary struct {
	DaysArchived    int   `json:"days_archived"`
	AttemptsWritten int   `json:"attempts_written"`
	AttemptsDeleted int64 `json:"attempts_deleted"`
	CountersPruned  int64 `json:"counters_pruned"`
	Failures        int   `json:"failures"`
}

// attemptRecord is the parquet row layout for archived attempts.
type attemptRecord struct {
	AttemptID    int64  `parquet:"attempt_id"`
	ClientIP     string `parquet:"client_ip"`
	Question     string `parquet:"question"`
	GeneratedSQL string `parquet:"generated_sql"`
	Succeeded    bool   `parquet:"succeeded"`
	CreatedAt    int64  `parquet:"created_at_unix_ms"`
}

func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()

	ticker := time.NewTicker(s.Config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			summary, err := s.RunOnce(ctx)
			if err != nil {
				if s.Logger != nil {
					s.Logger.ErrorContext(ctx, "archive cycle failed", slog.Any("error", err), slog.Any("summary", summary))
				}
				continue
			}
			if s.Logger != nil {
				s.Logger.InfoContext(ctx, "archive cycle completed", slog.Any("summary", summary))
			}
		}
	}
}

// RunOnce archives every closed day older than the retention window. A day
// is only deleted from the ledger once its parquet file has been written.
func (s *Service) RunOnce(ctx context.Context) (Summary, error) {
	s.ensureDefaults()
	if s.Ledger == nil {
		return Summary{}, fmt.Errorf("ledger is required")
	}
	if s.ObjectStore == nil {
		return Summary{}, fmt.Errorf("object store is required")
	}

	cutoff := s.cutoffDay()
	summary := Summary{}

	days, err := s.Ledger.ListArchivableDays(ctx, s.Config.Timezone, cutoff)
	if err != nil {
		return summary, fmt.Errorf("list archivable days: %w", err)
	}

	for _, day := range days {
		written, deleted, err := s.archiveDay(ctx, day)
		if err != nil {
			summary.Failures++
			if s.Logger != nil {
				s.Logger.ErrorContext(ctx, "archive day failed",
					slog.String("day", string(day)),
					slog.Any("error", err))
			}
			continue
		}
		summary.DaysArchived++
		summary.AttemptsWritten += written
		summary.AttemptsDeleted += deleted
	}

	if s.Quota != nil {
		pruned, err := s.Quota.PruneDaysBefore(ctx, cutoff)
		if err != nil {
			summary.Failures++
			if s.Logger != nil {
				s.Logger.ErrorContext(ctx, "prune quota counters failed", slog.Any("error", err))
			}
		} else {
			summary.CountersPruned = pruned
		}
	}

	return summary, nil
}

func (s *Service) archiveDay(ctx context.Context, day quota.DayKey) (int, int64, error) {
	attempts, err := s.Ledger.ListAttemptsForDay(ctx, s.Config.Timezone, day)
	if err != nil {
		return 0, 0, fmt.Errorf("list attempts: %w", err)
	}
	if len(attempts) == 0 {
		deleted, err := s.Ledger.DeleteAttemptsForDay(ctx, s.Config.Timezone, day)
		return 0, deleted, err
	}

	payload, err := encodeParquet(attempts)
	if err != nil {
		return 0, 0, fmt.Errorf("encode parquet: %w", err)
	}

	key := ObjectKey(day)
	_, err = s.ObjectStore.Put(ctx, key, bytes.NewReader(payload), int64(len(payload)), storage.PutOptions{
		ContentType: "application/vnd.apache.parquet",
	})
	if err != nil {
		return 0, 0, fmt.Errorf("put %q: %w", key, err)
	}

	deleted, err := s.Ledger.DeleteAttemptsForDay(ctx, s.Config.Timezone, day)
	if err != nil {
		return len(attempts), 0, fmt.Errorf("delete archived attempts: %w", err)
	}
	return len(attempts), deleted, nil
}

func (s *Service) cutoffDay() quota.DayKey {
	at := s.Clock().In(s.Config.Location).AddDate(0, 0, -s.Config.RetentionDays)
	return quota.DayOf(at, s.Config.Location)
}

func (s *Service) ensureDefaults() {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Config.Interval <= 0 {
		s.Config.Interval = time.Hour
	}
	if s.Config.RetentionDays <= 0 {
		s.Config.RetentionDays = 30
	}
	if s.Config.Location == nil {
		s.Config.Location = time.UTC
	}
	if s.Config.Timezone == "" {
		s.Config.Timezone = s.Config.Location.String()
	}
}

// ObjectKey is the object store path for one archived day.
func ObjectKey(day quota.DayKey) string {
	return fmt.Sprintf("attempts/%s.parquet", day)
}

func encodeParquet(attempts []history.Attempt) ([]byte, error) {
	records := make([]attemptRecord, 0, len(attempts))
	for _, attempt := range attempts {
		records = append(records, attemptRecord{
			AttemptID:    attempt.AttemptID,
			ClientIP:     attempt.ClientIP,
			Question:     attempt.Question,
			GeneratedSQL: attempt.GeneratedSQL,
			Succeeded:    attempt.Succeeded,
			CreatedAt:    attempt.CreatedAt.UnixMilli(),
		})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[attemptRecord](buf)
	if _, err := writer.Write(records); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
