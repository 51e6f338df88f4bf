package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/querygate/querygate/internal/archive"
	"github.com/querygate/querygate/internal/config"
	"github.com/querygate/querygate/internal/ledger"
	"github.com/querygate/querygate/internal/observability"
	s3store "github.com/querygate/querygate/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("querygate-archiver")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	db, err := ledger.Open(context.Background(), ledger.DBConfig{
		DSN:             cfg.Ledger.DSN,
		MaxOpenConns:    cfg.Ledger.MaxOpenConns,
		MaxIdleConns:    cfg.Ledger.MaxIdleConns,
		ConnMaxIdleTime: cfg.Ledger.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Ledger.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open ledger db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	store, err := s3store.New(context.Background(), s3store.Config{
		Endpoint:         cfg.ObjectStore.Endpoint,
		Region:           cfg.ObjectStore.Region,
		Bucket:           cfg.ObjectStore.Bucket,
		AccessKeyID:      cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
		UseSSL:           cfg.ObjectStore.UseSSL,
		Prefix:           cfg.ObjectStore.Prefix,
		AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
	})
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}

	location, err := cfg.QuotaLocation()
	if err != nil {
		logger.Error("failed to resolve quota timezone", slog.Any("error", err))
		os.Exit(1)
	}

	svc := &archive.Service{
		Ledger:      ledger.NewHistoryRepository(db),
		Quota:       ledger.NewQuotaStore(db),
		ObjectStore: store,
		Config: archive.Config{
			Interval:      cfg.Archive.Interval,
			RetentionDays: cfg.Archive.RetentionDays,
			Timezone:      cfg.Quota.Timezone,
			Location:      location,
		},
		Logger: logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("archiver worker started")
	if err := svc.Run(ctx); err != nil {
		logger.Error("archiver worker failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("archiver worker stopped")
}
