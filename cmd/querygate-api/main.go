package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/querygate/querygate/internal/api"
	"github.com/querygate/querygate/internal/ask"
	"github.com/querygate/querygate/internal/auth"
	"github.com/querygate/querygate/internal/config"
	duckdbengine "github.com/querygate/querygate/internal/dataset/duckdb"
	"github.com/querygate/querygate/internal/ledger"
	"github.com/querygate/querygate/internal/nlsql"
	"github.com/querygate/querygate/internal/observability"
	"github.com/querygate/querygate/internal/quota"
	"github.com/querygate/querygate/internal/sqlcheck"
)

func main() {
	cfg, err := config.LoadFromEnv("querygate-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	ledgerDB, err := ledger.Open(context.Background(), ledger.DBConfig{
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
	defer func() { _ = ledgerDB.Close() }()

	quotaStore := ledger.NewQuotaStore(ledgerDB)
	historyRepo := ledger.NewHistoryRepository(ledgerDB)

	location, err := cfg.QuotaLocation()
	if err != nil {
		logger.Error("failed to resolve quota timezone", slog.Any("error", err))
		os.Exit(1)
	}
	limiter, err := quota.NewLimiter(quotaStore, quota.LimiterConfig{
		GlobalDailyLimit: cfg.Quota.GlobalDailyLimit,
		PerIPDailyLimit:  cfg.Quota.PerIPDailyLimit,
		Location:         location,
	})
	if err != nil {
		logger.Error("failed to build limiter", slog.Any("error", err))
		os.Exit(1)
	}

	engine, err := duckdbengine.NewEngine(cfg.Dataset.Path)
	if err != nil {
		logger.Error("failed to open dataset", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = engine.Close() }()

	schemaTables, err := schemaFor(cfg, engine)
	if err != nil {
		logger.Error("failed to resolve dataset schema", slog.Any("error", err))
		os.Exit(1)
	}
	validator := sqlcheck.NewValidator(sqlcheck.NewSchema(schemaTables))
	tableContext := make([]nlsql.TableContext, 0, len(schemaTables))
	for table, columns := range schemaTables {
		tableContext = append(tableContext, nlsql.TableContext{TableName: table, Columns: columns})
	}

	generator, err := nlsql.NewOpenAIGenerator(nlsql.OpenAIConfig{
		BaseURL:          cfg.AI.BaseURL,
		APIKey:           cfg.AI.APIKey,
		Model:            cfg.AI.Model,
		Temperature:      cfg.AI.Temperature,
		Timeout:          cfg.AI.Timeout,
		SystemPromptPath: cfg.AI.SystemPromptPath,
	})
	if err != nil {
		logger.Error("failed to initialize sql generator", slog.Any("error", err))
		os.Exit(1)
	}

	askService := ask.NewService(limiter, generator, validator, engine, historyRepo, logger, ask.Config{
		RowLimit: cfg.Dataset.RowLimit,
		Tables:   tableContext,
	})

	deps := api.Dependencies{
		Logger:   logger,
		Ask:      askService,
		Recorder: historyRepo,
		Readiness: api.CombineReadinessChecks(
			quotaStore.HealthCheck,
			api.CheckDatasetPath(cfg),
		),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		keyValidator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, keyValidator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

// schemaFor prefers the configured schema allow-list; without one it
// introspects the dataset itself.
func schemaFor(cfg config.Config, engine *duckdbengine.Engine) (map[string][]string, error) {
	if cfg.Dataset.SchemaSpec != "" {
		return sqlcheck.ParseSchemaSpec(cfg.Dataset.SchemaSpec)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tables, err := engine.Schema(ctx)
	if err != nil {
		return nil, err
	}
	schema := make(map[string][]string, len(tables))
	for _, table := range tables {
		schema[table.Name] = table.Columns
	}
	return schema, nil
}
