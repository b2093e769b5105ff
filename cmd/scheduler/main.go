// Package main provides the scheduler entry point. The scheduler owns the
// orchestrator tick loop, the stuck-job sweeper, and raw-record retention.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/tracefold/engsync/internal/adapter/queue/redpanda"
	"github.com/tracefold/engsync/internal/adapter/repo/postgres"
	"github.com/tracefold/engsync/internal/config"
	"github.com/tracefold/engsync/internal/domain"
	"github.com/tracefold/engsync/internal/observability"
	"github.com/tracefold/engsync/internal/progress"
	"github.com/tracefold/engsync/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	slog.Info("starting scheduler", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	producer, err := redpanda.NewProducerWithTransactionalID(cfg.KafkaBrokers, "engsync-scheduler-producer")
	if err != nil {
		slog.Error("queue producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close queue producer", slog.Any("error", err))
		}
	}()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()

	tenantRepo := postgres.NewTenantRepo(pool)
	settingsRepo := postgres.NewSettingsRepo(pool, domain.TenantSettings{
		OrchestratorEnabled: true,
		TickIntervalMin:     int(cfg.TickInterval / time.Minute),
		MaxRetryAttempts:    cfg.MaxRetryAttempts,
		EmbedModel:          cfg.EmbeddingsModel,
	})
	jobRepo := postgres.NewJobRepo(pool)
	rawRepo := postgres.NewRawRepo(pool)

	orch := &usecase.Orchestrator{
		Tenants:                 tenantRepo,
		Settings:                settingsRepo,
		Integrations:            postgres.NewIntegrationRepo(pool),
		Jobs:                    jobRepo,
		Queue:                   producer,
		Progress:                progress.NewBroadcaster(rdb),
		DefaultTickInterval:     cfg.TickInterval,
		DefaultMaxRetryAttempts: cfg.MaxRetryAttempts,
		DefaultRetryIntervalMin: cfg.DefaultRetryMinutes,
	}

	sweeper := usecase.NewStuckJobSweeper(jobRepo, cfg.StuckJobMaxAge, 5*time.Minute)
	go sweeper.Run(ctx)

	cleaner := &usecase.RetentionCleaner{
		Raw:       rawRepo,
		Retention: time.Duration(cfg.RawRetentionDays) * 24 * time.Hour,
		Interval:  cfg.CleanupInterval,
	}
	go cleaner.Run(ctx)

	scheduler := &usecase.Scheduler{
		Orchestrator: orch,
		Tenants:      tenantRepo,
		Settings:     settingsRepo,
		Interval:     cfg.TickInterval,
	}
	scheduler.Run(ctx)
	slog.Info("scheduler stopped")
}
