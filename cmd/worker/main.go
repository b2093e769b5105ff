// Package main provides the worker entry point. The worker drains each active
// tenant's stage topics and runs the extract, transform, and embed handlers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/tracefold/engsync/internal/adapter/keyring"
	"github.com/tracefold/engsync/internal/adapter/providers"
	"github.com/tracefold/engsync/internal/adapter/queue/redpanda"
	"github.com/tracefold/engsync/internal/adapter/repo/postgres"
	"github.com/tracefold/engsync/internal/adapter/vector"
	qdrantcli "github.com/tracefold/engsync/internal/adapter/vector/qdrant"
	"github.com/tracefold/engsync/internal/config"
	"github.com/tracefold/engsync/internal/domain"
	"github.com/tracefold/engsync/internal/observability"
	"github.com/tracefold/engsync/internal/progress"
	"github.com/tracefold/engsync/internal/service/ratelimiter"
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

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	producer, err := redpanda.NewProducerWithTransactionalID(cfg.KafkaBrokers, "engsync-worker-producer")
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
	broadcaster := progress.NewBroadcaster(rdb)

	kr, err := keyring.New(cfg.SigningKey)
	if err != nil {
		slog.Error("keyring init failed", slog.Any("error", err))
		os.Exit(1)
	}
	factory := providers.NewFactory(kr, providers.FactoryConfig{
		PageSize:        cfg.ProviderPageSize,
		SearchResultCap: cfg.SearchResultCap,
		SearchMaxURLLen: cfg.SearchMaxURLLength,
		RateThresholds: map[string]int{
			domain.RateResourceCore:    cfg.RateThresholdCore,
			domain.RateResourceSearch:  cfg.RateThresholdSearch,
			domain.RateResourceGraphQL: cfg.RateThresholdGraphQL,
		},
		Retry: cfg.RetryConfig(),
	})

	qcli := qdrantcli.New(cfg.QdrantURL, cfg.QdrantAPIKey)
	if err := qcli.EnsureCollection(ctx, cfg.VectorCollection, cfg.EmbeddingsDimensions, "Cosine"); err != nil {
		slog.Error("qdrant collection ensure failed", slog.Any("error", err))
		os.Exit(1)
	}
	gateway := vector.NewGateway(
		vector.Endpoint{URL: cfg.VectorGatewayURL, APIKey: cfg.VectorGatewayAPIKey},
		vector.Endpoint{URL: cfg.VectorGatewayFallbackURL, APIKey: cfg.VectorGatewayFallbackKey},
	)

	tenantRepo := postgres.NewTenantRepo(pool)
	settingsRepo := postgres.NewSettingsRepo(pool, domain.TenantSettings{
		OrchestratorEnabled: true,
		MaxRetryAttempts:    cfg.MaxRetryAttempts,
		EmbedModel:          cfg.EmbeddingsModel,
	})
	integrationRepo := postgres.NewIntegrationRepo(pool)
	jobRepo := postgres.NewJobRepo(pool)
	rawRepo := postgres.NewRawRepo(pool)
	rowsRepo := postgres.NewRowsRepo(pool)

	// The worker carries its own chaining sink; terminal embed messages finish
	// jobs in whichever process consumed them.
	orch := &usecase.Orchestrator{
		Tenants:                 tenantRepo,
		Settings:                settingsRepo,
		Integrations:            integrationRepo,
		Jobs:                    jobRepo,
		Queue:                   producer,
		Progress:                broadcaster,
		DefaultTickInterval:     cfg.TickInterval,
		DefaultMaxRetryAttempts: cfg.MaxRetryAttempts,
		DefaultRetryIntervalMin: cfg.DefaultRetryMinutes,
	}

	extract := &usecase.ExtractService{
		Integrations: integrationRepo,
		Jobs:         jobRepo,
		Raw:          rawRepo,
		Queue:        producer,
		Factory:      factory,
		Failer:       orch,
		Budget:       ratelimiter.NewBudgetGuard(rdb),
		Progress:     broadcaster,
		Thresholds:   cfg.RateThreshold,
	}
	transform := &usecase.TransformService{
		Raw:      rawRepo,
		Rows:     rowsRepo,
		Tx:       postgres.NewTxRunner(pool),
		Queue:    producer,
		Progress: broadcaster,
	}
	embed := &usecase.EmbedService{
		Rows:     rowsRepo,
		Vectors:  postgres.NewVectorRefRepo(pool),
		Store:    qcli,
		Gateway:  gateway,
		Chain:    orch,
		Settings: settingsRepo,
		Progress: broadcaster,
		Text: func(table string, src domain.EmbeddingSource) string {
			return vector.CanonicalText(table, src, cfg.EmbedMaxTokens)
		},
		Collection:   cfg.VectorCollection,
		DefaultModel: cfg.EmbeddingsModel,
	}
	handlers := redpanda.Handlers{
		Extraction: extract.Handle,
		Transform:  transform.Handle,
		Embed:      embed.Handle,
	}

	tenants, err := tenantRepo.ListActive(ctx)
	if err != nil {
		slog.Error("tenant scan failed", slog.Any("error", err))
		os.Exit(1)
	}
	if len(tenants) == 0 {
		slog.Warn("no active tenants; worker idle until restart")
	}

	// One consumer per tenant: per-tenant topics and tier-sized worker pools.
	// Tenants added after boot are picked up on the next restart.
	for _, t := range tenants {
		consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, t, handlers, producer, cfg.RetryConfig(), cfg.StageTimeout)
		if err != nil {
			slog.Error("consumer init failed", slog.String("tenant_id", t.ID), slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = consumer.Close() }()
		go func(tenantID string) {
			if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
				slog.Error("consumer stopped", slog.String("tenant_id", tenantID), slog.Any("error", err))
			}
		}(t.ID)
	}

	slog.Info("worker started", slog.Int("tenants", len(tenants)))
	<-ctx.Done()
	slog.Info("worker stopped")
}
