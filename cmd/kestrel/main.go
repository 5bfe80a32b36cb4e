// Kestrel - Real-time transaction scoring with explanations attached.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/kestrel/internal/alerting"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/attribution"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/delivery"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/payload"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Optional .env for local development; real deployments set env directly.
	_ = godotenv.Load()

	cfg := loadConfig()
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Feature context from transaction history, cache-fronted.
	historySvc := history.NewService(repo, cacheImpl)

	builder, err := features.NewBuilder(features.DefaultSchema(), historySvc, cfg.Pipeline.LookupTimeout, logger)
	if err != nil {
		slog.Error("failed to initialize feature builder", "error", err)
		os.Exit(1)
	}

	// Model registry: persisted artifacts first, then the model directory.
	registry := model.NewRegistry()
	if err := pipeline.LoadModels(ctx, repo, registry, cfg.Pipeline.DefaultModelVersion, logger); err != nil {
		slog.Error("failed to load persisted models", "error", err)
		os.Exit(1)
	}
	if cfg.Pipeline.ModelDir != "" {
		if err := loadModelDir(ctx, cfg.Pipeline.ModelDir, registry, repo); err != nil {
			slog.Error("failed to load model directory", "dir", cfg.Pipeline.ModelDir, "error", err)
			os.Exit(1)
		}
	}
	if current, err := registry.Current(); err == nil {
		if err := builder.SetSchema(current.Schema()); err != nil {
			slog.Error("failed to adopt model schema", "error", err)
			os.Exit(1)
		}
		slog.Info("models ready", "versions", registry.Versions(), "current", current.Version())
	} else {
		slog.Warn("no models loaded - register one via POST /models")
	}

	// Alert delivery sinks. The bus sink is always on so downstream
	// consumers see every raised alert; the webhook is optional.
	deliverers := []domain.AlertDeliverer{delivery.NewBusDeliverer(busImpl, logger)}
	if cfg.Delivery.WebhookURL != "" {
		deliverers = append(deliverers, delivery.NewWebhookDeliverer(cfg.Delivery, logger))
		slog.Info("webhook delivery enabled", "url", cfg.Delivery.WebhookURL)
	}
	dispatcher := delivery.NewDispatcher(deliverers, cfg.Delivery.WebhookTimeout, logger)

	p := pipeline.New(pipeline.Deps{
		Registry:         registry,
		Builder:          builder,
		Attribution:      attribution.NewEngine(cfg.Pipeline.AttributionTolerance, cfg.Pipeline.PerturbationSamples),
		Alerting:         alerting.NewEngine(cfg.Pipeline),
		Assembler:        payload.NewAssembler(cfg.Pipeline.TopK, cfg.Pipeline.LabelBands),
		Repository:       repo,
		Bus:              busImpl,
		Dispatcher:       dispatcher,
		RecommendBlockAt: cfg.Delivery.RecommendBlockAt,
		Logger:           logger,
	})

	// Async worker for bus-ingested transactions.
	var asyncWorker *worker.Worker
	if os.Getenv("KESTREL_ASYNC_WORKER") != "false" {
		asyncWorker = worker.NewWorker(busImpl, p, logger)
		if err := asyncWorker.Start(worker.Config{Concurrency: envInt("KESTREL_WORKER_CONCURRENCY", 8)}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		}
	}

	srv := api.NewServer(cfg.Server, p, registry, builder, repo, cacheImpl, Version)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}
	dispatcher.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// loadConfig builds the runtime configuration from defaults plus KESTREL_*
// environment overrides. KESTREL_MODE=distributed switches to the
// postgres/redis/NATS profile.
func loadConfig() *domain.Config {
	var cfg *domain.Config
	if os.Getenv("KESTREL_MODE") == "distributed" {
		cfg = domain.DistributedConfig()
	} else {
		cfg = domain.DefaultConfig()
	}

	if v := os.Getenv("KESTREL_HOST"); v != "" {
		cfg.Server.Host = v
	}
	cfg.Server.Port = envInt("KESTREL_PORT", cfg.Server.Port)

	if v := os.Getenv("KESTREL_DB_DRIVER"); v != "" {
		cfg.Repository.Driver = v
	}
	if v := os.Getenv("KESTREL_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	cfg.Repository.PostgresPort = envInt("KESTREL_POSTGRES_PORT", cfg.Repository.PostgresPort)
	if v := os.Getenv("KESTREL_POSTGRES_DB"); v != "" {
		cfg.Repository.PostgresDB = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_USER"); v != "" {
		cfg.Repository.PostgresUser = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_PASSWORD"); v != "" {
		cfg.Repository.PostgresPassword = v
	}

	if v := os.Getenv("KESTREL_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("KESTREL_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}

	if v := os.Getenv("KESTREL_MODEL_DIR"); v != "" {
		cfg.Pipeline.ModelDir = v
	}
	if v := os.Getenv("KESTREL_DEFAULT_MODEL"); v != "" {
		cfg.Pipeline.DefaultModelVersion = v
	}
	if v := os.Getenv("KESTREL_ALERT_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Pipeline.DefaultThreshold = f
		}
	}
	if v := os.Getenv("KESTREL_SUPPRESSION_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.SuppressionWindow = d
		}
	}
	if v := os.Getenv("KESTREL_DEDUP_FIELDS"); v != "" {
		cfg.Pipeline.DedupKeyFields = strings.Split(v, ",")
	}
	cfg.Pipeline.TopK = envInt("KESTREL_TOP_K", cfg.Pipeline.TopK)

	if v := os.Getenv("KESTREL_WEBHOOK_URL"); v != "" {
		cfg.Delivery.WebhookURL = v
	}

	if v := os.Getenv("KESTREL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("KESTREL_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	return cfg
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func setupLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// loadModelDir registers every *.json artifact found in dir and persists it
// so subsequent boots load from the repository.
func loadModelDir(ctx context.Context, dir string, registry *model.Registry, repo domain.Repository) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read model directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		m, err := registry.Load(data)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
		rec := &domain.ModelArtifactRecord{
			Version:  m.Version(),
			Kind:     m.Kind(),
			Artifact: data,
		}
		if err := repo.SaveModelArtifact(ctx, rec); err != nil {
			slog.Warn("failed to persist model artifact", "version", m.Version(), "error", err)
		}
		slog.Info("model loaded from disk", "version", m.Version(), "file", entry.Name())
	}
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - transaction scoring with explanations")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /evaluate               - Score and explain a transaction")
	fmt.Println("    GET  /evaluations/{id}       - Get stored explanation payload")
	fmt.Println("    GET  /transactions/{id}      - Get transaction by ID")
	fmt.Println("    GET  /alerts                 - List raised alerts")
	fmt.Println("    GET  /models                 - List registered models")
	fmt.Println("    POST /models                 - Register a model artifact")
	fmt.Println("    POST /models/{version}/promote - Promote a model version")
	fmt.Println("    POST /models/reload          - Reload models from storage")
	fmt.Println("    GET  /health                 - Health check")
	fmt.Println("    GET  /metrics                - Prometheus metrics")
	fmt.Println()
}
