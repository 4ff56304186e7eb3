// Heron - Credit optimization engine for tax refund corrections.
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
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/opensource-finance/heron/internal/api"
	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/cache"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/pipeline"
	"github.com/opensource-finance/heron/internal/refdata"
	"github.com/opensource-finance/heron/internal/repository"
	"github.com/opensource-finance/heron/internal/rules"
	"github.com/opensource-finance/heron/internal/trace"
	"github.com/opensource-finance/heron/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	debug := os.Getenv("HERON_DEBUG") == "true"
	if debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting heron",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()
	if os.Getenv("HERON_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}
	domain.ApplyEnv(cfg, os.Getenv)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"greedy_threshold", cfg.Engine.GreedyThreshold,
		"timeout", cfg.Engine.Timeout,
	)

	otel.SetTextMapPropagator(propagation.TraceContext{})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	if err := seedReference(ctx, repo); err != nil {
		slog.Error("failed to seed reference data", "error", err)
		os.Exit(1)
	}

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Reference lookups read through the cache
	refs := refdata.NewCached(repo, cacheImpl, cfg.Cache.ReferenceTTL)

	// Eligibility rules load per tenant on first use
	registry := rules.NewRegistry(repo)

	var sink domain.TraceSink
	if debug {
		sink = trace.NewLogger(logger)
	}
	processor := pipeline.NewProcessor(refs, registry, cfg.Engine)
	service := pipeline.NewService(processor, repo, sink)
	slog.Info("pipeline initialized", "engine_version", pipeline.EngineVersion)

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("HERON_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, service)

		workerCfg := worker.Config{
			TenantIDs:   splitList(os.Getenv("HERON_TENANTS")),
			WorkerCount: 5,
		}
		if n, err := strconv.Atoi(os.Getenv("HERON_WORKERS")); err == nil && n > 0 {
			workerCfg.WorkerCount = n
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		}
	}

	// Async analysis needs a consumer: a local worker or remote NATS workers
	var queue domain.EventBus
	if asyncWorker != nil || cfg.EventBus.Type == "nats" {
		queue = busImpl
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:     repo,
		Cache:    cacheImpl,
		Bus:      queue,
		Rules:    registry,
		Service:  service,
		RefCache: refs,
		Version:  Version,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("heron is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	slog.Info("heron shutdown complete")
}

// seedReference writes the embedded reference dataset into a database that
// has none yet. HERON_RESEED=true overwrites existing rows.
func seedReference(ctx context.Context, repo domain.Repository) error {
	existing, err := repo.ListExclusionRules(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 && os.Getenv("HERON_RESEED") != "true" {
		slog.Info("reference data present", "exclusion_rules", len(existing))
		return nil
	}

	table, err := refdata.Default()
	if err != nil {
		return err
	}
	if err := refdata.Seed(ctx, repo, table); err != nil {
		return err
	}

	slog.Info("reference data seeded",
		"rates", len(table.Rates),
		"exclusion_rules", len(table.Exclusions),
		"interest_rates", len(table.Interest),
	)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  HERON - Credit Optimization Engine")
	fmt.Println("  Every credit, in the right combination.")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /requests                  - Store a correction request")
	fmt.Println("    GET  /requests/{id}             - Get a request")
	fmt.Println("    POST /requests/{id}/analyze     - Run the optimization (?async=true to queue)")
	fmt.Println("    GET  /analyses/{id}             - Get an analysis")
	fmt.Println("    GET  /analyses/{id}/trace       - Get the calculation log")
	fmt.Println("    GET  /exclusion-rules           - List exclusion rules (?year=)")
	fmt.Println("    POST /exclusion-rules           - Save an exclusion rule")
	fmt.Println("    GET  /eligibility-rules         - List eligibility rules")
	fmt.Println("    POST /eligibility-rules         - Save an eligibility rule")
	fmt.Println("    POST /eligibility-rules/reload  - Hot-reload eligibility rules")
	fmt.Println("    GET  /health                    - Health check")
	fmt.Println()
}
