// Package main provides the entry point for the Vortex server, a threat
// intelligence aggregation pipeline: feed ingestion, indicator scoring,
// and quota-aware reputation enrichment.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pentoshi007/vortex/internal/api"
	"github.com/pentoshi007/vortex/internal/config"
	"github.com/pentoshi007/vortex/internal/enrichment"
	"github.com/pentoshi007/vortex/internal/feed"
	"github.com/pentoshi007/vortex/internal/observability"
	"github.com/pentoshi007/vortex/internal/pipeline"
	"github.com/pentoshi007/vortex/internal/quota"
	"github.com/pentoshi007/vortex/internal/scheduler"
	"github.com/pentoshi007/vortex/internal/store"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	memoryStore := flag.Bool("memory", false, "Use the in-memory store instead of Redis")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Vortex %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting Vortex",
		zap.String("version", Version),
		zap.String("config", *configPath),
		zap.Strings("providers", cfg.EnabledProviders()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		indicators store.IndicatorStore
		runs       store.RunStore
		pinger     api.Pinger
	)
	if *memoryStore {
		mem := store.NewMemoryStore()
		indicators, runs, pinger = mem, mem, mem
		logger.Warn("Using in-memory store, data will not survive a restart")
	} else {
		rs, err := store.NewRedisStore(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer rs.Close()
		indicators, runs, pinger = rs, rs, rs
		logger.Info("Connected to Redis", zap.String("addr", cfg.Redis.Addr))
	}

	var clients []enrichment.Client
	limits := make(map[quota.Provider]quota.Limits)
	if cfg.Providers.VirusTotal.Enabled {
		vt, err := enrichment.NewVirusTotalClient(cfg.Providers.VirusTotal.ProviderConfig, logger)
		if err != nil {
			logger.Fatal("Failed to initialize VirusTotal client", zap.Error(err))
		}
		clients = append(clients, vt)
		limits[quota.ProviderVirusTotal] = cfg.Providers.VirusTotal.Limits()
	}
	if cfg.Providers.AbuseIPDB.Enabled {
		ab, err := enrichment.NewAbuseIPDBClient(cfg.Providers.AbuseIPDB.ProviderConfig, logger)
		if err != nil {
			logger.Fatal("Failed to initialize AbuseIPDB client", zap.Error(err))
		}
		clients = append(clients, ab)
		limits[quota.ProviderAbuseIPDB] = cfg.Providers.AbuseIPDB.Limits()
	}
	if len(clients) == 0 {
		logger.Warn("No reputation providers enabled, enrichment will be a no-op")
	}
	tracker := quota.New(limits)

	metrics := observability.NewMetrics()
	source := feed.NewURLHausSource(cfg.Feed)

	ingestion := pipeline.NewIngestion(source, indicators, runs, cfg.Ingestion, logger, metrics)
	bulk := pipeline.NewEnrichment(indicators, runs, clients, tracker, cfg.Enrichment, logger, metrics)

	sched := scheduler.New(ingestion, bulk, indicators, tracker, cfg.Scheduler, logger)
	sched.Start(ctx)

	srv := api.NewServer(sched, bulk, indicators, runs, tracker, pinger, metrics, logger, Version)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutting down", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}
	sched.Wait()

	logger.Info("Server stopped")
}
