// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

// Command daemon runs the SuperDash device aggregation and fan-out
// engine: it loads the static device configuration, starts every
// protocol client, and serves the dashboard WebSocket, the `/health`
// collaborator and the Prometheus `/metrics` collaborator until an
// interrupt or terminate signal is received.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/superdash/aggregator/internal/aggregator"
	"github.com/superdash/aggregator/internal/config"
	"github.com/superdash/aggregator/internal/health"
	"github.com/superdash/aggregator/internal/httpmw"
	xglog "github.com/superdash/aggregator/internal/log"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to the device configuration file (required)")
	healthAddr := flag.String("health-addr", ":8081", "listen address for /health, /ready and /metrics")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("superdash-aggregator %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	xglog.Configure(xglog.Config{Level: *logLevel, Service: "superdash", Version: version})
	logger := xglog.WithComponent("daemon")

	if *configPath == "" {
		logger.Fatal().Str("event", "config.missing_path").Msg("-config is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewLoader(*configPath).Load()
	if err != nil {
		logger.Fatal().Err(err).Str("event", "config.load_failed").Str("path", *configPath).Msg("failed to load configuration")
	}

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Str("event", "startup.check_failed").Msg("startup checks failed")
	}

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Int("devices", len(cfg.Devices)).
		Int("websocket_port", cfg.Settings.WebSocketPort).
		Int("emberplus_port", cfg.Settings.EmberPlusPort).
		Int("tsl_destinations", len(cfg.Settings.TSLUmdDestinations)).
		Msg("starting superdash aggregator")

	srv := aggregator.NewAggregator(cfg)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal().Err(err).Str("event", "aggregator.start_failed").Msg("failed to start aggregator")
	}

	hm := health.NewManager(version)
	hm.RegisterChecker(health.NewDeviceFleetChecker(srv.FleetStatus))

	healthSrv := startHealthServer(*healthAddr, hm, logger)

	logger.Info().Str("event", "ready").Msg("superdash aggregator is running")

	<-ctx.Done()
	logger.Info().Str("event", "shutdown.begin").Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Str("event", "aggregator.shutdown_error").Msg("aggregator shutdown reported an error")
	}
	if healthSrv != nil {
		_ = healthSrv.Shutdown(shutdownCtx)
	}

	logger.Info().Str("event", "shutdown.complete").Msg("superdash aggregator stopped")
}

// startHealthServer mounts the `/health`, `/ready` and `/metrics`
// collaborator routes behind a conservative per-IP rate limit and serves
// them in the background. A bind failure here is logged but not fatal —
// the health/metrics surface is a monitoring collaborator, not the core
// dashboard interface.
func startHealthServer(addr string, hm *health.Manager, logger zerolog.Logger) *http.Server {
	r := chi.NewRouter()
	r.Use(xglog.Middleware())
	r.Use(httpmw.RateLimit(httpmw.RateLimitConfig{
		RequestLimit: 60,
		WindowSize:   time.Minute,
	}))
	r.Get("/health", hm.ServeHealth)
	r.Get("/ready", hm.ServeReady)
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Str("event", "health_server.bind_failed").Msg("health/metrics collaborator server failed to start")
		}
	}()
	return srv
}
