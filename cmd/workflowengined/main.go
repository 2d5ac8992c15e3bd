// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command workflowengined runs the workflow engine's HTTP daemon: the
// definitions/runs API, the agent claim/complete/fail protocol, and the
// background sweeper that reclaims steps abandoned by a disappeared agent.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tombee/workflowengine/internal/api"
	"github.com/tombee/workflowengine/internal/auth"
	"github.com/tombee/workflowengine/internal/config"
	"github.com/tombee/workflowengine/internal/engine"
	"github.com/tombee/workflowengine/internal/log"
	"github.com/tombee/workflowengine/internal/store"
	"github.com/tombee/workflowengine/internal/sweeper"
	"github.com/tombee/workflowengine/internal/tracing"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		listenAddr  = flag.String("listen", "", "TCP address to listen on")
		backendType = flag.String("backend", "", "Storage backend (local, s3)")
		localDir    = flag.String("local-dir", "", "Directory for the local storage backend")
		s3Bucket    = flag.String("s3-bucket", "", "S3 bucket for the s3 storage backend")
		tracingOn   = flag.Bool("tracing", false, "Enable OpenTelemetry tracing")
		otlpAddr    = flag.String("otlp-endpoint", "", "OTLP/HTTP collector endpoint")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("workflowengined %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Listen.Addr = *listenAddr
	}
	if *backendType != "" {
		cfg.Backend.Type = *backendType
	}
	if *localDir != "" {
		cfg.Backend.LocalDir = *localDir
	}
	if *s3Bucket != "" {
		cfg.Backend.S3.Bucket = *s3Bucket
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := openBackend(ctx, cfg.Backend, logger)
	if err != nil {
		logger.Error("open storage backend", slog.Any("error", err))
		os.Exit(1)
	}
	if s3Backend, ok := backend.(*store.S3Store); ok {
		if err := s3Backend.HealthCheck(ctx); err != nil {
			logger.Error("s3 backend health check", slog.Any("error", err))
			os.Exit(1)
		}
	}

	tracingCfg := tracing.DefaultConfig()
	tracingCfg.Enabled = *tracingOn
	tracingCfg.ServiceName = "workflowengine"
	tracingCfg.ServiceVersion = version
	tracingCfg.OTLPEndpoint = *otlpAddr
	provider, err := tracing.NewProvider(ctx, tracingCfg)
	if err != nil {
		logger.Error("start tracing provider", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown tracing provider", slog.Any("error", err))
		}
	}()

	eng := engine.New(backend,
		engine.WithTracer(provider.Tracer("internal/engine")),
		engine.WithLogger(logger),
	)

	limiter := auth.NewRateLimiter(auth.RateLimitConfig{
		Enabled:           cfg.Auth.RateLimitEnabled,
		RequestsPerSecond: cfg.Auth.RequestsPerSecond,
		BurstSize:         cfg.Auth.BurstSize,
	})
	server := api.New(eng, api.WithLogger(logger), api.WithRateLimiter(limiter))

	mux := http.NewServeMux()
	mux.Handle("/", server.Handler())
	mux.Handle("/metrics", provider.MetricsHandler())

	httpServer := &http.Server{
		Addr:    cfg.Listen.Addr,
		Handler: mux,
	}

	sw := sweeper.New(eng, sweeper.Config{
		CronExpr:   cfg.Sweeper.CronExpr,
		StaleAfter: cfg.Sweeper.StaleAfter,
	}, logger)
	if err := sw.Start(ctx); err != nil {
		logger.Error("start sweeper", slog.Any("error", err))
		os.Exit(1)
	}
	defer sw.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.Listen.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server error", slog.Any("error", err))
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", slog.Any("error", err))
	}
}

func openBackend(ctx context.Context, cfg config.BackendConfig, logger *slog.Logger) (store.Storage, error) {
	switch cfg.Type {
	case "s3":
		return store.NewS3Store(ctx, store.S3Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			PathStyle: cfg.S3.PathStyle,
		})
	default:
		return store.NewLocalStore(cfg.LocalDir, logger)
	}
}
