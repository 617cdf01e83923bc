// Package main is the entrypoint for the PostFlow API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sanchitrk/postflow/internal/alerting"
	"github.com/sanchitrk/postflow/internal/api"
	"github.com/sanchitrk/postflow/internal/api/handler"
	mw "github.com/sanchitrk/postflow/internal/api/middleware"
	"github.com/sanchitrk/postflow/internal/api/response"
	"github.com/sanchitrk/postflow/internal/cache"
	"github.com/sanchitrk/postflow/internal/config"
	"github.com/sanchitrk/postflow/internal/health"
	"github.com/sanchitrk/postflow/internal/publish"
	"github.com/sanchitrk/postflow/internal/quota"
	"github.com/sanchitrk/postflow/internal/ratelimit"
	"github.com/sanchitrk/postflow/internal/secrets"
	"github.com/sanchitrk/postflow/internal/store"
	"github.com/sanchitrk/postflow/internal/upstream"
	"github.com/sanchitrk/postflow/internal/worker"
)

const (
	shutdownTimeout = 30 * time.Second
	quotaScope      = "default"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database and run migrations
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 3. Connect the shared counter store
	counters, err := cache.NewRedisCounters(cfg.Redis.URL, cfg.Redis.OpTimeout)
	if err != nil {
		return fmt.Errorf("create counter store: %w", err)
	}
	defer counters.Close()

	if !counters.Available(ctx) {
		// Everything built on the counter store fails open, so an
		// unreachable store at boot degrades rather than aborts.
		slog.Warn("counter store unreachable at startup, components will fail open")
	} else {
		slog.Info("counter store connected")
	}

	// 4. Background queue for fire-and-forget recording
	queue := worker.NewQueue(256, 2)
	queue.Start(ctx)

	// 5. Resilience components
	pgStore := store.NewPostgresStore(pool)
	sink := alerting.NewLogSink()

	limiter := ratelimit.NewFromEnv(counters, cfg.Server.Env, cfg.RateLimit.BypassEnabled)
	limiter.StartJanitor(ctx, time.Minute)

	healthMon := health.NewMonitor(counters, queue, sink, health.Options{
		Series:            cfg.Health.Series,
		WindowMinutes:     cfg.Health.WindowMinutes,
		DegradedThreshold: cfg.Health.DegradedThreshold,
		DownThreshold:     cfg.Health.DownThreshold,
	})

	quotaMon := quota.NewMonitor(pgStore, quota.Limits{
		RequestsPerMinute: cfg.Quota.PlanRequestsPerMinute,
		RequestsPerDay:    cfg.Quota.PlanRequestsPerDay,
		TokensPerDay:      cfg.Quota.PlanTokensPerDay,
	})

	// 6. Publishing pipeline
	box := secrets.NewBox(cfg.Secrets.TokenKey)
	registry := publish.NewRegistry(
		publish.NewHTTPSender("linkedin", cfg.Publish.LinkedInBaseURL, cfg.Publish.SenderTimeout),
		publish.NewHTTPSender("x", cfg.Publish.XBaseURL, cfg.Publish.SenderTimeout),
		publish.NewHTTPSender("mastodon", cfg.Publish.MastodonBaseURL, cfg.Publish.SenderTimeout),
	)
	dispatcher := publish.NewDispatcher(pgStore, box, registry, cfg.Publish.RetryBackoff)
	runner := worker.NewRunner(pgStore, dispatcher, cfg.Publish.PollInterval, cfg.Publish.BatchSize)
	go runner.Run(ctx)

	// 7. Upstream client and router
	gen := upstream.NewHTTPClient(cfg.Upstream.BaseURL, cfg.Upstream.Model, cfg.Upstream.APIKey, cfg.Upstream.Timeout)

	deps := api.Dependencies{
		Auth:        mw.NewAuth(pgStore),
		RateLimit:   mw.NewRateLimit(limiter, cfg.RateLimit.Window, cfg.RateLimit.MaxRequests),
		HealthGuard: mw.NewHealthGuard(healthMon),

		HealthHandler:         healthHandler(pgStore, counters),
		GenerateHandler:       handler.NewGenerateHandler(gen, healthMon, quotaMon, quotaScope),
		QuotaStatusHandler:    handler.NewQuotaStatusHandler(quotaMon, quotaScope),
		QuotaHistoryHandler:   handler.NewQuotaHistoryHandler(quotaMon, quotaScope),
		QuotaBreakdownHandler: handler.NewQuotaBreakdownHandler(quotaMon, quotaScope),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and counter store connectivity.
func healthHandler(s store.Store, c cache.Counters) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database":      "ok",
			"counter_store": "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["counter_store"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["counter_store"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
