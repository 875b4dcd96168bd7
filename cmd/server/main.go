// Package main is the entrypoint for the tenantgate server.
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

	"github.com/kiranshivaraju/tenantgate/internal/api"
	"github.com/kiranshivaraju/tenantgate/internal/api/handler"
	mw "github.com/kiranshivaraju/tenantgate/internal/api/middleware"
	"github.com/kiranshivaraju/tenantgate/internal/api/response"
	"github.com/kiranshivaraju/tenantgate/internal/authz"
	"github.com/kiranshivaraju/tenantgate/internal/cache"
	"github.com/kiranshivaraju/tenantgate/internal/config"
	"github.com/kiranshivaraju/tenantgate/internal/gateway"
	"github.com/kiranshivaraju/tenantgate/internal/quota"
	"github.com/kiranshivaraju/tenantgate/internal/registry"
	"github.com/kiranshivaraju/tenantgate/internal/store"
	"github.com/kiranshivaraju/tenantgate/internal/upstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 30 * time.Second

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
	// 1. Load config, fail fast
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"upstream_config", cfg.Upstream.ConfigPath,
		"anonymous_generate", cfg.Gateway.AllowAnonymous,
		"admin_token_set", cfg.Auth.AdminToken != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	pgStore := store.NewPostgresStore(pool)

	// 5. Load the upstream registry. A broken document degrades to the fallback target.
	reg, err := registry.Load(cfg.Upstream.ConfigPath, registry.Fallback{
		URL:   cfg.Upstream.FallbackURL,
		Model: cfg.Upstream.FallbackModel,
	})
	switch {
	case errors.Is(err, registry.ErrConfigDegraded):
		slog.Warn("upstream registry degraded, using fallback target", "error", err)
	case err != nil:
		return fmt.Errorf("load upstream registry: %w", err)
	}
	current := reg.ResolveCurrent()
	slog.Info("upstream registry loaded", "current", current.Key, "url", current.URL, "model", current.Model)

	client := upstream.NewHTTPClient(cfg.Upstream.Timeout, cfg.Upstream.ProbeTimeout)
	checker := registry.NewChecker(reg, client, cfg.Upstream.ProbeTimeout, redisCache)
	go checker.Monitor(ctx)

	// 6. Core services
	authority := authz.New(pgStore, cfg.Auth.AdminToken)
	ledger := quota.New(pgStore, cfg.Quota.Location)
	gw := gateway.New(authority, ledger, reg, client, gateway.Options{
		SystemPrompt:   cfg.Gateway.SystemPrompt,
		AllowAnonymous: cfg.Gateway.AllowAnonymous,
	})

	// 7. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(authority),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Redis.RateLimitPerMinute),

		HealthHandler:   healthHandler(pgStore, redisCache),
		MetricsHandler:  promhttp.Handler(),
		GenerateHandler: handler.NewGenerateHandler(gw),

		Accounts:  handler.NewAccounts(pgStore),
		Upstreams: handler.NewUpstreams(reg, checker),
		Users:     handler.NewUsers(pgStore),
		Tenants:   handler.NewTenants(pgStore),
		Usage:     handler.NewUsage(pgStore),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server. Streams can outlive any fixed write deadline,
	// so WriteTimeout stays unset and the upstream timeout bounds each call.
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
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

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		if checks["database"] != "ok" || checks["cache"] != "ok" {
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
