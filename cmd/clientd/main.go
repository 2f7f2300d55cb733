// Package main is the entry point for the resilient client sidecar. It loads
// configuration, wires storage, the remote invoker and the call pipeline,
// serves /call/ with health, admin and metrics endpoints, and shuts down
// gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dskow/resilient-client/internal/admin"
	"github.com/dskow/resilient-client/internal/auth"
	"github.com/dskow/resilient-client/internal/breaker"
	"github.com/dskow/resilient-client/internal/cache"
	"github.com/dskow/resilient-client/internal/client"
	"github.com/dskow/resilient-client/internal/config"
	"github.com/dskow/resilient-client/internal/health"
	"github.com/dskow/resilient-client/internal/logging"
	"github.com/dskow/resilient-client/internal/metrics"
	"github.com/dskow/resilient-client/internal/middleware"
	"github.com/dskow/resilient-client/internal/proxy"
	"github.com/dskow/resilient-client/internal/ratelimit"
	"github.com/dskow/resilient-client/internal/remote"
	"github.com/dskow/resilient-client/internal/retry"
)

func main() {
	configPath := flag.String("config", "configs/client.yaml", "path to configuration file")
	flag.Parse()

	boot := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		boot.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"endpoints", len(cfg.Endpoints),
		"backend", cfg.Backend.BaseURL,
		"storage", cfg.Storage.Driver,
		"max_retries", cfg.Retry.Retries(),
		"auth_enabled", cfg.Auth.Enabled,
		"admin_enabled", cfg.Admin.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// Storage and cache
	store, storeCloser, err := openStore(cfg.Storage)
	if err != nil {
		logger.Error("failed to open cache store", "error", err)
		os.Exit(1)
	}
	defer storeCloser.Close()

	cacheStore := cache.New(store, logger,
		cache.WithPrefix(cfg.Storage.KeyPrefix),
		cache.WithStaleRetention(cfg.Cache.StaleRetention),
	)
	cacheStore.StartSweeper(cfg.Cache.SweepInterval)
	defer cacheStore.Stop()

	// Remote invocation: limiter → breaker → HTTP, wrapped in retries
	invoker, err := remote.NewHTTP(cfg.Backend, logger, remote.WithRequestID(middleware.GetRequestID))
	if err != nil {
		logger.Error("failed to create remote invoker", "error", err)
		os.Exit(1)
	}
	defer invoker.Close()

	limiter := ratelimit.New(cfg.RateLimit, cfg.Endpoints, logger)
	breakers := breaker.NewSet(breakerConfig(cfg.CircuitBreaker), logger)
	executor := retry.New(invoker, retryConfig(cfg), logger,
		retry.WithBreakers(breakers),
		retry.WithLimiter(limiter),
	)

	defs, fallbacks, err := client.CatalogueFromConfig(cfg)
	if err != nil {
		logger.Error("invalid endpoint catalogue", "error", err)
		os.Exit(1)
	}
	c, err := client.New(client.Deps{
		Executor:  executor,
		Cache:     cacheStore,
		Catalogue: defs,
		Fallbacks: fallbacks,
		Settings:  client.SettingsFromConfig(cfg),
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to create client", "error", err)
		os.Exit(1)
	}

	// Config reloader: the catalogue, limits, breaker and retry policy are
	// hot-reloadable; backend and storage changes need a restart.
	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Check(checkCatalogue)
	reloader.OnReload(func(next *config.Config) {
		defs, fallbacks, err := client.CatalogueFromConfig(next)
		if err == nil {
			err = c.UpdateCatalogue(defs, fallbacks, client.SettingsFromConfig(next))
		}
		if err != nil {
			logger.Error("catalogue update failed, keeping current", "error", err)
		}
		limiter.UpdateConfig(next.RateLimit, next.Endpoints)
		breakers.UpdateConfig(breakerConfig(next.CircuitBreaker))
		executor.UpdateConfig(retryConfig(next))
	})
	reloader.Start()
	defer reloader.Stop()

	// Assemble middleware stack:
	// Recovery → RequestID → Logging → BodyLimit → Auth → Sidecar
	var handler http.Handler = proxy.New(c, logger)
	handler = auth.Middleware(cfg.Auth, logger)(handler)
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.Logging(logger, middleware.LoggingOptions{})(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	// Health, admin and metrics bypass the call middleware.
	mux := http.NewServeMux()
	health.New(health.Options{
		BackendURL: cfg.Backend.BaseURL,
		Store:      store,
		Breakers:   breakers,
	}, logger).RegisterRoutes(mux)

	if cfg.Admin.Enabled {
		admin.New(admin.Deps{
			Config:    reloader,
			Client:    c,
			Limiter:   limiter,
			Breakers:  breakers,
			Allowlist: cfg.Admin.IPAllowlist,
			Logger:    logger,
		}).RegisterRoutes(mux)
		logger.Info("admin API enabled", "allowlist", cfg.Admin.IPAllowlist)
	}

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		mux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	mux.Handle(proxy.Prefix, handler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting sidecar", "addr", srv.Addr, "call_prefix", strings.TrimSuffix(proxy.Prefix, "/"))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight calls", "timeout", cfg.Server.ShutdownTimeout, "coalesced", len(c.InFlight()))
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		return
	}

	logger.Info("sidecar stopped gracefully")
}
