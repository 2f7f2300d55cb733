package main

import (
	"fmt"
	"io"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dskow/resilient-client/internal/breaker"
	"github.com/dskow/resilient-client/internal/client"
	"github.com/dskow/resilient-client/internal/config"
	"github.com/dskow/resilient-client/internal/kv"
	"github.com/dskow/resilient-client/internal/retry"
	"github.com/dskow/resilient-client/internal/route"
)

type noClose struct{}

func (noClose) Close() error { return nil }

// openStore builds the durable store selected by storage.driver. The
// returned Closer releases connections or is a no-op.
func openStore(cfg config.StorageConfig) (kv.Store, io.Closer, error) {
	switch cfg.Driver {
	case "", "memory":
		m := kv.NewMemory()
		return m, m, nil
	case "file":
		f, err := kv.NewFile(cfg.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("opening file store: %w", err)
		}
		return f, noClose{}, nil
	case "redis":
		rc := goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		r := kv.NewRedis(rc, kv.WithExpiry(cfg.Redis.Expiry))
		return r, r, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

func breakerConfig(cfg config.CircuitBreakerConfig) breaker.Config {
	return breaker.Config{
		WindowSize:       cfg.WindowSize,
		FailureThreshold: cfg.FailureThreshold,
		ResetTimeout:     cfg.ResetTimeout,
		HalfOpenMax:      cfg.HalfOpenMax,
		SlowThreshold:    cfg.SlowThreshold,
		MaxConcurrent:    cfg.MaxConcurrent,
	}
}

func retryConfig(cfg *config.Config) retry.Config {
	return retry.Config{
		BaseDelay:      cfg.Retry.BaseDelay,
		MaxDelay:       cfg.Retry.MaxDelay,
		AttemptTimeout: cfg.Backend.AttemptTimeout,
		Jitter:         cfg.Retry.Jitter,
	}
}

// checkCatalogue rejects a reloaded config whose endpoints would not build
// a resolver, so a bad edit never replaces a working catalogue.
func checkCatalogue(cfg *config.Config) error {
	defs, _, err := client.CatalogueFromConfig(cfg)
	if err != nil {
		return err
	}
	_, err = route.New(defs)
	return err
}
