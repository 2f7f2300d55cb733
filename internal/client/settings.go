package client

import (
	"fmt"
	"time"

	"github.com/dskow/resilient-client/internal/config"
	"github.com/dskow/resilient-client/internal/fallback"
	"github.com/dskow/resilient-client/internal/route"
)

// Defaults applied when a call does not override them.
const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxRetries = 3
)

// Settings are the per-call defaults. The zero value means 5 minute
// caching, 3 retries and coalescing on.
type Settings struct {
	DefaultTTL time.Duration
	// MaxRetries is nil for DefaultMaxRetries. An explicit 0 means a
	// single attempt.
	MaxRetries        *int
	DisableCoalescing bool
	DebounceWindow    time.Duration
}

// DefaultSettings returns 5 minute caching, 3 retries and coalescing on.
func DefaultSettings() Settings {
	return Settings{}.withDefaults()
}

// Retries returns the retry budget, applying the default when unset.
func (s Settings) Retries() int {
	if s.MaxRetries == nil || *s.MaxRetries < 0 {
		return DefaultMaxRetries
	}
	return *s.MaxRetries
}

func (s Settings) withDefaults() Settings {
	if s.DefaultTTL <= 0 {
		s.DefaultTTL = DefaultTTL
	}
	n := s.Retries()
	s.MaxRetries = &n
	return s
}

// SettingsFromConfig extracts the call defaults from cfg.
func SettingsFromConfig(cfg *config.Config) Settings {
	n := cfg.Retry.Retries()
	return Settings{
		DefaultTTL:        cfg.Cache.DefaultTTL,
		MaxRetries:        &n,
		DisableCoalescing: !cfg.Dedup.CoalesceEnabled(),
		DebounceWindow:    cfg.Dedup.DebounceWindow,
	}
}

// CatalogueFromConfig converts the configured endpoints into route
// definitions and a fallback registry. Configured fallbacks override the
// built-in defaults for the same endpoint.
func CatalogueFromConfig(cfg *config.Config) ([]route.Definition, *fallback.Registry, error) {
	defs := make([]route.Definition, 0, len(cfg.Endpoints))
	overrides := make(map[string]fallback.Generator)
	for i, e := range cfg.Endpoints {
		defs = append(defs, route.Definition{
			Name:        e.Name,
			Verb:        e.Verb,
			Operation:   e.Operation,
			TTL:         e.TTL,
			Cacheable:   e.Cacheable,
			Invalidates: e.Invalidates,
		})
		fb, ok, err := e.FallbackJSON()
		if err != nil {
			return nil, nil, fmt.Errorf("endpoints[%d] (%s): %w", i, e.Name, err)
		}
		if ok {
			overrides[e.Name] = fallback.Static(fb)
		}
	}
	return defs, fallback.Merge(fallback.Defaults(), overrides), nil
}
