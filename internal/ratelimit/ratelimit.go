// Package ratelimit throttles outbound remote attempts with a token bucket
// per operation. Endpoints may override the global rate for their operation.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/dskow/resilient-client/internal/config"
	"github.com/dskow/resilient-client/internal/metrics"
)

// bucketKey encodes operation, rate and burst so an override change gets a
// fresh bucket instead of inheriting the old one's tokens.
type bucketKey struct {
	op    string
	rate  rate.Limit
	burst int
}

// Limiter hands out tokens for remote attempts.
type Limiter struct {
	mu        sync.RWMutex
	buckets   map[bucketKey]*rate.Limiter
	rate      rate.Limit
	burst     int
	overrides map[string]config.RateLimitConfig
	logger    *slog.Logger
}

// Limits is the effective setting for one operation.
type Limits struct {
	Operation         string  `json:"operation"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	BurstSize         int     `json:"burst_size"`
	Tokens            float64 `json:"tokens"`
}

// New creates a Limiter from the global settings and the per-endpoint
// overrides, which apply to the endpoint's operation.
func New(cfg config.RateLimitConfig, endpoints []config.EndpointConfig, logger *slog.Logger) *Limiter {
	l := &Limiter{buckets: make(map[bucketKey]*rate.Limiter), logger: logger}
	l.apply(cfg, endpoints)
	return l
}

func (l *Limiter) apply(cfg config.RateLimitConfig, endpoints []config.EndpointConfig) {
	l.rate = rate.Limit(cfg.RequestsPerSecond)
	l.burst = cfg.BurstSize
	l.overrides = make(map[string]config.RateLimitConfig)
	for _, e := range endpoints {
		if e.RateOverride == nil {
			continue
		}
		if prev, ok := l.overrides[e.Operation]; ok && prev != *e.RateOverride {
			l.logger.Warn("conflicting rate overrides for operation, keeping the first",
				"operation", e.Operation, "endpoint", e.Name)
			continue
		}
		l.overrides[e.Operation] = *e.RateOverride
	}
}

// UpdateConfig hot-reloads the limits. Existing buckets are dropped so the
// new limits take effect on the next attempt.
func (l *Limiter) UpdateConfig(cfg config.RateLimitConfig, endpoints []config.EndpointConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.apply(cfg, endpoints)
	l.buckets = make(map[bucketKey]*rate.Limiter)
}

// Wait blocks until op may start an attempt or ctx is done.
func (l *Limiter) Wait(ctx context.Context, op string) error {
	lim := l.bucket(op)
	if lim.Allow() {
		return nil
	}
	metrics.RateLimitWaits.WithLabelValues(op).Inc()
	l.logger.Debug("waiting for outbound rate limit token", "operation", op)
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", op, err)
	}
	return nil
}

// Allow reports whether op may start an attempt now, consuming a token if so.
func (l *Limiter) Allow(op string) bool {
	return l.bucket(op).Allow()
}

func (l *Limiter) limitsFor(op string) (rate.Limit, int) {
	if o, ok := l.overrides[op]; ok {
		return rate.Limit(o.RequestsPerSecond), o.BurstSize
	}
	return l.rate, l.burst
}

// bucket returns or creates the limiter for op. Read-lock for the common
// path, write-lock only for insertions.
func (l *Limiter) bucket(op string) *rate.Limiter {
	l.mu.RLock()
	r, burst := l.limitsFor(op)
	key := bucketKey{op: op, rate: r, burst: burst}
	if lim, ok := l.buckets[key]; ok {
		l.mu.RUnlock()
		return lim
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-read: UpdateConfig may have run between the locks.
	r, burst = l.limitsFor(op)
	key = bucketKey{op: op, rate: r, burst: burst}
	if lim, ok := l.buckets[key]; ok {
		return lim
	}
	lim := rate.NewLimiter(r, burst)
	l.buckets[key] = lim
	return lim
}

// Snapshot reports the effective limits of every operation that has been
// throttled at least once, sorted by operation.
func (l *Limiter) Snapshot() []Limits {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Limits, 0, len(l.buckets))
	for k, lim := range l.buckets {
		out = append(out, Limits{
			Operation:         k.op,
			RequestsPerSecond: float64(k.rate),
			BurstSize:         k.burst,
			Tokens:            lim.Tokens(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}
