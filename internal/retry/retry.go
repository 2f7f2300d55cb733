// Package retry executes remote operations with bounded exponential backoff.
//
// An operation is attempted at most maxRetries+1 times. Transient failures
// are retried after base·2^(n-1) (capped at MaxDelay) before retry n;
// application errors end the sequence immediately. Each attempt passes the
// outbound rate limiter and the operation's circuit breaker first. An open
// breaker fails the attempt without touching the network.
package retry

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/dskow/resilient-client/internal/apierror"
	"github.com/dskow/resilient-client/internal/breaker"
	"github.com/dskow/resilient-client/internal/metrics"
	"github.com/dskow/resilient-client/internal/remote"
)

// Config is the backoff policy.
type Config struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	// Jitter spreads each delay uniformly over ±Jitter of its nominal value.
	Jitter float64
}

// Stats describes one Execute run.
type Stats struct {
	Attempts int
	Delays   []time.Duration
}

// Limiter gates attempts per operation.
type Limiter interface {
	Wait(ctx context.Context, op string) error
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Executor runs operations through an Invoker.
type Executor struct {
	inv      remote.Invoker
	logger   *slog.Logger
	breakers *breaker.Set
	limiter  Limiter
	sleep    Sleeper

	mu  sync.RWMutex
	cfg Config
}

// Option configures an Executor.
type Option func(*Executor)

// WithBreakers guards every attempt with the operation's breaker stack.
func WithBreakers(s *breaker.Set) Option { return func(e *Executor) { e.breakers = s } }

// WithLimiter throttles attempts.
func WithLimiter(l Limiter) Option { return func(e *Executor) { e.limiter = l } }

// WithSleeper replaces the backoff wait. Tests use it to record delays
// without sleeping.
func WithSleeper(s Sleeper) Option { return func(e *Executor) { e.sleep = s } }

// New creates an Executor.
func New(inv remote.Invoker, cfg Config, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{inv: inv, cfg: cfg, logger: logger, sleep: sleepCtx}
	for _, o := range opts {
		o(e)
	}
	return e
}

// UpdateConfig swaps the backoff policy for subsequent runs.
func (e *Executor) UpdateConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Executor) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Backoff returns the delay before retry n (n >= 1), before jitter.
func (e *Executor) Backoff(n int) time.Duration {
	return backoff(e.config(), n)
}

func backoff(cfg Config, n int) time.Duration {
	if n < 1 {
		return 0
	}
	d := cfg.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if cfg.MaxDelay > 0 && d >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return d
}

func jittered(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || d <= 0 {
		return d
	}
	f := 1 + jitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}

// Execute runs op until it succeeds, fails with an application error, or
// maxRetries retries have failed. The returned error is the last attempt's.
func (e *Executor) Execute(ctx context.Context, op string, payload json.RawMessage, maxRetries int) (json.RawMessage, Stats, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	cfg := e.config()
	var stats Stats
	var last error

	for n := 0; n <= maxRetries; n++ {
		if n > 0 {
			d := jittered(backoff(cfg, n), cfg.Jitter)
			stats.Delays = append(stats.Delays, d)
			metrics.RetryTotal.WithLabelValues(op).Inc()
			e.logger.Warn("retrying remote operation",
				"operation", op,
				"retry", n,
				"max_retries", maxRetries,
				"delay", d.String(),
				"error", last,
			)
			if err := e.sleep(ctx, d); err != nil {
				return nil, stats, apierror.Transient(op, apierror.Unavailable, "call abandoned during backoff", err)
			}
		}

		stats.Attempts++
		out, err := e.attempt(ctx, cfg, op, payload)
		if err == nil {
			return out, stats, nil
		}
		if apierror.IsApplication(err) {
			return nil, stats, err
		}
		last = err
	}

	e.logger.Error("remote operation failed after retries",
		"operation", op,
		"attempts", stats.Attempts,
		"error", last,
	)
	return nil, stats, last
}

func (e *Executor) attempt(ctx context.Context, cfg Config, op string, payload json.RawMessage) (json.RawMessage, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, op); err != nil {
			return nil, apierror.Transient(op, apierror.Unavailable, "waiting for rate limit", err)
		}
	}

	var st *breaker.Stack
	if e.breakers != nil {
		st = e.breakers.Get(op)
		if !st.Allow() {
			metrics.RemoteAttempts.WithLabelValues(op, "circuit_open").Inc()
			return nil, apierror.Transient(op, apierror.CircuitOpen, "circuit breaker open", breaker.ErrOpen)
		}
		defer st.Release()
	}

	actx := ctx
	if cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, cfg.AttemptTimeout)
		defer cancel()
	}

	start := time.Now()
	out, err := e.inv.Invoke(actx, op, payload)
	err = remote.Classify(op, err)
	latency := time.Since(start)

	switch {
	case err == nil:
		metrics.RemoteAttempts.WithLabelValues(op, "success").Inc()
		if st != nil {
			st.RecordSuccess(latency)
		}
	case apierror.IsApplication(err):
		// The operation answered; the backend is healthy.
		metrics.RemoteAttempts.WithLabelValues(op, "application").Inc()
		if st != nil {
			st.RecordSuccess(latency)
		}
	default:
		metrics.RemoteAttempts.WithLabelValues(op, "transient").Inc()
		if st != nil {
			st.RecordFailure(latency)
		}
		e.logger.Debug("remote attempt failed", "operation", op, "error", err, "latency_ms", latency.Milliseconds())
	}
	return out, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
