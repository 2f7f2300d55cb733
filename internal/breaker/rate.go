package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/resilient-client/internal/metrics"
)

// RateBreaker opens when the failure ratio over the last windowSize
// recorded attempts reaches the threshold. It only evaluates a full window.
type RateBreaker struct {
	mu sync.Mutex

	operation string
	logger    *slog.Logger
	now       func() time.Time

	state    State
	ring     []bool // true = failure
	next     int
	filled   int
	failures int

	threshold    float64
	resetTimeout time.Duration
	probes       int

	probeSuccesses int
	openedAt       time.Time
}

// NewRateBreaker creates a failure-rate breaker for operation.
func NewRateBreaker(operation string, cfg Config, logger *slog.Logger) *RateBreaker {
	b := &RateBreaker{
		operation: operation,
		logger:    logger,
		now:       time.Now,
	}
	b.apply(cfg)
	return b
}

func (b *RateBreaker) apply(cfg Config) {
	cfg = cfg.withDefaults()
	if len(b.ring) != cfg.WindowSize {
		b.ring = make([]bool, cfg.WindowSize)
		b.next, b.filled, b.failures = 0, 0, 0
	}
	b.threshold = cfg.FailureThreshold
	b.resetTimeout = cfg.ResetTimeout
	b.probes = cfg.HalfOpenMax
}

func (b *RateBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return false
		}
		b.setState(StateHalfOpen)
	}
	return true
}

func (b *RateBreaker) RecordSuccess(time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.push(false)
	case StateHalfOpen:
		b.probeSuccesses++
		if b.probeSuccesses >= b.probes {
			b.setState(StateClosed)
		}
	}
}

func (b *RateBreaker) RecordFailure(time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.push(true)
		if b.filled == len(b.ring) && float64(b.failures)/float64(b.filled) >= b.threshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

func (b *RateBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *RateBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
}

// push records one outcome, evicting the oldest when the ring is full.
// b.mu must be held.
func (b *RateBreaker) push(failed bool) {
	if b.filled == len(b.ring) {
		if b.ring[b.next] {
			b.failures--
		}
	} else {
		b.filled++
	}
	b.ring[b.next] = failed
	if failed {
		b.failures++
	}
	b.next = (b.next + 1) % len(b.ring)
}

// setState moves to s, updating metrics and resetting per-state counters.
// b.mu must be held.
func (b *RateBreaker) setState(s State) {
	if b.state == s {
		return
	}
	from := b.state
	b.state = s

	metrics.CircuitBreakerStateChanges.WithLabelValues(b.operation, from.String(), s.String()).Inc()
	metrics.CircuitBreakerState.WithLabelValues(b.operation).Set(float64(s))
	b.logger.Info("circuit breaker state change",
		"operation", b.operation,
		"from", from.String(),
		"to", s.String(),
	)

	b.probeSuccesses = 0
	switch s {
	case StateClosed:
		b.next, b.filled, b.failures = 0, 0, 0
	case StateOpen:
		b.openedAt = b.now()
	}
}
