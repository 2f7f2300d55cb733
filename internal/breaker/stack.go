package breaker

import (
	"log/slog"
	"time"
)

// Config configures one operation's breaker stack. The failure-rate layer
// is always present; the slow-call and bulkhead layers are enabled by a
// non-zero SlowThreshold and MaxConcurrent.
type Config struct {
	WindowSize       int
	FailureThreshold float64
	ResetTimeout     time.Duration
	HalfOpenMax      int

	SlowThreshold time.Duration
	MaxConcurrent int
}

func (c Config) withDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = 10
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 0.5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 1
	}
	return c
}

// Stack is the breaker the executor talks to for one operation.
// Layering from the inside out: failure rate, slow call, bulkhead.
type Stack struct {
	rate     *RateBreaker
	bulkhead *Bulkhead
	outer    Breaker
}

// NewStack builds the stack for operation.
func NewStack(operation string, cfg Config, logger *slog.Logger) *Stack {
	rate := NewRateBreaker(operation, cfg, logger)
	s := &Stack{rate: rate, outer: rate}
	if cfg.SlowThreshold > 0 {
		s.outer = NewSlowCallBreaker(s.outer, cfg.SlowThreshold)
	}
	if cfg.MaxConcurrent > 0 {
		s.bulkhead = NewBulkhead(s.outer, cfg.MaxConcurrent, operation)
		s.outer = s.bulkhead
	}
	return s
}

func (s *Stack) Allow() bool                         { return s.outer.Allow() }
func (s *Stack) RecordSuccess(latency time.Duration) { s.outer.RecordSuccess(latency) }
func (s *Stack) RecordFailure(latency time.Duration) { s.outer.RecordFailure(latency) }
func (s *Stack) Reset()                              { s.outer.Reset() }

// State reports the failure-rate layer's state.
func (s *Stack) State() State { return s.rate.State() }

// Release frees the bulkhead slot taken by a successful Allow. It is a
// no-op without a bulkhead.
func (s *Stack) Release() {
	if s.bulkhead != nil {
		s.bulkhead.Release()
	}
}

// UpdateConfig applies new failure-rate settings in place. The slow-call
// and bulkhead layers keep the settings they were built with.
func (s *Stack) UpdateConfig(cfg Config) {
	s.rate.mu.Lock()
	defer s.rate.mu.Unlock()
	s.rate.apply(cfg)
}
