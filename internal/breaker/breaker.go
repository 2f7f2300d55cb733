// Package breaker provides per-operation circuit breakers for the retry
// executor. An open breaker short-circuits an attempt without touching the
// network; the executor counts that as a transient failure.
package breaker

import (
	"errors"
	"time"
)

// ErrOpen is returned when a breaker rejects an attempt.
var ErrOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // attempts pass through
	StateOpen                  // attempts are rejected until the reset timeout elapses
	StateHalfOpen              // probing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is implemented by every layer of a breaker stack.
type Breaker interface {
	// Allow reports whether an attempt may proceed.
	Allow() bool
	// RecordSuccess records an attempt that reached the operation and got an
	// answer, including well-formed application errors.
	RecordSuccess(latency time.Duration)
	// RecordFailure records a transient failure.
	RecordFailure(latency time.Duration)
	State() State
	Reset()
}
