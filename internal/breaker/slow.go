package breaker

import "time"

// SlowCallBreaker counts answers slower than a threshold as failures of the
// wrapped breaker. An operation that only answers near the attempt timeout
// is treated as unhealthy before it starts timing out outright.
type SlowCallBreaker struct {
	Breaker
	threshold time.Duration
}

// NewSlowCallBreaker wraps inner.
func NewSlowCallBreaker(inner Breaker, threshold time.Duration) *SlowCallBreaker {
	return &SlowCallBreaker{Breaker: inner, threshold: threshold}
}

func (s *SlowCallBreaker) RecordSuccess(latency time.Duration) {
	if latency > s.threshold {
		s.Breaker.RecordFailure(latency)
		return
	}
	s.Breaker.RecordSuccess(latency)
}
