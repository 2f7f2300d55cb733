package breaker

import (
	"github.com/dskow/resilient-client/internal/metrics"
)

// Bulkhead caps concurrent attempts against one operation. It never blocks:
// an attempt over the cap is rejected and the executor retries it after
// backoff like any other transient failure.
type Bulkhead struct {
	Breaker
	slots     chan struct{}
	operation string
}

// NewBulkhead wraps inner with a limit of max concurrent attempts.
func NewBulkhead(inner Breaker, max int, operation string) *Bulkhead {
	return &Bulkhead{Breaker: inner, slots: make(chan struct{}, max), operation: operation}
}

// Allow takes a slot and then consults the wrapped breaker. Every true
// result must be paired with one Release.
func (b *Bulkhead) Allow() bool {
	select {
	case b.slots <- struct{}{}:
	default:
		metrics.BulkheadRejections.WithLabelValues(b.operation).Inc()
		return false
	}
	if !b.Breaker.Allow() {
		<-b.slots
		return false
	}
	metrics.BulkheadInFlight.WithLabelValues(b.operation).Set(float64(len(b.slots)))
	return true
}

// Release returns a slot taken by Allow.
func (b *Bulkhead) Release() {
	<-b.slots
	metrics.BulkheadInFlight.WithLabelValues(b.operation).Set(float64(len(b.slots)))
}
