// Package metrics provides Prometheus instrumentation for the resilient
// client. Collectors are registered by Init and exposed through Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CallsTotal counts logical calls by endpoint and result provenance
	// ("fresh", "cache", "cache-stale", "fallback", "fresh-error", "error").
	CallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "client_calls_total",
			Help: "Total logical calls by provenance of the returned value",
		},
		[]string{"endpoint", "provenance"},
	)

	// CallDuration observes end-to-end logical call latency in seconds.
	CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "client_call_duration_seconds",
			Help:    "Logical call latency in seconds, including retries and backoff",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint"},
	)

	// RemoteAttempts counts remote invocations by operation and outcome
	// ("success", "transient", "application", "circuit_open").
	RemoteAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "client_remote_attempts_total",
			Help: "Remote operation attempts by outcome",
		},
		[]string{"operation", "outcome"},
	)

	// RetryTotal counts retries (attempts after the first) by operation.
	RetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "client_retries_total",
			Help: "Total retry attempts",
		},
		[]string{"operation"},
	)

	// CacheLookups counts cache reads by result ("hit", "miss", "expired",
	// "stale_hit", "stale_miss", "error").
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "client_cache_lookups_total",
			Help: "Cache lookups by result",
		},
		[]string{"result"},
	)

	// CacheWrites counts cache writes by result ("ok", "error").
	CacheWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "client_cache_writes_total",
			Help: "Cache writes by result",
		},
		[]string{"result"},
	)

	// CacheEvictions counts entries removed by invalidation or sweeping.
	CacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "client_cache_evictions_total",
			Help: "Cache entries removed by reason",
		},
		[]string{"reason"},
	)

	// InFlightCalls tracks remote operations currently pending in the deduplicator.
	InFlightCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "client_inflight_calls",
			Help: "Number of pending coalesced calls",
		},
	)

	// CoalescedCalls counts callers that attached to an already pending call.
	CoalescedCalls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "client_coalesced_calls_total",
			Help: "Callers served by another caller's in-flight remote operation",
		},
	)

	// ConfigurationErrors counts calls whose endpoint did not resolve.
	ConfigurationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "client_configuration_errors_total",
			Help: "Calls rejected because no route resolves for the endpoint",
		},
		[]string{"endpoint", "verb"},
	)

	// RateLimitWaits counts attempts that had to wait for an outbound token.
	RateLimitWaits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "client_rate_limit_waits_total",
			Help: "Attempts delayed by the outbound rate limiter",
		},
		[]string{"operation"},
	)

	// CircuitBreakerState reports the current breaker state per operation
	// (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "client_circuit_breaker_state",
			Help: "Circuit breaker state per operation (0=closed, 1=open, 2=half-open)",
		},
		[]string{"operation"},
	)

	// CircuitBreakerStateChanges counts breaker transitions.
	CircuitBreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "client_circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"operation", "from", "to"},
	)

	// BulkheadInFlight tracks concurrent attempts per operation.
	BulkheadInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "client_bulkhead_inflight",
			Help: "Concurrent remote attempts per operation",
		},
		[]string{"operation"},
	)

	// BulkheadRejections counts attempts rejected by the concurrency limit.
	BulkheadRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "client_bulkhead_rejections_total",
			Help: "Attempts rejected because the operation's concurrency limit was reached",
		},
		[]string{"operation"},
	)

	// RequestsTotal counts sidecar HTTP requests by method and status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "client_sidecar_requests_total",
			Help: "Total HTTP requests served by the sidecar",
		},
		[]string{"method", "status"},
	)

	// AuthFailures counts sidecar authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "client_auth_failures_total",
			Help: "Total sidecar authentication failures",
		},
		[]string{"reason"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		CallsTotal,
		CallDuration,
		RemoteAttempts,
		RetryTotal,
		CacheLookups,
		CacheWrites,
		CacheEvictions,
		InFlightCalls,
		CoalescedCalls,
		ConfigurationErrors,
		RateLimitWaits,
		CircuitBreakerState,
		CircuitBreakerStateChanges,
		BulkheadInFlight,
		BulkheadRejections,
		RequestsTotal,
		AuthFailures,
	}
}

// Init registers all collectors with the default Prometheus registry.
// Must be called once at startup.
func Init() {
	prometheus.MustRegister(collectors()...)
}

// Register registers all collectors with reg. Tests use a private registry.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
