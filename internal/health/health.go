// Package health provides liveness and readiness probe HTTP handlers for the
// sidecar. Readiness reflects the cache store, the backend's reachability
// and any operations whose circuit breaker is open.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dskow/resilient-client/internal/kv"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const (
	readinessCacheTTL = 5 * time.Second
	probeTimeout      = 2 * time.Second
)

// OpenLister reports operations whose breaker is open. *breaker.Set
// satisfies it.
type OpenLister interface {
	Open() []string
}

// Options configures the readiness probe. Every field is optional.
type Options struct {
	BackendURL string
	Store      kv.Store
	Breakers   OpenLister
}

// Report is the readiness body.
type Report struct {
	Status       string   `json:"status"`
	Storage      string   `json:"storage"`
	Backend      string   `json:"backend"`
	OpenCircuits []string `json:"open_circuits,omitempty"`
}

// Handler provides /health and /ready endpoints.
type Handler struct {
	opts   Options
	logger *slog.Logger
	ttl    time.Duration

	// Cached readiness result to avoid probing the store and backend on
	// every /ready poll. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a health check Handler.
func New(opts Options, logger *slog.Logger) *Handler {
	return &Handler{opts: opts, logger: logger, ttl: readinessCacheTTL}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < h.ttl {
		body, status := h.cachedResult, h.cachedStatus
		h.cacheMu.RUnlock()
		writeJSON(w, status, body)
		return
	}
	h.cacheMu.RUnlock()

	rep := h.Check(r.Context())
	status := http.StatusOK
	if rep.Status == "not ready" {
		status = http.StatusServiceUnavailable
	}
	body, _ := json.Marshal(rep)
	body = append(body, '\n')

	h.cacheMu.Lock()
	h.cachedResult, h.cachedStatus, h.cachedAt = body, status, time.Now()
	h.cacheMu.Unlock()

	writeJSON(w, status, body)
}

// Check probes the dependencies concurrently. The sidecar is "not ready" only
// when the cache store is unreachable; an unreachable backend or open
// circuits leave it "degraded" because calls can still be answered from the
// cache or fallbacks.
func (h *Handler) Check(ctx context.Context) Report {
	rep := Report{Status: "ready", Storage: "ok", Backend: "ok"}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		rep.Storage = h.probeStorage(ctx)
	}()
	go func() {
		defer wg.Done()
		rep.Backend = h.probeBackend(ctx)
	}()
	wg.Wait()

	if h.opts.Breakers != nil {
		rep.OpenCircuits = h.opts.Breakers.Open()
	}

	switch {
	case rep.Storage != "ok":
		rep.Status = "not ready"
	case rep.Backend != "ok" || len(rep.OpenCircuits) > 0:
		rep.Status = "degraded"
	}
	return rep
}

func (h *Handler) probeStorage(ctx context.Context) string {
	p, ok := h.opts.Store.(kv.Pinger)
	if !ok {
		return "ok"
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		h.logger.Warn("cache store unreachable", "error", err)
		return "unreachable"
	}
	return "ok"
}

func (h *Handler) probeBackend(ctx context.Context) string {
	if h.opts.BackendURL == "" {
		return "ok"
	}
	u, err := url.Parse(h.opts.BackendURL)
	if err != nil || u.Host == "" {
		return "invalid URL"
	}

	host := u.Host
	if !hasPort(host) {
		switch u.Scheme {
		case "https":
			host += ":443"
		default:
			host += ":80"
		}
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", host)
	cancel()
	if err != nil {
		h.logger.Warn("backend unreachable", "backend", h.opts.BackendURL, "error", err)
		return "unreachable"
	}
	conn.Close()
	return "ok"
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func hasPort(host string) bool {
	_, _, err := net.SplitHostPort(host)
	return err == nil
}
