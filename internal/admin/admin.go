// Package admin provides the admin API for runtime inspection of the client:
// its catalogue, coalesced calls, limiter and breaker state, plus cache
// invalidation. All endpoints are protected by an IP allowlist.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/dskow/resilient-client/internal/apierror"
	"github.com/dskow/resilient-client/internal/breaker"
	"github.com/dskow/resilient-client/internal/config"
	"github.com/dskow/resilient-client/internal/dedup"
	"github.com/dskow/resilient-client/internal/ratelimit"
	"github.com/dskow/resilient-client/internal/route"
)

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// Client is the slice of *client.Client the admin API reads and drives.
type Client interface {
	Operations() []route.Operation
	Fallbacks() []string
	InFlight() []dedup.Pending
	InvalidateEndpoint(ctx context.Context, endpoint string) (int, error)
}

// Limiter is satisfied by *ratelimit.Limiter.
type Limiter interface {
	Snapshot() []ratelimit.Limits
}

// Breakers is satisfied by *breaker.Set.
type Breakers interface {
	States() map[string]breaker.State
	Reset(operation string) bool
}

// Deps wires the admin API to the running components.
type Deps struct {
	Config    ConfigProvider
	Client    Client
	Limiter   Limiter
	Breakers  Breakers
	Allowlist []string
	Logger    *slog.Logger
}

// Handler provides admin API endpoints.
type Handler struct {
	deps        Deps
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// New creates an admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(deps Deps) *Handler {
	nets := make([]*net.IPNet, 0, len(deps.Allowlist))
	for _, cidr := range deps.Allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{deps: deps, allowedNets: nets, logger: deps.Logger}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/endpoints", h.guard(http.MethodGet, h.endpointsHandler))
	mux.HandleFunc("/admin/config", h.guard(http.MethodGet, h.configHandler))
	mux.HandleFunc("/admin/inflight", h.guard(http.MethodGet, h.inflightHandler))
	mux.HandleFunc("/admin/limiters", h.guard(http.MethodGet, h.limitersHandler))
	mux.HandleFunc("/admin/breakers", h.guard(http.MethodGet, h.breakersHandler))
	mux.HandleFunc("/admin/breakers/reset", h.guard(http.MethodPost, h.breakerResetHandler))
	mux.HandleFunc("/admin/cache", h.guard(http.MethodDelete, h.cacheHandler))
}

// guard wraps a handler with method and IP allowlist checks.
func (h *Handler) guard(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "use "+method)
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Forbidden",
			})
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// endpointStatus is the response type for /admin/endpoints.
type endpointStatus struct {
	route.Operation
	HasFallback         bool   `json:"has_fallback"`
	CircuitBreakerState string `json:"circuit_breaker_state"`
}

func (h *Handler) endpointsHandler(w http.ResponseWriter, r *http.Request) {
	fallbacks := make(map[string]bool)
	for _, ep := range h.deps.Client.Fallbacks() {
		fallbacks[ep] = true
	}
	var states map[string]breaker.State
	if h.deps.Breakers != nil {
		states = h.deps.Breakers.States()
	}

	ops := h.deps.Client.Operations()
	out := make([]endpointStatus, len(ops))
	for i, op := range ops {
		// Breakers are created lazily on the first attempt.
		state := "idle"
		if s, ok := states[op.ID]; ok {
			state = s.String()
		}
		out[i] = endpointStatus{Operation: op, HasFallback: fallbacks[op.Endpoint], CircuitBreakerState: state}
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": out})
}

// configHandler serves the live config. Secrets carry json:"-" tags and are
// never encoded.
func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Config.Current())
}

func (h *Handler) inflightHandler(w http.ResponseWriter, r *http.Request) {
	calls := h.deps.Client.InFlight()
	writeJSON(w, http.StatusOK, map[string]any{"calls": calls, "total": len(calls)})
}

func (h *Handler) limitersHandler(w http.ResponseWriter, r *http.Request) {
	entries := h.deps.Limiter.Snapshot()

	pageSize := 100
	page := 0
	if ps := r.URL.Query().Get("page_size"); ps != "" {
		if v := parseInt(ps); v > 0 && v <= 1000 {
			pageSize = v
		}
	}
	if p := r.URL.Query().Get("page"); p != "" {
		if v := parseInt(p); v >= 0 {
			page = v
		}
	}

	total := len(entries)
	start := min(page*pageSize, total)
	end := min(start+pageSize, total)

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries[start:end],
		"total":   total,
		"page":    page,
	})
}

type breakerStatus struct {
	Operation string `json:"operation"`
	State     string `json:"state"`
}

func (h *Handler) breakersHandler(w http.ResponseWriter, r *http.Request) {
	states := h.deps.Breakers.States()
	out := make([]breakerStatus, 0, len(states))
	for op, s := range states {
		out = append(out, breakerStatus{Operation: op, State: s.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	writeJSON(w, http.StatusOK, map[string]any{"breakers": out})
}

func (h *Handler) breakerResetHandler(w http.ResponseWriter, r *http.Request) {
	op := r.URL.Query().Get("operation")
	if op == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "operation is required"})
		return
	}
	if !h.deps.Breakers.Reset(op) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no breaker for operation " + op})
		return
	}
	h.logger.Info("circuit breaker reset via admin API", "operation", op)
	writeJSON(w, http.StatusOK, map[string]string{"operation": op, "state": breaker.StateClosed.String()})
}

// cacheHandler drops every cached GET value of ?endpoint=.
func (h *Handler) cacheHandler(w http.ResponseWriter, r *http.Request) {
	endpoint := strings.TrimSpace(r.URL.Query().Get("endpoint"))
	if endpoint == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "endpoint is required"})
		return
	}
	n, err := h.deps.Client.InvalidateEndpoint(r.Context(), endpoint)
	if err != nil {
		h.logger.Error("admin cache invalidation failed", "endpoint", endpoint, "removed", n, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "removed": n})
		return
	}
	h.logger.Info("cache invalidated via admin API", "endpoint", endpoint, "removed", n)
	writeJSON(w, http.StatusOK, map[string]any{"endpoint": endpoint, "removed": n})
}

func parseInt(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return -1
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
