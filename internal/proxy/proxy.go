// Package proxy exposes the resilient client over HTTP so processes that
// cannot link the Go package can still make cached, retried, coalesced
// calls. A request to /call/<endpoint> becomes one logical call.
package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dskow/resilient-client/internal/apierror"
	"github.com/dskow/resilient-client/internal/client"
	"github.com/dskow/resilient-client/internal/middleware"
)

// Prefix is the path under which calls are served.
const Prefix = "/call/"

// Request headers that map onto call options.
const (
	HeaderMaxRetries = "X-Max-Retries"
	HeaderCacheTTL   = "X-Cache-TTL"
	HeaderDebounce   = "X-Debounce"
	HeaderCoalesce   = "X-Coalesce"
)

// Caller is satisfied by *client.Client.
type Caller interface {
	Call(ctx context.Context, endpoint, verb string, payload any, opts ...client.CallOption) (*client.Result, error)
}

// Handler serves /call/<endpoint>. The HTTP method is the verb; GET calls
// take their payload from the query string, the others from a JSON body.
type Handler struct {
	caller Caller
	logger *slog.Logger
}

// New creates a Handler.
func New(caller Caller, logger *slog.Logger) *Handler {
	return &Handler{caller: caller, logger: logger}
}

// response is the success body.
type response struct {
	Data       json.RawMessage   `json:"data"`
	Provenance client.Provenance `json:"provenance"`
	StoredAt   time.Time         `json:"stored_at,omitzero"`
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	endpoint := strings.Trim(strings.TrimPrefix(r.URL.Path, Prefix), "/")
	if !strings.HasPrefix(r.URL.Path, Prefix) || endpoint == "" {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, "no route for endpoint")
		return
	}

	var payload any
	switch r.Method {
	case http.MethodGet:
		if q := client.QueryPayload(r.URL.Query()); q != nil {
			payload = q
		}
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		body, ok := h.readBody(w, r)
		if !ok {
			return
		}
		if body != nil {
			payload = body
		}
	default:
		w.Header().Set("Allow", "GET, POST, PUT, PATCH, DELETE")
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "method "+r.Method+" is not a call verb")
		return
	}

	opts, err := callOptions(r.Header)
	if err != nil {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidPayload, err.Error())
		return
	}

	res, err := h.caller.Call(r.Context(), endpoint, r.Method, payload, opts...)
	if res != nil {
		w.Header().Set(middleware.ProvenanceHeader, string(res.Provenance))
		w.Header().Set("X-Attempts", strconv.Itoa(res.Attempts))
	}
	if err != nil {
		if r.Context().Err() != nil {
			// The caller went away; there is nobody to answer.
			h.logger.Debug("call abandoned by client", "endpoint", endpoint, "error", err)
			return
		}
		apierror.WriteError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response{ //nolint:errcheck
		Data:       res.Data,
		Provenance: res.Provenance,
		StoredAt:   res.StoredAt,
	})
}

// readBody returns the request body as raw JSON, nil for an empty body.
// It writes the error response itself and reports false on failure.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	if r.Body == nil {
		return nil, true
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		if middleware.IsBodyTooLarge(err) {
			middleware.WriteBodyLimitError(w, r)
		} else {
			apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidPayload, "could not read request body")
		}
		return nil, false
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, true
	}
	if !json.Valid(raw) {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidPayload, "request body is not valid JSON")
		return nil, false
	}
	return raw, true
}

type headerError string

func (e headerError) Error() string { return string(e) }

// callOptions maps request headers onto call options.
//
//	Cache-Control: no-cache   skip the cache read
//	X-Max-Retries: 0..10      retry budget
//	X-Cache-TTL: 90s          lifetime of the written entry
//	X-Debounce: true          collapse bursts on this endpoint
//	X-Coalesce: false         do not attach to an equivalent in-flight call
func callOptions(hdr http.Header) ([]client.CallOption, error) {
	var opts []client.CallOption

	for _, v := range hdr.Values("Cache-Control") {
		if strings.Contains(strings.ToLower(v), "no-cache") {
			opts = append(opts, client.WithoutCache())
			break
		}
	}
	if v := hdr.Get(HeaderMaxRetries); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 10 {
			return nil, headerError(HeaderMaxRetries + " must be an integer between 0 and 10")
		}
		opts = append(opts, client.WithMaxRetries(n))
	}
	if v := hdr.Get(HeaderCacheTTL); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, headerError(HeaderCacheTTL + " must be a positive duration")
		}
		opts = append(opts, client.WithTTL(d))
	}
	if v := hdr.Get(HeaderDebounce); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return nil, headerError(HeaderDebounce + " must be a boolean")
		}
		if on {
			opts = append(opts, client.WithDebounce())
		}
	}
	if v := hdr.Get(HeaderCoalesce); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return nil, headerError(HeaderCoalesce + " must be a boolean")
		}
		if !on {
			opts = append(opts, client.WithoutCoalescing())
		}
	}
	return opts, nil
}
