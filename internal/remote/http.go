package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dskow/resilient-client/internal/apierror"
	"github.com/dskow/resilient-client/internal/auth"
	"github.com/dskow/resilient-client/internal/config"
	"github.com/dskow/resilient-client/internal/tlsutil"
)

// transientStatuses are callable-function error statuses worth retrying.
var transientStatuses = map[string]bool{
	"UNAVAILABLE":        true,
	"DEADLINE_EXCEEDED":  true,
	"RESOURCE_EXHAUSTED": true,
	"INTERNAL":           true,
}

type callRequest struct {
	Data json.RawMessage `json:"data"`
}

type callResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *callError      `json:"error"`
}

type callError struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// HTTPInvoker calls operations exposed as callable functions: a POST to
// baseURL/<operation> with body {"data": payload}, answered with either
// {"result": ...} or {"error": {"status", "message"}}.
type HTTPInvoker struct {
	baseURL   string
	client    *http.Client
	signer    *auth.Signer
	maxBytes  int64
	requestID func(context.Context) string
	certs     *tlsutil.CertLoader
	logger    *slog.Logger
}

// HTTPOption configures an HTTPInvoker.
type HTTPOption func(*HTTPInvoker)

// WithRequestID sets the function used to read the caller's request ID
// from the context. The ID is forwarded as X-Request-ID.
func WithRequestID(fn func(context.Context) string) HTTPOption {
	return func(h *HTTPInvoker) { h.requestID = fn }
}

// WithHTTPClient replaces the HTTP client. Tests use it with httptest servers.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPInvoker) { h.client = c }
}

// NewHTTP builds an invoker for the backend described by cfg.
func NewHTTP(cfg config.BackendConfig, logger *slog.Logger, opts ...HTTPOption) (*HTTPInvoker, error) {
	h := &HTTPInvoker{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		signer:   auth.NewSigner(cfg.ServiceToken),
		maxBytes: cfg.MaxResponseBytes,
		logger:   logger,
	}
	for _, o := range opts {
		o(h)
	}
	if h.client != nil {
		return h, nil
	}

	tlsCfg, certs, err := tlsutil.ClientConfig(cfg.TLS, logger)
	if err != nil {
		return nil, fmt.Errorf("backend tls: %w", err)
	}
	h.certs = certs
	h.client = &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig:     tlsCfg,
			MaxIdleConns:        cfg.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.MaxIdleConns,
			IdleConnTimeout:     cfg.IdleTimeout,
			ForceAttemptHTTP2:   true,
		},
	}
	return h, nil
}

// Close releases idle connections and stops the certificate watcher.
func (h *HTTPInvoker) Close() {
	if h.certs != nil {
		h.certs.Stop()
	}
	h.client.CloseIdleConnections()
}

// Invoke performs one attempt. The attempt deadline comes from ctx.
func (h *HTTPInvoker) Invoke(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	body, err := json.Marshal(callRequest{Data: payload})
	if err != nil {
		return nil, apierror.Application(op, apierror.InvalidPayload, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/"+op, bytes.NewReader(body))
	if err != nil {
		return nil, apierror.Transient(op, apierror.Unavailable, "building request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())
	if h.requestID != nil {
		if id := h.requestID(ctx); id != "" {
			req.Header.Set("X-Request-ID", id)
		}
	}
	token, err := h.signer.Token()
	if err != nil {
		return nil, apierror.Transient(op, apierror.Unavailable, "service token", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, Classify(op, err)
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if h.maxBytes > 0 {
		reader = io.LimitReader(resp.Body, h.maxBytes+1)
	}
	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, Classify(op, err)
	}
	if h.maxBytes > 0 && int64(len(raw)) > h.maxBytes {
		return nil, apierror.Transient(op, apierror.Unavailable,
			fmt.Sprintf("response exceeds %d bytes", h.maxBytes), nil)
	}

	return decodeResponse(op, resp.StatusCode, raw)
}

func decodeResponse(op string, status int, raw []byte) (json.RawMessage, error) {
	var cr callResponse
	decodeErr := json.Unmarshal(raw, &cr)

	if decodeErr == nil && cr.Error != nil {
		code := strings.ToUpper(cr.Error.Status)
		if transientStatuses[code] || isTransientStatus(status) {
			return nil, apierror.Transient(op, apierror.ErrorCode(code), cr.Error.Message, nil)
		}
		return nil, apierror.Application(op, apierror.ErrorCode(code), cr.Error.Message)
	}

	if isTransientStatus(status) {
		return nil, apierror.Transient(op, apierror.Unavailable,
			fmt.Sprintf("backend responded %d", status), nil)
	}
	if status >= 400 {
		return nil, apierror.Application(op, apierror.ErrorCode(statusName(status)),
			fmt.Sprintf("backend responded %d", status))
	}
	if decodeErr != nil {
		return nil, apierror.Transient(op, apierror.Unavailable, "malformed response body", decodeErr)
	}
	if cr.Result == nil {
		return nil, apierror.Transient(op, apierror.Unavailable, "response has neither result nor error", errors.New("empty envelope"))
	}
	return cr.Result, nil
}

func isTransientStatus(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
}

func statusName(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "ALREADY_EXISTS"
	default:
		return "FAILED_PRECONDITION"
	}
}
