// Package middleware provides the HTTP middleware wrapped around the sidecar
// call surface: request IDs, access logging, panic recovery and body limits.
package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dskow/resilient-client/internal/metrics"
)

// ProvenanceHeader is set by the sidecar on every answered call.
const ProvenanceHeader = "X-Provenance"

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// LoggingOptions tunes the access log.
type LoggingOptions struct {
	// BodyLogging adds the (redacted, truncated) request payload to the record.
	BodyLogging     bool
	MaxBodyLogBytes int
	// Skip reports paths that are served without an access record, such as
	// probes and the metrics scrape.
	Skip func(path string) bool
}

// Logging returns middleware that writes one structured record per request
// with method, path, status, latency, provenance and request ID, and counts
// the request in metrics.RequestsTotal. 5xx responses log at error, 4xx at
// warn and everything else at info.
func Logging(logger *slog.Logger, opts LoggingOptions) func(http.Handler) http.Handler {
	maxBody := opts.MaxBodyLogBytes
	if maxBody <= 0 {
		maxBody = 4096
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.Skip != nil && opts.Skip(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			var reqBody string
			if opts.BodyLogging && r.Body != nil && isTextual(r.Header.Get("Content-Type")) {
				reqBody = captureRequestBody(r, maxBody)
			}

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			metrics.RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.statusCode)).Inc()

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.statusCode,
				"latency_ms", time.Since(start).Milliseconds(),
				"client_ip", r.RemoteAddr,
				"request_id", GetRequestID(r.Context()),
			}
			if p := rec.Header().Get(ProvenanceHeader); p != "" {
				attrs = append(attrs, "provenance", p)
			}
			if reqBody != "" {
				attrs = append(attrs, "request_body", reqBody)
			}

			level := slog.LevelInfo
			switch {
			case rec.statusCode >= 500:
				level = slog.LevelError
			case rec.statusCode >= 400:
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "request", attrs...)
		})
	}
}

func isTextual(contentType string) bool {
	ct := strings.ToLower(contentType)
	return ct == "" ||
		strings.Contains(ct, "json") ||
		strings.HasPrefix(ct, "text/") ||
		strings.Contains(ct, "form-urlencoded")
}

// captureRequestBody reads up to maxBytes of r.Body and restores the body for
// downstream handlers.
func captureRequestBody(r *http.Request, maxBytes int) string {
	var buf bytes.Buffer
	captured, _ := io.ReadAll(io.LimitReader(io.TeeReader(r.Body, &buf), int64(maxBytes)+1))
	r.Body = io.NopCloser(io.MultiReader(&buf, r.Body))

	s := string(captured)
	if len(captured) > maxBytes {
		s = s[:maxBytes] + "...[truncated]"
	}
	return redactSensitive(s)
}

var sensitiveFieldRe = regexp.MustCompile(
	`(?i)"(password|secret|token|key|authorization|email)"\s*:\s*"[^"]*"`,
)

// redactSensitive masks the values of common credential fields in JSON text.
func redactSensitive(s string) string {
	return sensitiveFieldRe.ReplaceAllString(s, `"$1":"***"`)
}
