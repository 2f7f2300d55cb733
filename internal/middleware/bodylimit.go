package middleware

import (
	"errors"
	"net/http"

	"github.com/dskow/resilient-client/internal/apierror"
)

// BodyLimit returns middleware that limits the size of request bodies.
// Requests whose Content-Length exceeds maxBytes are rejected with 413
// up front; other bodies are wrapped with http.MaxBytesReader so handlers
// see an *http.MaxBytesError when they read past the limit. maxBytes <= 0
// disables the check.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if maxBytes <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				WriteBodyLimitError(w, r)
				return
			}
			if r.Body != nil && r.ContentLength != 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IsBodyTooLarge reports whether err came from a MaxBytesReader.
func IsBodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

// WriteBodyLimitError writes a 413 JSON error. Handlers call it when a read
// fails with IsBodyTooLarge.
func WriteBodyLimitError(w http.ResponseWriter, r *http.Request) {
	apierror.WriteJSON(w, r, http.StatusRequestEntityTooLarge, apierror.BodyTooLarge, "request body exceeds maximum allowed size")
}
