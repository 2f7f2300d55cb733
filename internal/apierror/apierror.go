// Package apierror defines the call-layer error taxonomy and the JSON error
// format used by the client sidecar. Every failure produced by the client is
// an *Error carrying a Kind and a stable ErrorCode that callers can program
// against.
package apierror

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Client error codes. These form a public API contract. Do not rename or
// remove existing codes. Application errors carry the remote operation's own
// code instead of one of these.
const (
	Unavailable      ErrorCode = "CALL_UNAVAILABLE"
	Timeout          ErrorCode = "CALL_TIMEOUT"
	CircuitOpen      ErrorCode = "CALL_CIRCUIT_OPEN"
	RouteNotFound    ErrorCode = "CALL_ROUTE_NOT_FOUND"
	InvalidCatalogue ErrorCode = "CALL_INVALID_CATALOGUE"
	InvalidPayload   ErrorCode = "CALL_INVALID_PAYLOAD"
	Exhausted        ErrorCode = "CALL_EXHAUSTED"
	MethodNotAllowed ErrorCode = "CALL_METHOD_NOT_ALLOWED"
	AuthMissingToken ErrorCode = "CALL_AUTH_MISSING_TOKEN"
	AuthInvalidToken ErrorCode = "CALL_AUTH_INVALID_TOKEN"
	AuthScope        ErrorCode = "CALL_AUTH_INSUFFICIENT_SCOPE"
	BodyTooLarge     ErrorCode = "CALL_BODY_TOO_LARGE"
	InternalError    ErrorCode = "CALL_INTERNAL_ERROR"
)

// ErrorResponse is the standardized sidecar error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized bodies for the errors the sidecar emits most often.
// They do not include request_id since it varies per request.
var (
	preRouteNotFound    = mustMarshal(http.StatusNotFound, RouteNotFound, "no route for endpoint")
	preExhausted        = mustMarshal(http.StatusServiceUnavailable, Exhausted, "remote call failed and no degraded value is available")
	preAuthMissingToken = mustMarshal(http.StatusUnauthorized, AuthMissingToken, "missing or malformed Authorization header")
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. The request may be nil;
// when it carries an X-Request-ID header the ID is echoed in the body.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	writeBody(w, r, status, ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
}

// WriteError renders err using its Kind to pick the HTTP status. Errors that
// are not an *Error are reported as internal errors.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var e *Error
	if !errors.As(err, &e) {
		WriteJSON(w, r, http.StatusInternalServerError, InternalError, "an unexpected error occurred")
		return
	}
	status := e.HTTPStatus()
	writeBody(w, r, status, ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(e.Code),
		Kind:      e.Kind.String(),
		Message:   e.Message,
	})
}

func writeBody(w http.ResponseWriter, r *http.Request, status int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if r != nil {
		resp.RequestID = r.Header.Get("X-Request-ID")
	}
	if resp.RequestID == "" && resp.Kind == "" {
		if body := preSerialized(status, ErrorCode(resp.ErrorCode), resp.Message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(resp) //nolint:errcheck
}

func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == RouteNotFound && status == http.StatusNotFound && message == "no route for endpoint":
		return preRouteNotFound
	case code == Exhausted && status == http.StatusServiceUnavailable && message == "remote call failed and no degraded value is available":
		return preExhausted
	case code == AuthMissingToken && status == http.StatusUnauthorized && message == "missing or malformed Authorization header":
		return preAuthMissingToken
	}
	return nil
}
