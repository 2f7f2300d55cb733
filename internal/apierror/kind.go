package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failure by how the call layer must react to it.
type Kind int

const (
	// KindTransient failures are retried by the executor and never reach callers directly.
	KindTransient Kind = iota + 1
	// KindApplication failures are well-formed errors reported by the remote
	// operation. Never retried.
	KindApplication
	// KindConfiguration means no route resolves for an endpoint. A programming error.
	KindConfiguration
	// KindTerminal means fresh, stale and fallback values were all unavailable.
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindApplication:
		return "application"
	case KindConfiguration:
		return "configuration"
	case KindTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Error is the single error type produced by the call layer.
type Error struct {
	Kind    Kind
	Code    ErrorCode
	Message string
	// Op is the operation id or logical endpoint the error relates to.
	Op  string
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	if e.Code != "" {
		b.WriteString(string(e.Code))
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error onto the status the sidecar responds with.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindConfiguration:
		if e.Code == RouteNotFound {
			return http.StatusNotFound
		}
		return http.StatusInternalServerError
	case KindTerminal:
		return http.StatusServiceUnavailable
	case KindApplication:
		return applicationStatus(e.Code)
	}
	return http.StatusInternalServerError
}

// applicationStatus follows the status names used by callable functions.
func applicationStatus(code ErrorCode) int {
	switch strings.ToUpper(strings.ReplaceAll(string(code), "-", "_")) {
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION", "OUT_OF_RANGE", string(InvalidPayload):
		return http.StatusBadRequest
	case "UNAUTHENTICATED":
		return http.StatusUnauthorized
	case "PERMISSION_DENIED":
		return http.StatusForbidden
	case "NOT_FOUND":
		return http.StatusNotFound
	case "ALREADY_EXISTS", "ABORTED":
		return http.StatusConflict
	case "UNIMPLEMENTED":
		return http.StatusNotImplemented
	default:
		return http.StatusUnprocessableEntity
	}
}

// Transient builds a retryable failure.
func Transient(op string, code ErrorCode, message string, err error) *Error {
	return &Error{Kind: KindTransient, Code: code, Message: message, Op: op, Err: err}
}

// Application builds a non-retryable failure reported by the remote operation.
func Application(op string, code ErrorCode, message string) *Error {
	return &Error{Kind: KindApplication, Code: code, Message: message, Op: op}
}

// Configuration builds a routing/catalogue failure.
func Configuration(endpoint string, code ErrorCode, format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Code: code, Message: fmt.Sprintf(format, args...), Op: endpoint}
}

// Terminal wraps the last failure once every degradation option is exhausted.
func Terminal(endpoint string, last error) *Error {
	return &Error{
		Kind:    KindTerminal,
		Code:    Exhausted,
		Message: "remote call failed and no degraded value is available",
		Op:      endpoint,
		Err:     last,
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IsTransient(err error) bool     { return KindOf(err) == KindTransient }
func IsApplication(err error) bool   { return KindOf(err) == KindApplication }
func IsConfiguration(err error) bool { return KindOf(err) == KindConfiguration }
func IsTerminal(err error) bool      { return KindOf(err) == KindTerminal }

// CodeOf returns the ErrorCode of the first *Error in err's chain.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
