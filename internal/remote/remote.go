// Package remote invokes named backend operations. An Invoker performs one
// attempt; retries, breakers and rate limits are layered on top by the
// retry package.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/url"

	"github.com/dskow/resilient-client/internal/apierror"
)

// Invoker performs a single attempt of a remote operation. Errors must be
// *apierror.Error values of kind Transient or Application; anything else is
// treated as transient by Classify.
type Invoker interface {
	Invoke(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error)

func (f InvokerFunc) Invoke(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, op, payload)
}

// Classify normalizes an attempt error. Typed errors pass through; deadline
// and network failures become Transient; any other untyped error is also
// Transient since the remote never confirmed it.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apierror.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apierror.Transient(op, apierror.Timeout, "attempt timed out", err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return apierror.Transient(op, apierror.Timeout, "attempt timed out", err)
	}
	var ue *url.Error
	if errors.As(err, &ue) || errors.As(err, &ne) {
		return apierror.Transient(op, apierror.Unavailable, "backend unreachable", err)
	}
	return apierror.Transient(op, apierror.Unavailable, "remote attempt failed", err)
}
