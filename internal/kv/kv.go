// Package kv provides the durable key/value storage the response cache is
// persisted to. Values are opaque bytes; expiry is the cache's concern.
package kv

import (
	"context"
	"errors"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("kv: store closed")

// Store is the durable key/value capability consumed by the cache.
type Store interface {
	// Get returns the stored bytes and true, or false when the key is absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// Lister is implemented by stores that can enumerate keys by prefix. It
// enables prefix invalidation and expiry sweeps.
type Lister interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Pinger is implemented by stores with a remote dependency worth probing
// from readiness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}
