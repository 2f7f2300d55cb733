package client

import "time"

// CallOption adjusts one call.
type CallOption func(*callOptions)

type callOptions struct {
	useCache   bool
	ttl        time.Duration
	maxRetries int
	coalesce   bool
	debounce   bool
}

// WithoutCache skips the cache read. A successful result still refreshes
// the cache entry.
func WithoutCache() CallOption { return func(o *callOptions) { o.useCache = false } }

// WithTTL overrides the cache lifetime of the value written by this call.
func WithTTL(ttl time.Duration) CallOption {
	return func(o *callOptions) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithMaxRetries sets how many times a transient failure is retried.
func WithMaxRetries(n int) CallOption {
	return func(o *callOptions) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithoutCoalescing issues the call even if an equivalent one is in flight.
func WithoutCoalescing() CallOption { return func(o *callOptions) { o.coalesce = false } }

// WithDebounce delays the call by the debounce window. Calls to the same
// endpoint and verb made inside the window collapse into one, made with
// the payload of the last of them.
func WithDebounce() CallOption { return func(o *callOptions) { o.debounce = true } }
