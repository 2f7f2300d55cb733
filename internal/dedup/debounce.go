package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/dskow/resilient-client/internal/metrics"
)

// DefaultDebounceWindow is used when a Debouncer is created with a
// non-positive window.
const DefaultDebounceWindow = 300 * time.Millisecond

// Debouncer collapses bursts of calls on the same key. The first call opens
// a window; when it closes, fn runs once with the payload and function of
// the last call made inside the window, and every caller in the window gets
// that single result.
type Debouncer[P, T any] struct {
	window time.Duration

	mu     sync.Mutex
	bursts map[string]*burst[P, T]
}

type burst[P, T any] struct {
	ctx     context.Context
	payload P
	fn      func(context.Context, P) (T, error)
	callers int

	done chan struct{}
	val  T
	err  error
}

// NewDebouncer creates a Debouncer with the given window.
func NewDebouncer[P, T any](window time.Duration) *Debouncer[P, T] {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &Debouncer[P, T]{window: window, bursts: make(map[string]*burst[P, T])}
}

// Window returns the debounce window.
func (d *Debouncer[P, T]) Window() time.Duration { return d.window }

// Do registers a call and waits for the burst it joined to settle.
func (d *Debouncer[P, T]) Do(ctx context.Context, key string, payload P, fn func(context.Context, P) (T, error)) (T, error) {
	d.mu.Lock()
	b, ok := d.bursts[key]
	if ok {
		metrics.CoalescedCalls.Inc()
	} else {
		b = &burst[P, T]{done: make(chan struct{})}
		d.bursts[key] = b
		time.AfterFunc(d.window, func() { d.fire(key, b) })
	}
	b.ctx = context.WithoutCancel(ctx)
	b.payload = payload
	b.fn = fn
	b.callers++
	d.mu.Unlock()

	select {
	case <-b.done:
		return b.val, b.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Waiting returns the number of callers in the open window for key.
func (d *Debouncer[P, T]) Waiting(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.bursts[key]; ok {
		return b.callers
	}
	return 0
}

func (d *Debouncer[P, T]) fire(key string, b *burst[P, T]) {
	d.mu.Lock()
	delete(d.bursts, key)
	ctx, payload, fn := b.ctx, b.payload, b.fn
	d.mu.Unlock()

	b.val, b.err = protect(func() (T, error) { return fn(ctx, payload) })
	close(b.done)
}
