// Package dedup coalesces equivalent concurrent calls so that at most one
// remote operation is in flight per key. Callers that arrive while a call is
// pending attach to it and receive the same value and error.
package dedup

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dskow/resilient-client/internal/metrics"
)

// Pending describes one in-flight call.
type Pending struct {
	Key         string    `json:"key"`
	Subscribers int       `json:"subscribers"`
	StartedAt   time.Time `json:"started_at"`
}

// Group runs at most one producer per key at a time.
//
// The pending table and singleflight's own map are kept in step under mu:
// a producer removes its entry and forgets the singleflight key in the same
// critical section, so a caller either attaches to a call that has not yet
// settled or starts a new one. It never attaches to a finished call.
type Group[T any] struct {
	mu      sync.Mutex
	sf      singleflight.Group
	pending map[string]*Pending
}

// NewGroup creates an empty Group.
func NewGroup[T any]() *Group[T] {
	return &Group[T]{pending: make(map[string]*Pending)}
}

// PanicError is returned to every subscriber of a producer that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("dedup: producer panicked: %v", e.Value)
}

// protect runs fn, turning a panic into a *PanicError.
func protect[T any](fn func() (T, error)) (val T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

type outcome[T any] struct {
	val T
	err error
}

// Run executes fn for key unless an equivalent call is already pending, in
// which case it waits for that call's outcome. shared reports whether the
// outcome was delivered to more than one caller.
//
// fn runs detached from ctx cancellation: a caller that gives up returns
// ctx.Err() but the producer keeps running for the remaining subscribers.
// A panic in fn is returned to every subscriber as a *PanicError.
func (g *Group[T]) Run(ctx context.Context, key string, fn func(context.Context) (T, error)) (val T, shared bool, err error) {
	g.mu.Lock()
	p, attached := g.pending[key]
	if attached {
		p.Subscribers++
		metrics.CoalescedCalls.Inc()
	} else {
		p = &Pending{Key: key, Subscribers: 1, StartedAt: time.Now()}
		g.pending[key] = p
		metrics.InFlightCalls.Inc()
	}
	detached := context.WithoutCancel(ctx)
	ch := g.sf.DoChan(key, func() (any, error) {
		v, err := protect(func() (T, error) { return fn(detached) })
		g.mu.Lock()
		delete(g.pending, key)
		g.sf.Forget(key)
		g.mu.Unlock()
		metrics.InFlightCalls.Dec()
		return outcome[T]{val: v, err: err}, nil
	})
	g.mu.Unlock()

	select {
	case res := <-ch:
		o := res.Val.(outcome[T])
		return o.val, attached || res.Shared, o.err
	case <-ctx.Done():
		var zero T
		return zero, attached, ctx.Err()
	}
}

// Subscribers returns how many callers are waiting on key, or 0.
func (g *Group[T]) Subscribers(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.pending[key]; ok {
		return p.Subscribers
	}
	return 0
}

// InFlight returns the number of pending keys.
func (g *Group[T]) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Snapshot lists pending calls, oldest first.
func (g *Group[T]) Snapshot() []Pending {
	g.mu.Lock()
	out := make([]Pending, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, *p)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
