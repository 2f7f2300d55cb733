package dedup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

func TestGroup_ConcurrentCallersShareOneInvocation(t *testing.T) {
	const callers = 10
	g := NewGroup[string]()
	release := make(chan struct{})
	var invocations atomic.Int32

	fn := func(context.Context) (string, error) {
		invocations.Add(1)
		<-release
		return "products", nil
	}

	var wg sync.WaitGroup
	results := make([]string, callers)
	shared := make([]bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, s, err := g.Run(context.Background(), "k", fn)
			assert.NoError(t, err)
			results[i], shared[i] = v, s
		}(i)
	}

	waitFor(t, func() bool { return g.Subscribers("k") == callers })
	assert.Equal(t, 1, g.InFlight())
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), invocations.Load())
	for i := range results {
		assert.Equal(t, "products", results[i])
		assert.True(t, shared[i])
	}
	assert.Zero(t, g.InFlight())
}

func TestGroup_ErrorsAreSharedToo(t *testing.T) {
	g := NewGroup[int]()
	release := make(chan struct{})
	boom := errors.New("backend unavailable")

	fn := func(context.Context) (int, error) {
		<-release
		return 0, boom
	}

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, _, err := g.Run(context.Background(), "k", fn)
			errs <- err
		}()
	}
	waitFor(t, func() bool { return g.Subscribers("k") == 2 })
	close(release)

	assert.ErrorIs(t, <-errs, boom)
	assert.ErrorIs(t, <-errs, boom)
}

func TestGroup_SettledCallIsNotReused(t *testing.T) {
	g := NewGroup[int]()
	var n atomic.Int32
	fn := func(context.Context) (int, error) { return int(n.Add(1)), nil }

	v1, s1, err := g.Run(context.Background(), "k", fn)
	require.NoError(t, err)
	v2, s2, err := g.Run(context.Background(), "k", fn)
	require.NoError(t, err)

	assert.Equal(t, 1, v1)
	assert.Equal(t, 2, v2)
	assert.False(t, s1)
	assert.False(t, s2)
}

func TestGroup_DistinctKeysRunIndependently(t *testing.T) {
	g := NewGroup[string]()
	release := make(chan struct{})
	var invocations atomic.Int32
	fn := func(context.Context) (string, error) {
		invocations.Add(1)
		<-release
		return "ok", nil
	}

	var wg sync.WaitGroup
	for _, k := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			_, _, _ = g.Run(context.Background(), k, fn)
		}(k)
	}
	waitFor(t, func() bool { return g.InFlight() == 3 })
	assert.Len(t, g.Snapshot(), 3)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(3), invocations.Load())
}

func TestGroup_AbandoningCallerDoesNotCancelProducer(t *testing.T) {
	g := NewGroup[string]()
	release := make(chan struct{})
	producerCtxErr := make(chan error, 1)

	fn := func(ctx context.Context) (string, error) {
		<-release
		producerCtxErr <- ctx.Err()
		return "late", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := g.Run(ctx, "k", fn)
		firstErr <- err
	}()
	waitFor(t, func() bool { return g.Subscribers("k") == 1 })

	second := make(chan string, 1)
	go func() {
		v, _, _ := g.Run(context.Background(), "k", fn)
		second <- v
	}()
	waitFor(t, func() bool { return g.Subscribers("k") == 2 })

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	assert.Equal(t, "late", <-second)
	assert.NoError(t, <-producerCtxErr)
}

func TestDebouncer_LastPayloadWins(t *testing.T) {
	d := NewDebouncer[string, string](200 * time.Millisecond)
	var invocations atomic.Int32
	fn := func(_ context.Context, keyword string) (string, error) {
		invocations.Add(1)
		return "results for " + keyword, nil
	}

	results := make(chan string, 3)
	for i, kw := range []string{"c", "cl", "cleanser"} {
		go func() {
			v, err := d.Do(context.Background(), "GET|products.search", kw, fn)
			assert.NoError(t, err)
			results <- v
		}()
		waitFor(t, func() bool { return d.Waiting("GET|products.search") == i+1 })
	}

	for i := 0; i < 3; i++ {
		assert.Equal(t, "results for cleanser", <-results)
	}
	assert.Equal(t, int32(1), invocations.Load())
	assert.Zero(t, d.Waiting("GET|products.search"))
}

func TestDebouncer_DefaultWindow(t *testing.T) {
	d := NewDebouncer[int, int](0)
	assert.Equal(t, DefaultDebounceWindow, d.Window())
}

func TestDebouncer_CallerContext(t *testing.T) {
	d := NewDebouncer[int, int](time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Do(ctx, "k", 1, func(context.Context, int) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGroup_PanickingProducerIsReturnedToEverySubscriber(t *testing.T) {
	const callers = 4
	g := NewGroup[string]()
	release := make(chan struct{})

	fn := func(context.Context) (string, error) {
		<-release
		panic("decoder bug")
	}

	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = g.Run(context.Background(), "k", fn)
		}(i)
	}
	waitFor(t, func() bool { return g.Subscribers("k") == callers })
	close(release)
	wg.Wait()

	for _, err := range errs {
		var pe *PanicError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "decoder bug", pe.Value)
		assert.NotEmpty(t, pe.Stack)
	}
	assert.Zero(t, g.InFlight(), "pending entry must be released after a panic")

	v, _, err := g.Run(context.Background(), "k", func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestDebouncer_PanickingProducerReleasesCallers(t *testing.T) {
	d := NewDebouncer[int, int](10 * time.Millisecond)
	done := make(chan error, 1)
	go func() {
		_, err := d.Do(context.Background(), "k", 1, func(context.Context, int) (int, error) {
			panic("boom")
		})
		done <- err
	}()

	select {
	case err := <-done:
		var pe *PanicError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "boom", pe.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("caller still waiting after the producer panicked")
	}
}
