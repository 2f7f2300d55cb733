package retry

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dskow/resilient-client/internal/apierror"
	"github.com/dskow/resilient-client/internal/breaker"
	"github.com/dskow/resilient-client/internal/remote"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// scripted replays errs in order, then succeeds.
func scripted(calls *atomic.Int32, errs ...error) remote.Invoker {
	return remote.InvokerFunc(func(context.Context, string, json.RawMessage) (json.RawMessage, error) {
		n := int(calls.Add(1)) - 1
		if n < len(errs) {
			return nil, errs[n]
		}
		return json.RawMessage(`{"ok":true}`), nil
	})
}

func recordingSleeper(delays *[]time.Duration) Sleeper {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func transient() error { return apierror.Transient("diaryStats", apierror.Unavailable, "down", nil) }

func defaultConfig() Config {
	return Config{BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

func TestExecute_BackoffSequence(t *testing.T) {
	var calls atomic.Int32
	var slept []time.Duration
	e := New(scripted(&calls, transient(), transient(), transient(), transient()), defaultConfig(), quiet,
		WithSleeper(recordingSleeper(&slept)))

	_, stats, err := e.Execute(context.Background(), "diaryStats", nil, 3)

	require.Error(t, err)
	assert.True(t, apierror.IsTransient(err))
	assert.Equal(t, int32(4), calls.Load(), "maxRetries 3 means 4 attempts")
	assert.Equal(t, 4, stats.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, slept)
	assert.Equal(t, slept, stats.Delays)
}

func TestExecute_SucceedsAfterTransientFailures(t *testing.T) {
	var calls atomic.Int32
	var slept []time.Duration
	e := New(scripted(&calls, transient(), transient()), defaultConfig(), quiet, WithSleeper(recordingSleeper(&slept)))

	out, stats, err := e.Execute(context.Background(), "diaryStats", nil, 3)

	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out))
	assert.Equal(t, 3, stats.Attempts)
	assert.Len(t, slept, 2)
}

func TestExecute_ApplicationErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	var slept []time.Duration
	appErr := apierror.Application("searchProducts", "INVALID_ARGUMENT", "keyword required")
	e := New(scripted(&calls, appErr), defaultConfig(), quiet, WithSleeper(recordingSleeper(&slept)))

	_, stats, err := e.Execute(context.Background(), "searchProducts", nil, 3)

	assert.Same(t, appErr, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, stats.Attempts)
	assert.Empty(t, slept)
}

func TestExecute_ZeroRetries(t *testing.T) {
	var calls atomic.Int32
	e := New(scripted(&calls, transient()), defaultConfig(), quiet, WithSleeper(recordingSleeper(new([]time.Duration))))

	_, stats, err := e.Execute(context.Background(), "diaryStats", nil, 0)
	assert.Error(t, err)
	assert.Equal(t, 1, stats.Attempts)
}

func TestExecute_UntypedErrorsAreTransient(t *testing.T) {
	var calls atomic.Int32
	e := New(scripted(&calls, io.ErrUnexpectedEOF), defaultConfig(), quiet, WithSleeper(recordingSleeper(new([]time.Duration))))

	_, _, err := e.Execute(context.Background(), "diaryStats", nil, 1)
	assert.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecute_AttemptTimeout(t *testing.T) {
	inv := remote.InvokerFunc(func(ctx context.Context, _ string, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := defaultConfig()
	cfg.AttemptTimeout = 10 * time.Millisecond
	e := New(inv, cfg, quiet, WithSleeper(recordingSleeper(new([]time.Duration))))

	_, stats, err := e.Execute(context.Background(), "diaryStats", nil, 1)
	assert.Equal(t, apierror.Timeout, apierror.CodeOf(err))
	assert.Equal(t, 2, stats.Attempts)
}

func TestExecute_OpenBreakerSkipsInvocation(t *testing.T) {
	var calls atomic.Int32
	set := breaker.NewSet(breaker.Config{WindowSize: 2, FailureThreshold: 1, ResetTimeout: time.Hour}, quiet)
	e := New(scripted(&calls, transient(), transient(), transient(), transient()), defaultConfig(), quiet,
		WithBreakers(set), WithSleeper(recordingSleeper(new([]time.Duration))))

	_, stats, err := e.Execute(context.Background(), "diaryStats", nil, 3)

	assert.Equal(t, int32(2), calls.Load(), "breaker opens after a full window of failures")
	assert.Equal(t, 4, stats.Attempts)
	assert.Equal(t, apierror.CircuitOpen, apierror.CodeOf(err))
	assert.Equal(t, []string{"diaryStats"}, set.Open())
}

func TestExecute_ApplicationErrorsKeepBreakerClosed(t *testing.T) {
	set := breaker.NewSet(breaker.Config{WindowSize: 2, FailureThreshold: 0.5, ResetTimeout: time.Hour}, quiet)
	inv := remote.InvokerFunc(func(context.Context, string, json.RawMessage) (json.RawMessage, error) {
		return nil, apierror.Application("diaryStats", "NOT_FOUND", "missing")
	})
	e := New(inv, defaultConfig(), quiet, WithBreakers(set))

	for i := 0; i < 5; i++ {
		_, _, _ = e.Execute(context.Background(), "diaryStats", nil, 0)
	}
	assert.Empty(t, set.Open())
}

type countingLimiter struct{ waits atomic.Int32 }

func (l *countingLimiter) Wait(context.Context, string) error {
	l.waits.Add(1)
	return nil
}

func TestExecute_EveryAttemptPassesLimiter(t *testing.T) {
	var calls atomic.Int32
	lim := &countingLimiter{}
	e := New(scripted(&calls, transient()), defaultConfig(), quiet,
		WithLimiter(lim), WithSleeper(recordingSleeper(new([]time.Duration))))

	_, _, err := e.Execute(context.Background(), "diaryStats", nil, 3)
	require.NoError(t, err)
	assert.Equal(t, int32(2), lim.waits.Load())
}

func TestExecute_CancelledDuringBackoff(t *testing.T) {
	var calls atomic.Int32
	e := New(scripted(&calls, transient(), transient()), defaultConfig(), quiet)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, stats, err := e.Execute(ctx, "diaryStats", nil, 3)

	assert.True(t, apierror.IsTransient(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, stats.Attempts)
}

func TestBackoff(t *testing.T) {
	e := New(nil, Config{BaseDelay: time.Second, MaxDelay: 5 * time.Second}, quiet)
	assert.Equal(t, time.Duration(0), e.Backoff(0))
	assert.Equal(t, time.Second, e.Backoff(1))
	assert.Equal(t, 2*time.Second, e.Backoff(2))
	assert.Equal(t, 4*time.Second, e.Backoff(3))
	assert.Equal(t, 5*time.Second, e.Backoff(4))
	assert.Equal(t, 5*time.Second, e.Backoff(60))

	e.UpdateConfig(Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	assert.Equal(t, 200*time.Millisecond, e.Backoff(2))
}

func TestJitterStaysInBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jittered(time.Second, 0.2)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
	assert.Equal(t, time.Second, jittered(time.Second, 0))
}
