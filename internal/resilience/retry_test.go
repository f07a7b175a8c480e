package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnce_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	val, err := Once(context.Background(), DefaultRetryPolicy(), func(_ context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Equal(t, 1, calls)
}

func TestOnce_RetriesTransientExactlyOnce(t *testing.T) {
	var calls, retries int
	p := RetryPolicy{
		Pause:   time.Millisecond,
		OnRetry: func(error) { retries++ },
	}

	_, err := Once(context.Background(), p, func(_ context.Context) (int, error) {
		calls++
		return 0, NewTransientError(errors.New("unavailable"), 503)
	})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, retries)
}

func TestOnce_SecondAttemptSucceeds(t *testing.T) {
	var calls int
	val, err := Once(context.Background(), RetryPolicy{Pause: time.Millisecond}, func(_ context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, NewTransientError(errors.New("throttled"), 429)
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, val)
	assert.Equal(t, 2, calls)
}

func TestOnce_PermanentErrorNotRetried(t *testing.T) {
	var calls int
	_, err := Once(context.Background(), RetryPolicy{Pause: time.Millisecond}, func(_ context.Context) (int, error) {
		calls++
		return 0, errors.New("bad request")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestOnce_CustomShouldRetry(t *testing.T) {
	sentinel := errors.New("retry me")
	var calls int
	p := RetryPolicy{ShouldRetry: func(err error) bool { return errors.Is(err, sentinel) }}

	_, err := Once(context.Background(), p, func(_ context.Context) (int, error) {
		calls++
		return 0, sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 2, calls)
}

func TestOnce_CancelledContextSkipsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	_, err := Once(ctx, RetryPolicy{Pause: time.Hour}, func(_ context.Context) (int, error) {
		calls++
		cancel()
		return 0, NewTransientError(errors.New("unavailable"), 503)
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestOnce_CancelDuringPause(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var calls int
	start := time.Now()
	_, err := Once(ctx, RetryPolicy{Pause: time.Hour}, func(_ context.Context) (int, error) {
		calls++
		return 0, NewTransientError(errors.New("unavailable"), 503)
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestOnce_DetachedParentCancelledSkipsRetry(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx := Detach(parent)

	var calls int
	_, err := Once(ctx, RetryPolicy{Pause: time.Millisecond}, func(ctx context.Context) (int, error) {
		calls++
		cancel()
		assert.NoError(t, ctx.Err(), "the call in flight keeps running")
		return 0, NewTransientError(errors.New("unavailable"), 503)
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestOnce_DetachedParentCancelledDuringPause(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var calls int
	start := time.Now()
	_, err := Once(Detach(parent), RetryPolicy{Pause: time.Hour}, func(_ context.Context) (int, error) {
		calls++
		return 0, NewTransientError(errors.New("unavailable"), 503)
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStopping(t *testing.T) {
	assert.False(t, Stopping(context.Background()))

	parent, cancel := context.WithCancel(context.Background())
	ctx, stop := context.WithTimeout(Detach(parent), time.Hour)
	defer stop()
	assert.False(t, Stopping(ctx))

	cancel()
	assert.True(t, Stopping(ctx), "derived contexts see the parent stop")
	assert.NoError(t, ctx.Err())
}

func TestRetryLogger(t *testing.T) {
	fn := RetryLogger("usageapi", "RequestSummarizedUsages")
	assert.NotPanics(t, func() { fn(errors.New("boom")) })
}
