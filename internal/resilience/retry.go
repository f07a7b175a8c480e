package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy describes the single bounded retry applied to remote calls. A
// call is attempted at most twice with a fixed pause between attempts.
type RetryPolicy struct {
	// Pause is the delay before the retry. Default: 250ms.
	Pause time.Duration

	// ShouldRetry decides whether a failed attempt is worth repeating. If
	// nil, IsTransient is used.
	ShouldRetry func(err error) bool

	// OnRetry is called before the retry with the first attempt's error.
	OnRetry func(err error)
}

// DefaultRetryPolicy returns the retry policy for platform API calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Pause: 250 * time.Millisecond}
}

type stopKey struct{}

// Detach returns a context that keeps ctx's values but not its cancellation,
// so a call already in flight is not aborted when ctx ends. Stopping reports
// true on the returned context (and anything derived from it) once ctx is done.
func Detach(ctx context.Context) context.Context {
	return context.WithValue(context.WithoutCancel(ctx), stopKey{}, ctx.Done())
}

// Stopping reports whether ctx, or the context it was detached from, is done.
func Stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-stopped(ctx):
		return true
	default:
		return false
	}
}

// stopped returns the done channel of the context ctx was detached from, or
// nil when it was never detached.
func stopped(ctx context.Context) <-chan struct{} {
	done, _ := ctx.Value(stopKey{}).(<-chan struct{})
	return done
}

// Once runs fn and, if it fails with a retryable error, runs it exactly one
// more time. Cancellation of ctx, or of the context it was detached from,
// suppresses the retry.
func Once[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}
	if p.Pause < 0 {
		p.Pause = 0
	}

	val, err := fn(ctx)
	if err == nil || Stopping(ctx) || !shouldRetry(err) {
		return val, err
	}

	if p.OnRetry != nil {
		p.OnRetry(err)
	}

	if p.Pause > 0 {
		timer := time.NewTimer(p.Pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return val, err
		case <-stopped(ctx):
			timer.Stop()
			return val, err
		case <-timer.C:
		}
	}
	if Stopping(ctx) {
		return val, err
	}

	return fn(ctx)
}

// RetryLogger returns an OnRetry callback that logs the retry.
func RetryLogger(service, operation string) func(error) {
	return func(err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Error(err),
		)
	}
}
