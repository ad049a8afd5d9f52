// Package retry wraps single outbound calls with bounded exponential
// backoff and jitter. Every external call in the engine (generation,
// publish, token refresh) goes through Do.
package retry

import (
	"context"
	"math/rand"
	"time"

	"reviewflow/internal/common/errors"
	"reviewflow/internal/common/logger"
)

type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// JitterFrac adds up to this fraction of the computed delay.
	JitterFrac float64
}

func DefaultOptions() Options {
	return Options{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		JitterFrac: 0.3,
	}
}

type Executor struct {
	opts   Options
	logger logger.Logger
	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(opts Options, log logger.Logger) *Executor {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultOptions().MaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultOptions().BaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultOptions().MaxDelay
	}
	if opts.JitterFrac <= 0 {
		opts.JitterFrac = DefaultOptions().JitterFrac
	}
	return &Executor{
		opts:   opts,
		logger: log,
		sleep:  sleepCtx,
	}
}

// Do invokes fn, retrying on retryable failures with delay
// baseDelay * 2^attempt plus jitter. Terminal errors and context
// cancellation propagate immediately.
func (e *Executor) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.backoff(attempt - 1)
			e.logger.Warn("retrying operation", map[string]interface{}{
				"operation": operation,
				"attempt":   attempt,
				"delay":     delay.String(),
				"error":     lastErr.Error(),
			})
			if err := e.sleep(ctx, delay); err != nil {
				return err
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.IsRetryable(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return lastErr
}

func (e *Executor) backoff(exponent int) time.Duration {
	delay := e.opts.BaseDelay << uint(exponent)
	if delay > e.opts.MaxDelay {
		delay = e.opts.MaxDelay
	}
	jitter := time.Duration(rand.Float64() * e.opts.JitterFrac * float64(delay))
	return delay + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
