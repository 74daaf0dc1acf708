// Package retry is the one backoff loop used for every idempotent outbound
// call (quotes, swap builds, RPC reads).
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ErrExhausted wraps the last error once the attempt budget is spent.
var ErrExhausted = errors.New("retry budget exhausted")

type Policy struct {
	// MaxAttempts counts the first call, so 3 means one call plus two retries.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
		Jitter:         true,
	}
}

// Retryable decides whether err is transient.
type Retryable func(error) bool

// Notify is called before sleeping ahead of retry number attempt (1-based).
type Notify func(attempt int, err error, wait time.Duration)

// Do runs fn until it succeeds, returns a non-retryable error, the context
// ends or the attempt budget is spent.
func Do[T any](ctx context.Context, p Policy, retryable Retryable, notify Notify, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	p = p.normalized()
	wait := p.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			sleep := wait
			if p.Jitter {
				sleep += time.Duration(rand.Int64N(int64(wait)/2 + 1))
			}
			if notify != nil {
				notify(attempt-1, lastErr, sleep)
			}

			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("retry aborted: %w (last error: %v)", ctx.Err(), lastErr)
			case <-timer.C:
			}

			wait = time.Duration(float64(wait) * p.Multiplier)
			if wait > p.MaxBackoff {
				wait = p.MaxBackoff
			}
		}

		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if retryable == nil || !retryable(err) {
			return zero, err
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.MaxAttempts, lastErr)
}

// DoVoid is Do for calls without a result.
func DoVoid(ctx context.Context, p Policy, retryable Retryable, notify Notify, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, p, retryable, notify, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 10 * time.Millisecond
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	return p
}
