// Package retry provides a bounded retry-with-backoff helper shared by all
// remote calls. Callers get a typed result instead of silently swallowed
// failures.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Backoff controls the delay between attempts.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // 0..1 fraction of the delay randomized both ways
}

// DefaultBackoff provides conservative reconnect defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Min:    250 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2.0,
		Jitter: 0.2,
	}
}

// Next returns the backoff duration for the given attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	min := b.Min
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 30 * time.Second
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2.0
	}

	wait := min
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next > max {
			wait = max
			break
		}
		wait = next
	}

	if b.Jitter <= 0 {
		return wait
	}
	jitter := b.Jitter
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

// Permanent wraps an error so Do stops retrying immediately.
type Permanent struct {
	Err error
}

func (p Permanent) Error() string { return p.Err.Error() }
func (p Permanent) Unwrap() error { return p.Err }

// Abort marks err as non-retryable.
func Abort(err error) error {
	if err == nil {
		return nil
	}
	return Permanent{Err: err}
}

// Do invokes fn up to attempts times, sleeping per the backoff between
// failures. It returns nil on the first success, the last error otherwise.
// A Permanent error or context cancellation stops the loop early.
func Do(ctx context.Context, attempts int, b Backoff, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		var perm Permanent
		if errors.As(lastErr, &perm) {
			return perm.Err
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Next(attempt)):
		}
	}
	return lastErr
}
