// Package retry wraps upstream calls with bounded exponential backoff and
// a timer race.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var ErrTimeout = errors.New("retry: operation timed out")

type Options struct {
	// Retries is the number of attempts after the first one.
	Retries   int
	BaseDelay time.Duration
	MaxJitter time.Duration
	// OnRetry is called before each wait with the failed attempt number
	// (starting at 1), its error and the chosen delay.
	OnRetry func(attempt int, err error, delay time.Duration)
}

func DefaultOptions() Options {
	return Options{Retries: 2, BaseDelay: 250 * time.Millisecond, MaxJitter: 100 * time.Millisecond}
}

// expBackOff yields base*2^attempt plus uniform jitter in [0, maxJitter).
type expBackOff struct {
	base      time.Duration
	maxJitter time.Duration
	attempt   int
}

func (b *expBackOff) NextBackOff() time.Duration {
	d := b.base << b.attempt
	b.attempt++
	if b.maxJitter > 0 {
		d += rand.N(b.maxJitter)
	}
	return d
}

func (b *expBackOff) Reset() { b.attempt = 0 }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, ctx ends or
// opts.Retries extra attempts are spent. The last error is returned.
func Do[T any](ctx context.Context, opts Options, op func(ctx context.Context) (T, error)) (T, error) {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	attempt := 0
	notify := func(err error, d time.Duration) {
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err, d)
		}
	}
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		return op(ctx)
	},
		backoff.WithBackOff(&expBackOff{base: opts.BaseDelay, maxJitter: opts.MaxJitter}),
		backoff.WithMaxTries(uint(opts.Retries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
}

// WithTimeout races op against a timer of d. When the timer wins it returns
// ErrTimeout; op keeps running in the background and its result is dropped.
func WithTimeout[T any](ctx context.Context, d time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := op(ctx)
		done <- result{v, err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	var zero T
	select {
	case r := <-done:
		return r.v, r.err
	case <-timer.C:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
