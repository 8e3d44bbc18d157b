// Package retry is the one bounded retry-with-backoff primitive used for
// optimistic concurrency conflicts.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/playmatatu/arbiter/internal/metrics"
	"github.com/playmatatu/arbiter/internal/models"
)

type Policy struct {
	MaxAttempts uint
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy suits short optimistic transactions on a single account.
var DefaultPolicy = Policy{MaxAttempts: 8, BaseDelay: 5 * time.Millisecond, MaxDelay: 200 * time.Millisecond}

// Conflict reports whether err is a transient optimistic-concurrency conflict.
func Conflict(err error) bool {
	return errors.Is(err, models.ErrConcurrencyConflict)
}

// Do runs op until it succeeds, fails with a non-retryable error, the attempt
// budget is spent or ctx is done. Only errors matched by retryable are retried;
// a nil retryable means Conflict. When attempts run out the last error is
// returned unchanged so callers can still match it.
func Do(ctx context.Context, p Policy, name string, retryable func(error) bool, op func() error) error {
	if retryable == nil {
		retryable = Conflict
	}
	if p.MaxAttempts == 0 {
		p = DefaultPolicy
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         p.MaxDelay,
	}
	b.Reset()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err == nil {
			return struct{}{}, nil
		}
		if !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxAttempts),
		backoff.WithNotify(func(error, time.Duration) {
			metrics.Retries.WithLabelValues(name).Inc()
		}),
	)
	return err
}
