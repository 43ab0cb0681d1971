// Package retry wraps fallible operations with bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/imagekiln/kiln/internal/logging"
)

// Policy bounds a retried operation. Delays grow as
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
type Policy struct {
	MaxAttempts  uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// Do invokes op until it succeeds, returns a permanent error, the context
// is cancelled, or MaxAttempts invocations have failed. The final error is
// propagated unchanged so callers see the true underlying failure type.
func Do(ctx context.Context, policy Policy, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialDelay
	b.MaxInterval = policy.MaxDelay
	b.Multiplier = policy.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	var bounded backoff.BackOff = b
	if policy.MaxAttempts > 0 {
		bounded = backoff.WithMaxRetries(b, uint64(policy.MaxAttempts-1))
	}

	attempt := 0
	return backoff.RetryNotify(op, backoff.WithContext(bounded, ctx), func(err error, next time.Duration) {
		attempt++
		logging.Warn("Operation failed, retrying", "attempt", attempt, "next_delay", next, "error", err)
	})
}

// Permanent marks an error as non-retryable. Deterministic validation
// failures such as a checksum mismatch must not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
