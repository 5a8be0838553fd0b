package bus

import (
	"context"
	crand "crypto/rand"
	"math"
	"math/big"
	"time"
)

// RetryPolicy wraps a producer send or consumer dispatch with exponential
// backoff, narrowed to a single retryable operation rather than a stream of
// items: a binding has one send path to protect, not a channel to pump
// through retry logic.
type RetryPolicy struct { //nolint:govet // logical field grouping preferred over memory optimization
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	withJitter   bool
	clock        Clock
}

// NewRetryPolicy builds a RetryPolicy from the consumer.maxAttempts,
// consumer.backOffInitialInterval, consumer.backOffMaxInterval, and
// consumer.backOffMultiplier properties (PropertyAccessor), using clock for
// delay timing so tests can run on a FakeClock instead of wall time.
func NewRetryPolicy(acc *PropertyAccessor, clock Clock) *RetryPolicy {
	if clock == nil {
		clock = RealClock
	}
	return &RetryPolicy{
		maxAttempts:  acc.MaxAttempts(),
		initialDelay: millis(acc.BackOffInitialInterval()),
		maxDelay:     millis(acc.BackOffMaxInterval()),
		multiplier:   acc.BackOffMultiplier(),
		withJitter:   true,
		clock:        clock,
	}
}

// Run invokes fn, retrying on error with exponential backoff between
// attempts, for at most maxAttempts calls in all. It returns the last error if every attempt
// fails, or nil on the first success. A context cancellation aborts the
// wait between attempts immediately.
func (r *RetryPolicy) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.calculateDelay(attempt - 2)
			select {
			case <-r.clock.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := fn(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	return lastErr
}

// calculateDelay computes the backoff before a retry, where attempt is the
// zero-based retry index (0 before the second call, so the first wait is
// initialDelay): initialDelay * multiplier^attempt, capped at maxDelay, with optional
// jitter in [0.5, 1.0) of the calculated delay.
func (r *RetryPolicy) calculateDelay(attempt int) time.Duration {
	delay := float64(r.initialDelay) * math.Pow(r.multiplier, float64(attempt))

	if time.Duration(delay) > r.maxDelay {
		delay = float64(r.maxDelay)
	}

	if r.withJitter {
		n, err := crand.Int(crand.Reader, big.NewInt(500))
		if err != nil {
			n = big.NewInt(250)
		}
		jitter := 0.5 + float64(n.Int64())/1000.0
		delay *= jitter
	}

	return time.Duration(delay)
}
