package rotapool

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
)

// Rotator is a convenience wrapper for callers that want the two-call
// contract (select, use, report) handled for them, with retries rotated
// across different endpoints. Retry policy lives here, not in the pool:
// selection and probing never retry on their own.
type Rotator struct {
	pool       *Pool
	maxRetries uint
	delay      time.Duration
}

// NewRotator wraps the pool with a retry loop of up to maxRetries attempts.
func NewRotator(pool *Pool, maxRetries uint, delay time.Duration) *Rotator {
	if maxRetries == 0 {
		maxRetries = 3
	}
	if delay == 0 {
		delay = 500 * time.Millisecond
	}
	return &Rotator{pool: pool, maxRetries: maxRetries, delay: delay}
}

// Do selects an endpoint, runs fn through it, and reports the outcome with
// the measured duration. On failure it retries with a fresh selection; the
// failed endpoint's degraded statistics push the next pick elsewhere.
func (r *Rotator) Do(ctx context.Context, fn func(ctx context.Context, endpoint *Endpoint) error) error {
	return retry.Do(
		func() error {
			endpoint := r.pool.Next()
			if endpoint == nil {
				return retry.Unrecoverable(ErrNoEndpoints)
			}

			start := time.Now()
			err := fn(ctx, endpoint)
			elapsed := time.Since(start)

			if err != nil {
				r.pool.ReportOutcome(endpoint, false, nil)
				return err
			}

			r.pool.ReportOutcome(endpoint, true, &elapsed)
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(r.maxRetries),
		retry.Delay(r.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}),
	)
}
