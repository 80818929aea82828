package aggregator

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how often an order's status is re-queried before the
// result is declared indeterminate.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Interval: time.Second}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Interval < 0 {
		p.Interval = 0
	}
	return p
}

// retry runs op until it succeeds, returns a permanent error or the policy
// is exhausted, waiting Interval between attempts.
func retry[T any](ctx context.Context, p RetryPolicy, op backoff.Operation[T]) (T, error) {
	p = p.normalized()
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Interval)),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
	)
}

func backoffPermanent(err error) error {
	return backoff.Permanent(err)
}
