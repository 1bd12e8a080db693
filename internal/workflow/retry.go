package workflow

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds the retries of a single collaborator call.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		b.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	return b
}

// retryNotify is called before each backoff sleep with the attempt that just failed.
type retryNotify func(attempt int, err error, wait time.Duration)

// retry runs fn until it succeeds, returns a PolicyViolation, the attempt
// ceiling is reached, or ctx is done. Exhaustion yields a *TransientError.
func retry[T any](ctx context.Context, p RetryPolicy, op string, fn func(context.Context) (T, error), notify retryNotify) (T, error) {
	attempts := 0
	maxTries := p.MaxAttempts
	if maxTries < 1 {
		maxTries = 1
	}

	v, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := fn(ctx)
		if err != nil && IsPolicyViolation(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(maxTries)), //nolint:gosec // maxTries is clamped to >= 1 above
		// MaxTries alone bounds the loop; the library default would stop at 15m elapsed
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if notify != nil {
				notify(attempts, err, wait)
			}
		}),
	)
	if err == nil {
		return v, nil
	}
	if IsPolicyViolation(err) || ctx.Err() != nil {
		return v, err
	}
	return v, &TransientError{Op: op, Attempts: attempts, Err: err}
}
