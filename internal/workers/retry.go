package workers

import (
	"context"
	"time"

	"github.com/anstrom/portgate/internal/errors"
)

// RetryPolicy bounds re-execution of a failing operation.
type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
	// Delay is the fixed wait between attempts.
	Delay time.Duration
	// Retryable classifies errors; nil means errors.IsRetryable.
	Retryable func(error) bool
}

// Retry calls fn until it succeeds, returns an error the policy does not
// retry, runs out of retries, or ctx ends. attempt counts from zero. It
// returns the number of retries spent and the last error.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context, attempt int) error) (int, error) {
	retryable := policy.Retryable
	if retryable == nil {
		retryable = errors.IsRetryable
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx, attempt)
		if err == nil || attempt >= policy.MaxRetries || !retryable(err) {
			return attempt, err
		}

		timer := time.NewTimer(policy.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt, err
		}
	}
}
