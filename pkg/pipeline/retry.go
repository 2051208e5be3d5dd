package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/Ramsey-B/clover/pkg/failures"
	"github.com/Ramsey-B/clover/pkg/models"
)

// RetryPolicy bounds retries of one record operation.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
}

// DefaultRetryPolicy returns sensible defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// Validate requires at least one attempt and a non-negative, capped backoff.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 || p.BaseDelay < 0 || p.MaxDelay < p.BaseDelay {
		return failures.Wrap(failures.ErrConfiguration, "pipeline", "retry policy",
			fmt.Sprintf("require max_attempts >= 1 and 0 <= base_delay (%s) <= max_delay (%s)", p.BaseDelay, p.MaxDelay), nil)
	}
	return nil
}

// Delay returns the wait before the given retry (1 is the first retry).
func (p RetryPolicy) Delay(retry int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < retry && d < p.MaxDelay; i++ {
		d *= 2
	}
	return min(d, p.MaxDelay)
}

// retry runs fn until it succeeds, fails with a non-retryable error or runs
// out of attempts. It returns the attempts used. Exhaustion wraps the last
// error with ErrStageRetryExhausted.
func (p RetryPolicy) retry(ctx context.Context, stage models.Stage, op string, fn func(ctx context.Context) error) (int, error) {
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(p.Delay(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt - 1, ctx.Err()
			case <-timer.C:
			}
		}

		err = fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if !failures.Retryable(err) {
			return attempt, err
		}
	}
	return p.MaxAttempts, failures.Wrap(failures.ErrStageRetryExhausted, string(stage), op,
		fmt.Sprintf("gave up after %d attempts", p.MaxAttempts), err)
}
