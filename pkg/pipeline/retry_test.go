package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/failures"
	"github.com/Ramsey-B/clover/pkg/models"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, 800*time.Millisecond, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(5))
	assert.Equal(t, time.Second, p.Delay(50))
}

func TestRetryPolicy_Validate(t *testing.T) {
	require.NoError(t, DefaultRetryPolicy().Validate())

	for name, p := range map[string]RetryPolicy{
		"no attempts":    {MaxAttempts: 0, BaseDelay: 0, MaxDelay: 0},
		"negative base":  {MaxAttempts: 1, BaseDelay: -1, MaxDelay: 0},
		"cap below base": {MaxAttempts: 1, BaseDelay: time.Second, MaxDelay: time.Millisecond},
	} {
		t.Run(name, func(t *testing.T) {
			assert.True(t, errors.Is(p.Validate(), failures.ErrConfiguration))
		})
	}
}

func TestRetryPolicy_Retry(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		attempts, err := p.retry(ctx, models.StageScoring, "op", func(context.Context) error {
			calls++
			if calls < 3 {
				return failures.ErrTransient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		calls := 0
		attempts, err := p.retry(ctx, models.StageScoring, "op", func(context.Context) error {
			calls++
			return failures.ErrValidation
		})
		assert.True(t, errors.Is(err, failures.ErrValidation))
		assert.Equal(t, 1, attempts)
		assert.Equal(t, 1, calls)
	})

	t.Run("exhaustion keeps the cause", func(t *testing.T) {
		attempts, err := p.retry(ctx, models.StageDedupe, "op", func(context.Context) error {
			return failures.ErrMergeConflict
		})
		assert.Equal(t, 3, attempts)
		assert.True(t, errors.Is(err, failures.ErrStageRetryExhausted))
		assert.True(t, errors.Is(err, failures.ErrMergeConflict))
	})

	t.Run("cancelled while waiting", func(t *testing.T) {
		slow := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}
		cctx, cancel := context.WithCancel(ctx)
		attempts, err := slow.retry(cctx, models.StageScoring, "op", func(context.Context) error {
			cancel()
			return failures.ErrTransient
		})
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Equal(t, 1, attempts)
	})
}
