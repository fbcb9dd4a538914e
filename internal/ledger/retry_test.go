package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	sched := BackoffSchedule{Attempts: 3, Base: 0, Max: 0}
	calls := 0
	err := withRetry(context.Background(), sched, func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return newError(ErrKindTransient, "op", errors.New("timeout"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWithRetry_NonTransientSurfacesImmediately(t *testing.T) {
	sched := BackoffSchedule{Attempts: 3, Base: 0, Max: 0}
	calls := 0
	err := withRetry(context.Background(), sched, func(ctx context.Context) error {
		calls++
		return newError(ErrKindRevert, "op", errors.New("bad state"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	sched := BackoffSchedule{Attempts: 3, Base: 0, Max: 0}
	calls := 0
	err := withRetry(context.Background(), sched, func(ctx context.Context) error {
		calls++
		return newError(ErrKindTransient, "op", errors.New("timeout"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestBackoffSchedule_Delay(t *testing.T) {
	b := DefaultBackoff()
	assert.Equal(t, b.Base, b.Delay(1))
	assert.Equal(t, 4*b.Base, b.Delay(2))
	assert.Equal(t, b.Max, b.Delay(10))
}
