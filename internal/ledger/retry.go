package ledger

import (
	"context"
	"time"
)

// BackoffSchedule is the bounded exponential backoff the ledger adapter
// applies to transient failures (§4.1: default 3 attempts, 500ms -> 2s ->
// 8s).
type BackoffSchedule struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultBackoff returns the default retry schedule (§4.1).
func DefaultBackoff() BackoffSchedule {
	return BackoffSchedule{Attempts: 3, Base: 500 * time.Millisecond, Max: 8 * time.Second}
}

// Delay returns the delay before retry attempt n (1-indexed), quadrupling
// each time (500ms -> 2s -> 8s under DefaultBackoff) and capping at Max.
func (b BackoffSchedule) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 4
		if d > b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// classifier lets withRetry decide, from an arbitrary error, whether the
// failure was transient. The ledger adapter's own *Error implements it.
type classifier interface {
	IsTransient() bool
}

// withRetry runs op up to sched.Attempts times, retrying only errors that
// classify as transient, sleeping sched.Delay(attempt) between attempts
// (or returning early if ctx is done). Non-transient errors and the final
// attempt's error are returned as-is.
func withRetry(ctx context.Context, sched BackoffSchedule, op func(context.Context) error) error {
	var lastErr error
	attempts := sched.Attempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		c, ok := lastErr.(classifier)
		if !ok || !c.IsTransient() || attempt == attempts {
			return lastErr
		}

		timer := time.NewTimer(sched.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
