package netutil

import (
	"context"
	"time"
)

// Backoff describes a capped exponential retry schedule.
type Backoff struct {
	// Base is the delay after the first failed attempt.
	Base time.Duration
	// Max caps the delay between attempts. Zero means uncapped.
	Max time.Duration
	// MaxAttempts bounds the total number of calls. Values below 1 mean one call.
	MaxAttempts int
}

// Delay returns the pause after the given zero-based failed attempt:
// Base doubled per attempt, capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 || attempt < 0 {
		return 0
	}
	shift := attempt
	if shift > 30 {
		shift = 30
	}
	d := b.Base << uint(shift)
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Retry calls fn until it succeeds, returns a non-retryable error, or the
// attempt budget is exhausted. The last error is returned. Caller
// cancellation stops the schedule between attempts.
func Retry(ctx context.Context, b Backoff, fn func(context.Context) error) error {
	attempts := b.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}

		select {
		case <-time.After(b.Delay(attempt)):
		case <-ctx.Done():
			return lastErr
		}
	}
	return lastErr
}
