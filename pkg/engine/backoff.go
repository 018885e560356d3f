package engine

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponential retry delays with jitter.
type Backoff struct {
	// Base is the delay before the first retry.
	Base time.Duration

	// Max caps the computed delay.
	Max time.Duration
}

// DefaultBackoff is used for in-process backend call retries.
var DefaultBackoff = Backoff{Base: time.Second, Max: time.Minute}

// Delay returns the wait before retry number attempt (0-based) after err.
func (b Backoff) Delay(attempt int, err error) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}

	// Use different base delays for different error types
	if IsThrottled(err) {
		base *= 5
	} else if IsConflict(err) {
		base *= 2
	}

	delay := base * time.Duration(math.Pow(2, float64(attempt)))

	limit := b.Max
	if limit <= 0 {
		limit = time.Minute
	}
	if delay > limit || delay <= 0 {
		delay = limit
	}

	// Add up to 25% jitter
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// Wait blocks for the delay of the given attempt or until ctx is done.
func (b Backoff) Wait(ctx context.Context, attempt int, err error) error {
	select {
	case <-time.After(b.Delay(attempt, err)):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
