// Package backoff provides exponential backoff with jitter for retry loops.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for backoff calculation.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor is the exponential growth factor per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added to the delay.
	Jitter float64
}

// Delay computes the backoff for a 1-indexed attempt number.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

func (p Policy) delayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * randomValue
	total := math.Min(float64(p.Max), base+jitter)
	return time.Duration(total)
}

// Provider is the policy for transient model-provider errors: 500ms base,
// doubling, small jitter.
func Provider() Policy {
	return Policy{Initial: 500 * time.Millisecond, Max: 8 * time.Second, Factor: 2, Jitter: 0.1}
}

// RateLimit is the policy for rate-limited model calls: roughly one second
// per attempt, bounded.
func RateLimit() Policy {
	return Policy{Initial: time.Second, Max: 5 * time.Second, Factor: 1.5, Jitter: 0.1}
}

// Reconnect is the policy for re-establishing long-lived connections:
// 1s doubling to a 30s cap.
func Reconnect() Policy {
	return Policy{Initial: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: 0.2}
}

// Sleep waits for the policy's delay for the given attempt, honoring context
// cancellation.
func Sleep(ctx context.Context, p Policy, attempt int) error {
	d := p.Delay(attempt)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ErrExhausted is returned when every retry attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Retry runs fn up to maxAttempts times, sleeping per the policy between
// failures. fn receives the 1-indexed attempt number. The last error is
// joined with ErrExhausted when all attempts fail.
func Retry[T any](ctx context.Context, p Policy, maxAttempts int, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		value, err := fn(attempt)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if attempt < maxAttempts {
			if err := Sleep(ctx, p, attempt); err != nil {
				return zero, err
			}
		}
	}
	return zero, errors.Join(ErrExhausted, lastErr)
}
