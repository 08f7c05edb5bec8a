// Package retrypolicy computes backoff delays for failed executions.
package retrypolicy

import (
	"math/rand"
	"time"
)

// Policy holds the parameters of an exponential-backoff retry policy.
type Policy struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// JitterFraction is the fraction of the delay to randomize, in
	// [0.0, 1.0]. Jitter spreads retries of many jobs failing at once.
	JitterFraction float64
}

// Default returns the policy used when a job specifies none.
func Default() Policy {
	return Policy{
		BaseDelay:      time.Second,
		MaxDelay:       5 * time.Minute,
		JitterFraction: 0.1,
	}
}

// Delay returns the backoff for the given attempt (0 = first retry).
func (p Policy) Delay(attempt int) time.Duration {
	return ComputeBackoff(attempt, p.BaseDelay, p.MaxDelay, p.JitterFraction)
}

// ComputeBackoff returns min(maxDelay, baseDelay * 2^attempt) perturbed by
// ±jitterFraction. The result is never negative and never zero for a
// positive baseDelay.
func ComputeBackoff(attempt int, baseDelay, maxDelay time.Duration, jitterFraction float64) time.Duration {
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}

	delay := baseDelay
	// Shift with overflow guard; 62 doublings already exceed any max.
	for i := 0; i < attempt && i < 62; i++ {
		delay *= 2
		if delay >= maxDelay || delay < 0 {
			delay = maxDelay
			break
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	if jitterFraction > 0 {
		if jitterFraction > 1 {
			jitterFraction = 1
		}
		jitter := time.Duration(float64(delay) * jitterFraction * (rand.Float64()*2 - 1))
		delay += jitter
	}

	if delay < 0 {
		delay = baseDelay
	}
	return delay
}
