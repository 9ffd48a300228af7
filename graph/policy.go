package graph

import (
	"math/rand"
	"time"
)

// RetryPolicy defines automatic retry configuration for transient
// computation failures.
//
// When a computation fails, the policy's Retryable predicate decides whether
// the failure is transient. Transient failures are re-run after an
// exponential backoff with jitter; permanent failures propagate to all
// dependents immediately.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of execution attempts (including
	// the initial attempt). Must be >= 1. A value of 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff between retries.
	// The actual delay is min(BaseDelay * 2^attempt, MaxDelay) + jitter.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff. Must be >= BaseDelay when both
	// are set; zero means no cap.
	MaxDelay time.Duration

	// Retryable decides if an error is transient. If nil, all errors are
	// permanent. Common patterns: network timeouts, remote cache misses,
	// executor restarts.
	Retryable func(error) bool
}

// Validate checks the policy's constraints.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// computeBackoff calculates the delay before re-running a failed
// computation.
//
// delay = min(base * 2^attempt, maxDelay) + jitter(0, base)
//
// The jitter spreads retries of concurrently failing nodes so they do not
// hammer a recovering executor in lockstep.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	exponentialDelay := base * (1 << attempt)
	if maxDelay > 0 && exponentialDelay > maxDelay {
		exponentialDelay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}
	return exponentialDelay + jitter
}
