package evolve

import (
	"context"
	"time"
)

// RetryConfig bounds re-execution of a fallible swarm unit.
type RetryConfig struct {
	// MaxAttempts is the total attempt budget (first try included).
	// Values below 1 are treated as 1.
	MaxAttempts int
	// Backoff is the delay before the second attempt; each subsequent
	// delay doubles: Backoff, 2×Backoff, 4×Backoff, …
	Backoff time.Duration
	// RetryOn decides whether a completed attempt should be retried.
	// Nil means retry iff the result status is error. RetryOn never
	// applies to a BestOf judge, which always uses the default policy.
	RetryOn func(SwarmResult) bool
}

// DefaultJudgeRetry is the retry policy applied to BestOf judges,
// independent of the caller's configuration.
var DefaultJudgeRetry = RetryConfig{MaxAttempts: 3, Backoff: time.Second}

// shouldRetry applies the configured predicate or the default
// status-based policy.
func (r RetryConfig) shouldRetry(result SwarmResult) bool {
	if r.RetryOn != nil {
		return r.RetryOn(result)
	}
	return result.Status == StatusError
}

// attempts returns the effective attempt budget.
func (r RetryConfig) attempts() int {
	if r.MaxAttempts < 1 {
		return 1
	}
	return r.MaxAttempts
}

// executeWithRetry runs attempt up to the configured budget, sleeping
// Backoff × 2^(n-1) between attempts. The attempt callback receives the
// number of failed attempts so far, which operators record as
// meta.error_retry. Semaphore permits are acquired inside the attempt, so
// backoff sleeps never hold one. Context cancellation aborts the backoff
// and returns the last result.
func executeWithRetry(ctx context.Context, cfg RetryConfig, attempt func(errorRetry int) SwarmResult) SwarmResult {
	maxAttempts := cfg.attempts()
	var last SwarmResult
	for i := 0; i < maxAttempts; i++ {
		last = attempt(i)
		if !cfg.shouldRetry(last) || i == maxAttempts-1 {
			return last
		}
		if cfg.Backoff > 0 {
			delay := cfg.Backoff * (1 << i)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return last
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return last
		}
	}
	return last
}
