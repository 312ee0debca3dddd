package scheduler

import (
	"math"
	"time"
)

// RetryStrategy defines the interface for retry strategies
type RetryStrategy interface {
	// NextRetry calculates the delay before the given retry
	NextRetry(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff retry strategy
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NextRetry calculates the next retry delay using exponential backoff. A zero
// MaxDelay leaves the delay uncapped.
func (s *ExponentialBackoff) NextRetry(attempt int) time.Duration {
	limit := float64(math.MaxInt64)
	if s.MaxDelay > 0 {
		limit = float64(s.MaxDelay)
	}

	delay := float64(s.InitialDelay)
	for i := 0; i < attempt && delay < limit; i++ {
		delay *= s.Multiplier
	}

	if delay >= limit {
		if s.MaxDelay > 0 {
			return s.MaxDelay
		}
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// RetryPolicy decides whether a failed activity is retried and when
type RetryPolicy struct {
	MaxAttempts int
	Strategy    RetryStrategy
}

// DefaultRetryPolicy returns the policy used when nothing is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultMaxAttempts,
		Strategy: &ExponentialBackoff{
			InitialDelay: defaultInitialDelay,
			MaxDelay:     defaultMaxDelay,
			Multiplier:   defaultMultiplier,
		},
	}
}

// ShouldRetry reports whether an activity that failed after the given number
// of previous attempts gets another one
func (p RetryPolicy) ShouldRetry(attempts int) bool {
	return attempts+1 < p.MaxAttempts
}

// Exhausted reports whether an activity has already used every attempt, for
// records brought back by staleness sweeps
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Delay returns the wait before the next attempt. An explicit retry-after
// from the processor wins over the strategy.
func (p RetryPolicy) Delay(attempts int, retryAfter *time.Duration) time.Duration {
	if retryAfter != nil {
		if *retryAfter < 0 {
			return 0
		}
		return *retryAfter
	}
	if p.Strategy == nil {
		return 0
	}
	return p.Strategy.NextRetry(attempts)
}
