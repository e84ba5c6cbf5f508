package llm

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryConfig bounds the attempts made against one endpoint before the
// client falls back to the next model in the capability chain.
type RetryConfig struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultRetryConfig returns the retry policy used for mediation and critique.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// Validate checks the policy is usable.
func (r RetryConfig) Validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", r.MaxAttempts)
	}
	if r.BackoffBase < 0 || r.MaxBackoff < 0 {
		return fmt.Errorf("backoff durations must not be negative")
	}
	if r.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1, got %g", r.BackoffMultiplier)
	}
	return nil
}

// delay is the capped exponential wait after the given 1-based attempt,
// before jitter.
func (r RetryConfig) delay(attempt int) time.Duration {
	d := float64(r.BackoffBase)
	for i := 1; i < attempt; i++ {
		d *= r.BackoffMultiplier
		if d >= float64(r.MaxBackoff) {
			return r.MaxBackoff
		}
	}
	if time.Duration(d) > r.MaxBackoff {
		return r.MaxBackoff
	}
	return time.Duration(d)
}

// backoff adds +/-25% jitter to delay.
func (r RetryConfig) backoff(attempt int) time.Duration {
	d := r.delay(attempt)
	jitter := float64(d) * 0.25 * (rand.Float64()*2 - 1)
	return d + time.Duration(jitter)
}
