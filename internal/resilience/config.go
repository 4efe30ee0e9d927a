package resilience

import (
	"time"
)

// FromRetryConfig converts config values to a RetryConfig. Non-positive
// values keep the defaults.
func FromRetryConfig(maxAttempts, baseWaitMs int, multiplier float64, marginMs, defaultRateLimitWaitMs int, jitterFraction float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if baseWaitMs > 0 {
		cfg.BaseWait = time.Duration(baseWaitMs) * time.Millisecond
	}
	if multiplier > 0 {
		cfg.Multiplier = multiplier
	}
	if marginMs >= 0 {
		cfg.RateLimitMargin = time.Duration(marginMs) * time.Millisecond
	}
	if defaultRateLimitWaitMs > 0 {
		cfg.DefaultRateLimitWait = time.Duration(defaultRateLimitWaitMs) * time.Millisecond
	}
	if jitterFraction > 0 {
		cfg.JitterFraction = min(jitterFraction, 1)
	}
	return cfg
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}
