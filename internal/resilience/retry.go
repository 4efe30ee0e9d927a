// Package resilience provides the bounded-attempt caller and circuit breaker
// used around calls to the text-generation service.
package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// RetryConfig controls the bounded-attempt caller.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (including the first try).
	// Default: 3.
	MaxAttempts int

	// BaseWait is the delay after a failed attempt that carries no rate-limit
	// hint. Default: 1s.
	BaseWait time.Duration

	// Multiplier escalates BaseWait after each non-rate-limit failure.
	// Default: 1.0 (fixed wait).
	Multiplier float64

	// MaxWait caps the escalated wait. Default: 30s.
	MaxWait time.Duration

	// JitterFraction adds random jitter to non-rate-limit waits
	// (0.0 = no jitter). Default: 0.
	JitterFraction float64

	// RateLimitMargin is added to a server-suggested wait. Default: 1s.
	RateLimitMargin time.Duration

	// DefaultRateLimitWait is used when a rate-limit error carries no
	// suggested wait. Default: 5s.
	DefaultRateLimitWait time.Duration

	// ShouldRetry optionally stops retrying early. If nil, every error is
	// retried until MaxAttempts is reached.
	ShouldRetry func(err error) bool

	// OnAttemptFailed is called after every failed attempt with the attempt
	// number (1-based), the error, and the wait that will follow (zero after
	// the final attempt).
	OnAttemptFailed func(attempt int, err error, wait time.Duration)

	// Sleep overrides the wait between attempts. Tests inject a recorder.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryConfig returns the retry policy used for generation calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:          3,
		BaseWait:             1 * time.Second,
		Multiplier:           1.0,
		MaxWait:              30 * time.Second,
		RateLimitMargin:      1 * time.Second,
		DefaultRateLimitWait: 5 * time.Second,
	}
}

// Outcome is the result of Call: either a value (OK) or a definitive
// failure carrying the last attempt's error.
type Outcome[T any] struct {
	Value    T
	OK       bool
	Attempts int
	Err      error
}

// Call runs fn up to cfg.MaxAttempts times. It never panics and never returns
// an error: exhaustion is reported as an Outcome with OK=false. Rate-limit
// errors wait for the server-suggested duration (plus margin) and do not
// advance the backoff escalation.
func Call[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) Outcome[T] {
	cfg = applyDefaults(cfg)

	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var (
		lastErr    error
		attempt    int
		escalation int
	)
	for attempt = 1; attempt <= cfg.MaxAttempts; attempt++ {
		val, err := safeAttempt(ctx, fn)
		if err == nil {
			return Outcome[T]{Value: val, OK: true, Attempts: attempt}
		}
		lastErr = err

		final := attempt >= cfg.MaxAttempts || ctx.Err() != nil ||
			(cfg.ShouldRetry != nil && !cfg.ShouldRetry(err))
		if final {
			if cfg.OnAttemptFailed != nil {
				cfg.OnAttemptFailed(attempt, err, 0)
			}
			break
		}

		wait, limited := RateLimitDelay(err, cfg.RateLimitMargin, cfg.DefaultRateLimitWait)
		if !limited {
			wait = computeBackoff(escalation, cfg)
			escalation++
		}

		if cfg.OnAttemptFailed != nil {
			cfg.OnAttemptFailed(attempt, err, wait)
		}

		if err := sleep(ctx, wait); err != nil {
			break
		}
	}

	if attempt > cfg.MaxAttempts {
		attempt = cfg.MaxAttempts
	}
	return Outcome[T]{
		Attempts: attempt,
		Err:      eris.Wrapf(lastErr, "resilience: gave up after %d attempt(s)", attempt),
	}
}

func safeAttempt[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (val T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.New(fmt.Sprintf("resilience: attempt panicked: %v", r))
		}
	}()
	return fn(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
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

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseWait <= 0 {
		cfg.BaseWait = 1 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 1.0
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 30 * time.Second
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if cfg.RateLimitMargin < 0 {
		cfg.RateLimitMargin = 0
	}
	if cfg.DefaultRateLimitWait <= 0 {
		cfg.DefaultRateLimitWait = 5 * time.Second
	}
	return cfg
}

func computeBackoff(step int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.BaseWait) * math.Pow(cfg.Multiplier, float64(step))
	if delay > float64(cfg.MaxWait) {
		delay = float64(cfg.MaxWait)
	}

	if cfg.JitterFraction > 0 {
		jitterRange := delay * cfg.JitterFraction
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// AttemptLogger returns an OnAttemptFailed callback that logs each failed
// attempt.
func AttemptLogger(service, operation string, maxAttempts int) func(int, error, time.Duration) {
	return func(attempt int, err error, wait time.Duration) {
		log := zap.L().With(
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Bool("rate_limited", IsRateLimit(err)),
			zap.Error(err),
		)
		if wait > 0 {
			log.Warn("attempt failed, retrying", zap.Duration("wait", wait))
			return
		}
		log.Warn("attempt failed, giving up")
	}
}
