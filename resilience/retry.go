package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig defines configuration for the retry helpers
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt
	MaxRetries int

	// InitialBackoff is the delay before the first retry
	InitialBackoff time.Duration

	// MaxBackoff caps the computed backoff delay
	MaxBackoff time.Duration

	// BackoffMultiplier grows the delay between consecutive retries
	BackoffMultiplier float64

	// Jitter randomizes each delay to avoid thundering herds
	Jitter bool

	// RetryableErrors decides whether an error is worth retrying
	RetryableErrors func(error) bool
}

// DefaultRetryConfig returns a sensible exponential-backoff configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryableErrors:   DefaultRetryableErrors,
	}
}

// FixedDelay returns a configuration that waits the same delay between every
// attempt, with no jitter
func FixedDelay(maxRetries int, delay time.Duration) RetryConfig {
	return RetryConfig{
		MaxRetries:        maxRetries,
		InitialBackoff:    delay,
		MaxBackoff:        delay,
		BackoffMultiplier: 1.0,
		Jitter:            false,
		RetryableErrors:   DefaultRetryableErrors,
	}
}

// DefaultRetryableErrors retries everything except nil and context
// cancellation/deadline errors
func DefaultRetryableErrors(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// RetryStats captures what a retried operation cost
type RetryStats struct {
	TotalAttempts   int
	TotalRetries    int
	SuccessfulCalls int
	AverageBackoff  time.Duration
}

// Retry runs fn up to MaxRetries+1 times, sleeping a backoff between failed
// attempts. It returns nil on the first success, the error unchanged when
// RetryableErrors rejects it, and a wrapped last error when attempts run out.
// The context cancels both in-between sleeps and further attempts.
func Retry(ctx context.Context, config RetryConfig, fn func() error) error {
	_, err := RetryWithStats(ctx, config, fn)
	return err
}

// RetryWithStats is Retry plus attempt accounting
func RetryWithStats(ctx context.Context, config RetryConfig, fn func() error) (RetryStats, error) {
	retryable := config.RetryableErrors
	if retryable == nil {
		retryable = DefaultRetryableErrors
	}

	var stats RetryStats
	var backoffTotal time.Duration
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		stats.TotalAttempts++
		lastErr = fn()
		if lastErr == nil {
			stats.SuccessfulCalls++
			if stats.TotalRetries > 0 {
				stats.AverageBackoff = backoffTotal / time.Duration(stats.TotalRetries)
			}
			return stats, nil
		}

		if !retryable(lastErr) {
			return stats, lastErr
		}
		if attempt == config.MaxRetries {
			break
		}

		delay := calculateBackoff(attempt, config)
		backoffTotal += delay
		stats.TotalRetries++

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return stats, ctx.Err()
		case <-timer.C:
		}
	}

	if stats.TotalRetries > 0 {
		stats.AverageBackoff = backoffTotal / time.Duration(stats.TotalRetries)
	}
	return stats, fmt.Errorf("retries exhausted after %d attempts: %w", stats.TotalAttempts, lastErr)
}

// ExponentialBackoff is a convenience wrapper: up to maxRetries retries with
// doubling delays starting at initialBackoff, every error retryable
func ExponentialBackoff(ctx context.Context, maxRetries int, initialBackoff time.Duration, fn func() error) error {
	config := RetryConfig{
		MaxRetries:        maxRetries,
		InitialBackoff:    initialBackoff,
		MaxBackoff:        initialBackoff * 64,
		BackoffMultiplier: 2.0,
		Jitter:            false,
		RetryableErrors:   DefaultRetryableErrors,
	}
	return Retry(ctx, config, fn)
}

// calculateBackoff computes the delay before retry number attempt+1
func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	backoff := float64(config.InitialBackoff)
	for i := 0; i < attempt; i++ {
		backoff *= config.BackoffMultiplier
	}
	if limit := float64(config.MaxBackoff); config.MaxBackoff > 0 && backoff > limit {
		backoff = limit
	}
	if config.Jitter {
		// 0.9x to 1.2x keeps delays staggered without starving the caller
		backoff *= 0.9 + rand.Float64()*0.3
	}
	return time.Duration(backoff)
}
