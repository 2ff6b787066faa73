package util

import (
	"context"
	"fmt"
	"time"
)

// MaxBackoff caps the delay between two attempts.
const MaxBackoff = 30 * time.Second

// Backoff returns the exponential delay for the given 0-indexed attempt,
// starting at base and capped at MaxBackoff.
func Backoff(attempt int, base time.Duration) time.Duration {
	if attempt > 16 {
		attempt = 16
	}
	d := base << attempt
	if d <= 0 || d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

// RetryWithBackoff calls fn up to maxRetries+1 times with exponential backoff
// starting at base. fn receives the current attempt number (0-indexed).
// If the context is cancelled, RetryWithBackoff returns the context error immediately.
func RetryWithBackoff(ctx context.Context, maxRetries int, base time.Duration, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}

		if attempt == maxRetries {
			break
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Backoff(attempt, base)):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}
