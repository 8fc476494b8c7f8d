// Package util holds small helpers shared by the device-side transports.
package util

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

const (
	defaultBaseDelay = 500 * time.Millisecond
	defaultMaxDelay  = 30 * time.Second
	maxShift         = 30
)

// ErrRetriesExhausted wraps the last failure once every attempt has been used.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Backoff describes an exponential delay schedule with ±25% jitter.
type Backoff struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// CalculateBackoff returns base*2^attempt capped at 30s, jittered by ±25%.
// Attempt zero and below wait nothing.
func CalculateBackoff(baseDelay time.Duration, attempt int) time.Duration {
	return Backoff{BaseDelay: baseDelay, MaxDelay: defaultMaxDelay}.Delay(attempt)
}

// Delay returns the wait before retry number attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 || b.BaseDelay <= 0 {
		return 0
	}
	if attempt > maxShift {
		attempt = maxShift
	}
	ceiling := b.MaxDelay
	if ceiling <= 0 {
		ceiling = defaultMaxDelay
	}
	backoff := b.BaseDelay * time.Duration(1<<uint(attempt))
	if backoff > ceiling || backoff <= 0 {
		backoff = ceiling
	}
	spread := int64(backoff) / 2
	if spread <= 0 {
		return backoff
	}
	jitter := time.Duration(rand.Int64N(spread)) - backoff/4
	return backoff + jitter
}

// Retry runs fn until it succeeds, returns a non-retryable error, the attempts
// run out or ctx ends. A nil retryable treats every error as retryable.
func Retry(ctx context.Context, b Backoff, retryable func(error) bool, fn func(context.Context) error) error {
	attempts := b.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	if b.BaseDelay <= 0 {
		b.BaseDelay = defaultBaseDelay
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(b.Delay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(ctx.Err(), lastErr)
			case <-timer.C:
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
	}
	return errors.Join(ErrRetriesExhausted, lastErr)
}
