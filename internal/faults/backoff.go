package faults

import (
	"math/rand"
	"time"
)

const (
	BaseDelay   = time.Second
	MaxDelay    = 60 * time.Second
	MaxAttempts = 5
	jitter      = 0.2
)

// Backoff returns the delay before retry number attempt (0-based):
// min(BaseDelay*2^attempt, MaxDelay) scaled by a random factor in [0.8, 1.2].
func Backoff(attempt int) time.Duration {
	return backoff(attempt, rand.Float64)
}

func backoff(attempt int, random func() float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := MaxDelay
	// 2^6 already exceeds the cap.
	if attempt < 6 {
		if d := BaseDelay << attempt; d < MaxDelay {
			delay = d
		}
	}
	factor := 1 + jitter*(2*random()-1)
	return time.Duration(float64(delay) * factor)
}

// ShouldRetry reports whether another attempt is allowed after attempt
// failures.
func ShouldRetry(err error, attempt int) bool {
	return attempt < MaxAttempts && IsRetryable(err)
}
