package reliability

import (
	"sync"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableRealtimeMessageType classifies retryable realtime recognizer errors.
func IsRetryableRealtimeMessageType(messageType string) bool {
	switch messageType {
	case "rate_limited", "resource_exhausted", "queue_overflow", "session_time_limit_exceeded", "error":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Backoff tracks consecutive failures and the earliest time the next
// attempt may run. The zero value never delays.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration

	mu       sync.Mutex
	failures int
	until    time.Time
}

// Fail records a failure and returns the delay before the next attempt.
func (b *Backoff) Fail(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Base <= 0 {
		return 0
	}
	d := ExponentialBackoff(b.failures, b.Base, b.Cap)
	b.failures++
	b.until = now.Add(d)
	return d
}

func (b *Backoff) Succeed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.until = time.Time{}
}

// Ready reports whether an attempt may run at now.
func (b *Backoff) Ready(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !now.Before(b.until)
}

func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
