package device

import (
	"sync"
	"time"
)

// Backoff shape: 1s doubling per attempt, capped at 5 minutes.
const (
	retryBase = time.Second
	retryCap  = 5 * time.Minute
)

// RetryInfo tracks consecutive failures of a device run loop and derives
// the supervisor's sleep between attempts. Reset on any successful round
// trip.
type RetryInfo struct {
	mu        sync.Mutex
	attempts  int
	lastReset time.Time
}

// NewRetryInfo returns zeroed retry state.
func NewRetryInfo() *RetryInfo {
	return &RetryInfo{lastReset: time.Now()}
}

// Incr records one more failed attempt and returns the new count.
func (r *RetryInfo) Incr() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	return r.attempts
}

// Get returns the backoff for the current attempt count.
func (r *RetryInfo) Get() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.attempts <= 0 {
		return retryBase
	}
	d := retryBase
	for i := 1; i < r.attempts; i++ {
		d *= 2
		if d >= retryCap {
			return retryCap
		}
	}
	return d
}

// Attempts returns the current consecutive failure count.
func (r *RetryInfo) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Reset clears the counter after a successful round trip.
func (r *RetryInfo) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
	r.lastReset = time.Now()
}

// LastReset returns the time of the most recent reset.
func (r *RetryInfo) LastReset() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReset
}
