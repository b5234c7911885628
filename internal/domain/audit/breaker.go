package audit

import (
	"sync"
	"time"
)

// Breaker stops the Recorder from hammering a store that keeps failing. While
// open, writes go straight to the fallback sinks.
type Breaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration
	now       func() time.Time

	failures  int
	openUntil time.Time
	open      bool
}

// NewBreaker opens after threshold consecutive failures and lets a probe
// through once cooldown has passed.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a write may be attempted. After the cooldown the
// breaker half-opens: one caller is let through and the window restarts, so
// a failed probe keeps the rest of the traffic on the fallback path.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if b.now().Before(b.openUntil) {
		return false
	}
	b.openUntil = b.now().Add(b.cooldown)
	return true
}

// Success closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
}

// Failure counts a failed write and reports whether the breaker is now open.
func (b *Breaker) Failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		if !b.open {
			b.openUntil = b.now().Add(b.cooldown)
		}
		b.open = true
	}
	return b.open
}

// Open reports whether the breaker is open.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}
