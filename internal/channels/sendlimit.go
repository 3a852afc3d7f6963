package channels

import (
	"context"
	"sync"
	"time"
)

// SendLimiter is a token bucket that paces outbound messages for one client.
// Bursts up to capacity are allowed, then sends refill at rate per second.
type SendLimiter struct {
	rate     float64
	capacity float64

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewSendLimiter creates a limiter. A non-positive rate disables limiting.
func NewSendLimiter(rate float64, capacity int) *SendLimiter {
	if capacity < 1 {
		capacity = 1
	}
	return &SendLimiter{
		rate:       rate,
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Wait blocks until a send slot is free or ctx ends.
func (l *SendLimiter) Wait(ctx context.Context) error {
	if l == nil || l.rate <= 0 {
		return nil
	}
	for {
		wait := l.reserve()
		if wait == 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Allow consumes a slot if one is free.
func (l *SendLimiter) Allow() bool {
	if l == nil || l.rate <= 0 {
		return true
	}
	return l.reserve() == 0
}

// reserve takes a token when available and otherwise reports how long until one is.
func (l *SendLimiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.tokens += now.Sub(l.lastRefill).Seconds() * l.rate
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	l.lastRefill = now

	if l.tokens >= 1 {
		l.tokens--
		return 0
	}
	return time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
}
