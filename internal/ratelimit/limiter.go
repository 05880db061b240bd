// Package ratelimit provides a per-minute request budget shared by all callers
// in the process.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Clock supplies the current time. Tests inject a fixed or stepped clock so no
// real time has to pass.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// Limiter is a token bucket holding perMinute tokens that refills at
// perMinute/60 tokens per second. It never blocks: Allow either takes a token
// or reports false immediately.
type Limiter struct {
	perMinute int
	clock     Clock

	mu      sync.Mutex
	bucket  *rate.Limiter
	denied  uint64
	allowed uint64
}

// NewPerMinute builds a Limiter allowing perMinute calls per minute. A nil
// clock uses SystemClock; perMinute <= 0 denies everything.
func NewPerMinute(perMinute int, clock Clock) *Limiter {
	if clock == nil {
		clock = SystemClock
	}
	l := &Limiter{perMinute: perMinute, clock: clock}
	if perMinute > 0 {
		l.bucket = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
	}
	return l
}

// Allow consumes one token if available.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.bucket != nil && l.bucket.AllowN(l.clock.Now(), 1) {
		l.allowed++
		return true
	}
	l.denied++
	return false
}

// Remaining reports how many whole tokens are available right now.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.bucket == nil {
		return 0
	}
	tokens := l.bucket.TokensAt(l.clock.Now())
	if tokens < 0 {
		return 0
	}
	return int(tokens)
}

// PerMinute returns the configured budget.
func (l *Limiter) PerMinute() int {
	return l.perMinute
}

// Stats returns how many calls were allowed and denied since construction.
func (l *Limiter) Stats() (allowed, denied uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowed, l.denied
}
