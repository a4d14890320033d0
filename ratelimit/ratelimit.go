// Package ratelimit implements a per-client token bucket. Buckets
// refill continuously at max-per-window and hold at most burst tokens.
package ratelimit

import (
	"sync"
	"time"
)

// Defaults match one request per second sustained with short bursts.
const (
	DefaultWindow = time.Minute
	DefaultMax    = 60
	DefaultBurst  = 10
)

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// Limiter rate-limits callers keyed by client IP.
type Limiter struct {
	window time.Duration
	max    int
	burst  int
	bypass bool
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// Options configures a Limiter. Zero values take the defaults; Bypass
// disables limiting entirely.
type Options struct {
	Window time.Duration
	Max    int
	Burst  int
	Bypass bool
	Now    func() time.Time
}

// New creates a Limiter.
func New(opts Options) *Limiter {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Max <= 0 {
		opts.Max = DefaultMax
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultBurst
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Limiter{
		window:  opts.Window,
		max:     opts.Max,
		burst:   opts.Burst,
		bypass:  opts.Bypass,
		now:     opts.Now,
		buckets: make(map[string]*bucket),
	}
}

// Limit returns the sustained per-window allowance.
func (l *Limiter) Limit() int { return l.max }

// Allow consumes one token for key. Returns whether the request may
// proceed, the whole tokens remaining, and when the bucket next gains a
// token.
func (l *Limiter) Allow(key string) (ok bool, remaining int, reset time.Time) {
	now := l.now()
	if l.bypass {
		return true, l.burst, now
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[key]
	if b == nil {
		b = &bucket{tokens: float64(l.burst), lastFill: now}
		l.buckets[key] = b
	} else {
		elapsed := now.Sub(b.lastFill)
		if elapsed > 0 {
			b.tokens += elapsed.Seconds() * float64(l.max) / l.window.Seconds()
			if b.tokens > float64(l.burst) {
				b.tokens = float64(l.burst)
			}
			b.lastFill = now
		}
	}

	refillOne := time.Duration(float64(l.window) / float64(l.max))
	if b.tokens < 1 {
		return false, 0, now.Add(refillOne)
	}
	b.tokens--
	return true, int(b.tokens), now.Add(refillOne)
}
