// Package ratelimit provides the token-bucket rate limiting used by the
// middleware chain's RateLimit stage and by resilience.Pipeline. (The
// permission engine's rate_limit() condition predicate keeps its own
// sliding-window counter and does not use this package.) It wraps golang.org/x/time/rate
// rather than hand-rolling a token bucket, keeping the same
// Allow()/Wait(ctx) surface and per-key Registry idiom used elsewhere in
// this module for per-subject resource tracking.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter is a per-key token bucket.
type Limiter struct {
	rl *rate.Limiter
}

// New creates a Limiter allowing ratePerSec sustained events per second
// with burst as the maximum instantaneous burst size.
func New(ratePerSec float64, burst int) *Limiter {
	return &Limiter{rl: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Allow reports whether an event may proceed right now, consuming a
// token if so.
func (l *Limiter) Allow() bool { return l.rl.Allow() }

// Wait blocks until a token is available or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context) error { return l.rl.Wait(ctx) }

// SetRate adjusts the sustained rate at runtime, e.g. in response to a
// detected threat tightening limits for a subject.
func (l *Limiter) SetRate(ratePerSec float64) { l.rl.SetLimit(rate.Limit(ratePerSec)) }

// Registry manages per-key Limiters (per user, per source IP, per
// resource), lazily creating one with the registry's default rate/burst
// on first use.
type Registry struct {
	mu           sync.RWMutex
	limiters     map[string]*Limiter
	defaultRate  float64
	defaultBurst int
}

// NewRegistry creates a Registry.
func NewRegistry(defaultRate float64, defaultBurst int) *Registry {
	return &Registry{limiters: make(map[string]*Limiter), defaultRate: defaultRate, defaultBurst: defaultBurst}
}

// Get returns (or lazily creates) the Limiter for key.
func (r *Registry) Get(key string) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[key]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok = r.limiters[key]; ok {
		return l
	}
	l = New(r.defaultRate, r.defaultBurst)
	r.limiters[key] = l
	return l
}

// Remove drops a key's limiter, e.g. once a session ends.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	delete(r.limiters, key)
	r.mu.Unlock()
}
