// Package ratelimit keeps one token bucket per route, surviving reloads so
// a configuration change does not refill every bucket.
package ratelimit

import (
	"sync"

	ratelib "golang.org/x/time/rate"
)

// Limiter manages keyed token buckets.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*ratelib.Limiter
}

// New returns an empty Limiter.
func New() *Limiter {
	return &Limiter{limiters: make(map[string]*ratelib.Limiter)}
}

// Allow reports whether a request may pass for key, creating or retuning
// the bucket to (rps, burst) as needed. Retuning covers hot reload: the
// key survives, the rate follows the new configuration.
func (l *Limiter) Allow(key string, rps float64, burst int) bool {
	l.mu.RLock()
	lim, ok := l.limiters[key]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		lim, ok = l.limiters[key]
		if !ok {
			lim = ratelib.NewLimiter(ratelib.Limit(rps), burst)
			l.limiters[key] = lim
		}
		l.mu.Unlock()
	}

	if lim.Limit() != ratelib.Limit(rps) {
		lim.SetLimit(ratelib.Limit(rps))
	}
	if lim.Burst() != burst {
		lim.SetBurst(burst)
	}
	return lim.Allow()
}
