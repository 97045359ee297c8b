// Package ratelimit enforces the External Game API's per-service request
// budget (spec.md §4.F / §8) with a process-wide token bucket per key. The
// External Game API middleware builds the key from the service name and
// the full request path, so every room code and player ID in a path gets
// a bucket of its own. Limiters are fail-secure: a service with
// no registered limit still gets the default rather than being let
// through unbounded.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter tracks one golang.org/x/time/rate.Limiter per key, created
// lazily on first use and kept for the life of the process.
type Limiter struct {
	mu           sync.Mutex
	buckets      map[string]*rate.Limiter
	defaultPerMin int
}

func NewLimiter(defaultPerMin int) *Limiter {
	if defaultPerMin <= 0 {
		defaultPerMin = 30
	}
	return &Limiter{
		buckets:       make(map[string]*rate.Limiter),
		defaultPerMin: defaultPerMin,
	}
}

// Allow reports whether the call identified by key (typically
// "{service_name}:{endpoint}") may proceed right now. perMin overrides
// the process default when positive (an API key's own rate_limit
// column); zero or negative falls back to the fail-secure default.
func (l *Limiter) Allow(key string, perMin int) bool {
	return l.bucket(key, perMin).Allow()
}

func (l *Limiter) bucket(key string, perMin int) *rate.Limiter {
	if perMin <= 0 {
		perMin = l.defaultPerMin
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		// Burst equals the per-minute budget so a service can spend its
		// whole minute's allowance immediately, then refills steadily.
		limit := rate.Limit(float64(perMin) / 60.0)
		b = rate.NewLimiter(limit, perMin)
		l.buckets[key] = b
	}
	return b
}
