package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rate limiter defaults for the turn endpoint.
const (
	DefaultTurnsPerMinute = 30
	DefaultTurnBurst      = 5
	defaultLimiterTTL     = 15 * time.Minute
)

// rateLimiter holds one token bucket per key. Idle buckets are swept lazily
// once per TTL.
type rateLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	now       func() time.Time
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(perMinute, burst int, ttl time.Duration) *rateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultTurnsPerMinute
	}
	if burst <= 0 {
		burst = DefaultTurnBurst
	}
	if ttl <= 0 {
		ttl = defaultLimiterTTL
	}
	return &rateLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether key may make another request now.
func (l *rateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.ttl {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) >= l.ttl {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (l *rateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
