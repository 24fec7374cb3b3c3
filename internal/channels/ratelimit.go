package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedKeys caps the number of tracked keys so rotating source IPs
// cannot grow the limiter without bound.
const maxTrackedKeys = 4096

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// KeyedRateLimiter applies an independent token bucket per key (source IP
// for callbacks). Safe for concurrent use.
type KeyedRateLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

// NewKeyedRateLimiter allows perMinute requests per key with a burst of
// the same size. perMinute <= 0 disables limiting.
func NewKeyedRateLimiter(perMinute int) *KeyedRateLimiter {
	r := &KeyedRateLimiter{entries: make(map[string]*limiterEntry)}
	if perMinute <= 0 {
		r.limit = rate.Inf
		return r
	}
	r.limit = rate.Every(time.Minute / time.Duration(perMinute))
	r.burst = perMinute
	return r
}

// Allow reports whether key may proceed now.
func (r *KeyedRateLimiter) Allow(key string) bool {
	if r.limit == rate.Inf {
		return true
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.seen) >= time.Minute {
				delete(r.entries, k)
			}
		}
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(r.limit, r.burst)}
		r.entries[key] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}
