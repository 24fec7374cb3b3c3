package bus

import (
	"sync"
	"time"
)

// DedupeCache remembers recently seen keys for a TTL. Platforms redeliver
// callbacks on slow acknowledgements; this keeps each message to one turn.
type DedupeCache struct {
	ttl time.Duration
	max int
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDedupeCache creates a cache holding at most max keys for ttl each.
func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	return &DedupeCache{
		ttl:  ttl,
		max:  max,
		now:  time.Now,
		seen: make(map[string]time.Time),
	}
}

// IsDuplicate records key and reports whether it was already present.
func (d *DedupeCache) IsDuplicate(key string) bool {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen[key]; ok && now.Sub(at) < d.ttl {
		return true
	}
	if len(d.seen) >= d.max {
		d.prune(now)
	}
	d.seen[key] = now
	return false
}

// prune drops expired keys; if the cache is still full the oldest half goes.
func (d *DedupeCache) prune(now time.Time) {
	for k, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, k)
		}
	}
	if len(d.seen) < d.max {
		return
	}
	cutoff := now.Add(-d.ttl / 2)
	for k, at := range d.seen {
		if at.Before(cutoff) || len(d.seen) >= d.max {
			delete(d.seen, k)
		}
	}
}
