// Package keyed provides per-key exclusive sections without a shared lock.
// Each key owns a slot with its own mutex; slots are created on demand and
// removed when the callback reports it no longer needs the state.
package keyed

import "sync"

type slot[T any] struct {
	mu   sync.Mutex
	val  T
	dead bool
}

// Map holds one value of T per key.
type Map[T any] struct {
	m sync.Map // key -> *slot[T]
}

// With runs fn with exclusive access to the value for key, creating a zero
// value if none exists. If fn returns false the slot is discarded and the next
// call for key starts from a zero value. fn runs under the key's lock and
// should return quickly.
func (m *Map[T]) With(key string, fn func(v *T) (keep bool)) {
	for {
		s := m.load(key)
		s.mu.Lock()
		if s.dead {
			// Lost a race with a removal; retry on a fresh slot.
			s.mu.Unlock()
			continue
		}
		if !fn(&s.val) {
			s.dead = true
			m.m.CompareAndDelete(key, s)
		}
		s.mu.Unlock()
		return
	}
}

// Peek runs fn only if key currently has a value. It never creates one.
func (m *Map[T]) Peek(key string, fn func(v *T) (keep bool)) bool {
	v, ok := m.m.Load(key)
	if !ok {
		return false
	}
	s := v.(*slot[T])
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return false
	}
	if !fn(&s.val) {
		s.dead = true
		m.m.CompareAndDelete(key, s)
	}
	return true
}

// Range calls fn for every live key. Each value is locked only while fn runs
// on it; returning false from fn removes that key.
func (m *Map[T]) Range(fn func(key string, v *T) (keep bool)) {
	m.m.Range(func(k, _ any) bool {
		m.Peek(k.(string), func(v *T) bool { return fn(k.(string), v) })
		return true
	})
}

// Len counts live keys. It is a snapshot for metrics and tests.
func (m *Map[T]) Len() int {
	n := 0
	m.m.Range(func(_, v any) bool {
		s := v.(*slot[T])
		s.mu.Lock()
		if !s.dead {
			n++
		}
		s.mu.Unlock()
		return true
	})
	return n
}

func (m *Map[T]) load(key string) *slot[T] {
	if v, ok := m.m.Load(key); ok {
		return v.(*slot[T])
	}
	v, _ := m.m.LoadOrStore(key, &slot[T]{})
	return v.(*slot[T])
}
