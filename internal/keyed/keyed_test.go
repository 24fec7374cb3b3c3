package keyed

import (
	"strconv"
	"sync"
	"testing"
)

func TestWithCreatesAndRemoves(t *testing.T) {
	var m Map[int]
	m.With("a", func(v *int) bool { *v = 3; return true })
	m.With("a", func(v *int) bool {
		if *v != 3 {
			t.Errorf("value = %d, want 3", *v)
		}
		return false
	})
	if m.Len() != 0 {
		t.Fatalf("len = %d after removal", m.Len())
	}
	m.With("a", func(v *int) bool {
		if *v != 0 {
			t.Errorf("removed slot leaked value %d", *v)
		}
		return true
	})
}

func TestPeekDoesNotCreate(t *testing.T) {
	var m Map[int]
	if m.Peek("missing", func(*int) bool { return true }) {
		t.Fatal("Peek reported a missing key")
	}
	if m.Len() != 0 {
		t.Fatal("Peek created a slot")
	}
}

func TestConcurrentCountersPerKey(t *testing.T) {
	var m Map[int]
	var wg sync.WaitGroup
	for k := 0; k < 4; k++ {
		key := strconv.Itoa(k)
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.With(key, func(v *int) bool { *v++; return true })
			}()
		}
	}
	wg.Wait()

	m.Range(func(key string, v *int) bool {
		if *v != 100 {
			t.Errorf("key %s = %d, want 100", key, *v)
		}
		return true
	})
	if m.Len() != 4 {
		t.Errorf("len = %d", m.Len())
	}
}

func TestConcurrentRemoveAndRecreate(t *testing.T) {
	// Alternating removal and increments must never lose an increment made
	// after the last removal.
	var m Map[int]
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.With("k", func(v *int) bool { *v++; return true })
		}()
		go func() {
			defer wg.Done()
			m.With("k", func(v *int) bool { return false })
		}()
	}
	wg.Wait()
	m.With("k", func(v *int) bool { *v = 42; return true })
	m.Peek("k", func(v *int) bool {
		if *v != 42 {
			t.Errorf("got %d", *v)
		}
		return true
	})
}
