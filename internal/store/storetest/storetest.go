// Package storetest is the behavioural contract every SessionStore backend
// must satisfy. Backends call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wkin-t/dingtalk-ai-bot/internal/store"
)

// Clock is a settable clock shared between a test and the store under test.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts at a fixed instant.
func NewClock() *Clock { return &Clock{now: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory opens a fresh, empty store with the given options.
type Factory func(t *testing.T, opts store.Options) store.SessionStore

// Run executes the contract suite against a backend.
func Run(t *testing.T, open Factory) {
	t.Run("AppendThenContextTail", func(t *testing.T) { testContextTail(t, open) })
	t.Run("StorageCapFIFO", func(t *testing.T) { testStorageCap(t, open) })
	t.Run("TTLExpiry", func(t *testing.T) { testTTL(t, open) })
	t.Run("TouchRefreshes", func(t *testing.T) { testTouch(t, open) })
	t.Run("Clear", func(t *testing.T) { testClear(t, open) })
	t.Run("Sweep", func(t *testing.T) { testSweep(t, open) })
	t.Run("KeysIsolated", func(t *testing.T) { testIsolation(t, open) })
}

func turn(clock *Clock, i int) (store.HistoryEntry, store.HistoryEntry) {
	at := clock.Now()
	return store.NewEntry(store.RoleUser, fmt.Sprintf("u%d", i), at),
		store.NewEntry(store.RoleAssistant, fmt.Sprintf("a%d", i), at)
}

func testContextTail(t *testing.T, open Factory) {
	clock := NewClock()
	s := open(t, store.Options{ContextCap: 4, StorageCap: 10, TTL: time.Hour, Now: clock.Now})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		u, a := turn(clock, i)
		require.NoError(t, s.AppendTurn(ctx, "dingtalk:g1", u, a))

		got, err := s.GetContext(ctx, "dingtalk:g1")
		require.NoError(t, err)
		stored := 2 * (i + 1)
		assert.Len(t, got, min(stored, 4))
		assert.Equal(t, fmt.Sprintf("u%d", i), got[len(got)-2].Content)
		assert.Equal(t, fmt.Sprintf("a%d", i), got[len(got)-1].Content)
		assert.Equal(t, store.RoleAssistant, got[len(got)-1].Role)
	}
}

func testStorageCap(t *testing.T, open Factory) {
	clock := NewClock()
	s := open(t, store.Options{ContextCap: 50, StorageCap: 1000, TTL: time.Hour, Now: clock.Now})
	ctx := context.Background()
	key := "wecom:user42"

	for i := 0; i < 500; i++ {
		u, a := turn(clock, i)
		require.NoError(t, s.AppendTurn(ctx, key, u, a))
	}
	all, err := s.History(ctx, key)
	require.NoError(t, err)
	require.Len(t, all, 1000)

	u, a := turn(clock, 500)
	require.NoError(t, s.AppendTurn(ctx, key, u, a))

	all, err = s.History(ctx, key)
	require.NoError(t, err)
	require.Len(t, all, 1000)
	assert.Equal(t, "u1", all[0].Content, "oldest turn evicted first")
	assert.Equal(t, "a500", all[len(all)-1].Content)

	got, err := s.GetContext(ctx, key)
	require.NoError(t, err)
	assert.Len(t, got, 50)
}

func testTTL(t *testing.T, open Factory) {
	clock := NewClock()
	s := open(t, store.Options{TTL: time.Hour, Now: clock.Now})
	ctx := context.Background()

	u, a := turn(clock, 0)
	require.NoError(t, s.AppendTurn(ctx, "k", u, a))

	clock.Advance(59 * time.Minute)
	got, err := s.GetContext(ctx, "k")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	clock.Advance(2 * time.Minute)
	got, err = s.GetContext(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, got, "expired session must read as empty")

	// A new turn after expiry starts a fresh history.
	u, a = turn(clock, 1)
	require.NoError(t, s.AppendTurn(ctx, "k", u, a))
	got, err = s.GetContext(ctx, "k")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "u1", got[0].Content)
}

func testTouch(t *testing.T, open Factory) {
	clock := NewClock()
	s := open(t, store.Options{TTL: time.Hour, Now: clock.Now})
	ctx := context.Background()

	u, a := turn(clock, 0)
	require.NoError(t, s.AppendTurn(ctx, "k", u, a))
	clock.Advance(50 * time.Minute)
	require.NoError(t, s.Touch(ctx, "k"))
	clock.Advance(50 * time.Minute)

	got, err := s.GetContext(ctx, "k")
	require.NoError(t, err)
	assert.Len(t, got, 2, "touch must push expiry forward")

	require.NoError(t, s.Touch(ctx, "missing"), "touching an absent key is a no-op")
}

func testClear(t *testing.T, open Factory) {
	clock := NewClock()
	s := open(t, store.Options{Now: clock.Now})
	ctx := context.Background()

	u, a := turn(clock, 0)
	require.NoError(t, s.AppendTurn(ctx, "k", u, a))
	require.NoError(t, s.Clear(ctx, "k"))
	got, err := s.GetContext(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, s.Clear(ctx, "k"), "clearing twice is fine")
}

func testSweep(t *testing.T, open Factory) {
	clock := NewClock()
	s := open(t, store.Options{TTL: time.Hour, Now: clock.Now})
	ctx := context.Background()

	u, a := turn(clock, 0)
	require.NoError(t, s.AppendTurn(ctx, "old", u, a))
	clock.Advance(2 * time.Hour)
	u, a = turn(clock, 1)
	require.NoError(t, s.AppendTurn(ctx, "fresh", u, a))

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetContext(ctx, "fresh")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func testIsolation(t *testing.T, open Factory) {
	clock := NewClock()
	s := open(t, store.Options{Now: clock.Now})
	ctx := context.Background()

	u, a := turn(clock, 0)
	require.NoError(t, s.AppendTurn(ctx, "wecom:g1", u, a))
	got, err := s.GetContext(ctx, "wecom:g2")
	require.NoError(t, err)
	assert.Empty(t, got)
}
