// Package debounce merges bursts of messages from one session into a single
// turn. Each session key has at most one open window; every submission
// pushes the window's deadline out by W, and the window flushes once W
// passes with no new message.
package debounce

import (
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/wkin-t/dingtalk-ai-bot/internal/bus"
	"github.com/wkin-t/dingtalk-ai-bot/internal/keyed"
	"github.com/wkin-t/dingtalk-ai-bot/internal/sessions"
)

// ErrScheduling means a flush timer could not be armed; the submission is
// flushed immediately instead of being merged.
var ErrScheduling = errors.New("debounce: cannot schedule flush")

// BufferedTurn is the merged content of one closed window.
type BufferedTurn struct {
	SessionKey    string
	Messages      []bus.InboundMessage // submission order
	MergedText    string
	Attachments   []bus.Attachment
	Override      bus.Override
	OpenedAt      time.Time
	FlushDeadline time.Time
}

// Last returns the most recent member message; its reply context is the
// one a response should go to.
func (t BufferedTurn) Last() bus.InboundMessage {
	if len(t.Messages) == 0 {
		return bus.InboundMessage{}
	}
	return t.Messages[len(t.Messages)-1]
}

func (t *BufferedTurn) add(m bus.InboundMessage) {
	t.Messages = append(t.Messages, m)
	if m.Text != "" {
		if t.MergedText != "" {
			t.MergedText += " "
		}
		t.MergedText += m.Text
	}
	t.Attachments = append(t.Attachments, m.Attachments...)
	t.Override = t.Override.Merge(m.Override)
}

// Merge appends the members of later to t, as if they had been submitted
// into the same window.
func (t BufferedTurn) Merge(later BufferedTurn) BufferedTurn {
	out := BufferedTurn{
		SessionKey:    t.SessionKey,
		OpenedAt:      t.OpenedAt,
		FlushDeadline: later.FlushDeadline,
	}
	for _, m := range t.Messages {
		out.add(m)
	}
	for _, m := range later.Messages {
		out.add(m)
	}
	return out
}

// Text returns MergedText with surrounding whitespace trimmed.
func (t BufferedTurn) Text() string { return strings.TrimSpace(t.MergedText) }

// Timer is the part of *time.Timer the buffer needs.
type Timer interface{ Stop() bool }

// Clock abstracts time so tests can fire windows deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type window struct {
	turn  *BufferedTurn
	timer Timer
	gen   uint64
}

// Buffer holds the open windows. Flush is called from timer goroutines,
// outside any lock, once per closed window and in the order windows close
// for a given key.
type Buffer struct {
	window  time.Duration
	clock   Clock
	flush   func(BufferedTurn)
	windows keyed.Map[window]
	closed  atomic.Bool
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(b *Buffer) { b.clock = c } }

// New creates a buffer with window w. A non-positive w disables merging.
func New(w time.Duration, flush func(BufferedTurn), opts ...Option) *Buffer {
	b := &Buffer{window: w, clock: realClock{}, flush: flush}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Submit adds msg to its session's window. It returns a turn only when the
// message could not be buffered (merging disabled or buffer closed); the
// caller must then process that turn itself.
func (b *Buffer) Submit(msg bus.InboundMessage) (BufferedTurn, bool) {
	key := sessions.KeyFor(msg)
	now := b.clock.Now()

	if b.window <= 0 || b.closed.Load() {
		if b.closed.Load() {
			slog.Warn("debounce fallback", "session", key, "error", ErrScheduling)
		}
		t := BufferedTurn{SessionKey: key, OpenedAt: now, FlushDeadline: now}
		t.add(msg)
		return t, true
	}

	b.windows.With(key, func(w *window) bool {
		if w.turn == nil {
			w.turn = &BufferedTurn{SessionKey: key, OpenedAt: now}
		}
		if w.timer != nil {
			w.timer.Stop()
		}
		w.turn.add(msg)
		w.turn.FlushDeadline = now.Add(b.window)
		w.gen++
		gen := w.gen
		w.timer = b.clock.AfterFunc(b.window, func() { b.fire(key, gen) })
		return true
	})
	return BufferedTurn{}, false
}

func (b *Buffer) fire(key string, gen uint64) {
	var out *BufferedTurn
	b.windows.Peek(key, func(w *window) bool {
		if w.gen != gen || w.turn == nil {
			// Superseded by a later submission or cancelled.
			return true
		}
		out = w.turn
		return false
	})
	if out != nil {
		b.flush(*out)
	}
}

// Cancel closes key's window without flushing and returns what it held.
func (b *Buffer) Cancel(key string) (BufferedTurn, bool) {
	var out *BufferedTurn
	b.windows.Peek(key, func(w *window) bool {
		if w.timer != nil {
			w.timer.Stop()
		}
		out = w.turn
		return false
	})
	if out == nil {
		return BufferedTurn{}, false
	}
	return *out, true
}

// Open reports whether key has an open window.
func (b *Buffer) Open(key string) bool {
	open := false
	b.windows.Peek(key, func(w *window) bool {
		open = w.turn != nil
		return open
	})
	return open
}

// Close flushes every open window immediately and makes later submissions
// fall through to the caller.
func (b *Buffer) Close() {
	if b.closed.Swap(true) {
		return
	}
	var pending []BufferedTurn
	b.windows.Range(func(_ string, w *window) bool {
		if w.timer != nil {
			w.timer.Stop()
		}
		if w.turn != nil {
			pending = append(pending, *w.turn)
		}
		return false
	})
	for _, t := range pending {
		b.flush(t)
	}
}
