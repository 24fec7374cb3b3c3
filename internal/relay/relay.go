// Package relay drives one streaming completion and turns it into a
// sequence of card-lifecycle events.
//
//	pending -> thinking -> streaming -> finalized
//	    \_________\___________\______-> failed
//
// States never regress and every handle yields exactly one terminal event
// (final or failed) as its last event.
package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wkin-t/dingtalk-ai-bot/internal/providers"
)

// State is the turn's card state.
type State string

const (
	StatePending   State = "pending"
	StateThinking  State = "thinking"
	StateStreaming State = "streaming"
	StateFinalized State = "finalized"
	StateFailed    State = "failed"
)

var stateOrder = map[State]int{StatePending: 0, StateThinking: 1, StateStreaming: 2, StateFinalized: 3, StateFailed: 3}

// Terminal reports whether s ends the turn.
func (s State) Terminal() bool { return s == StateFinalized || s == StateFailed }

// Kind classifies events.
type Kind string

const (
	KindState   Kind = "state"
	KindPartial Kind = "partial"
	KindFinal   Kind = "final"
	KindFailed  Kind = "failed"
)

// Reason explains a failed event.
type Reason string

const (
	ReasonCancelled Reason = "cancelled"
	ReasonUpstream  Reason = "upstream"
	ReasonTimeout   Reason = "timeout"
)

var (
	// ErrEmptyResponse is reported when the stream ends without any content.
	ErrEmptyResponse = errors.New("relay: empty response")
	// ErrInvalidRequest rejects a request with no model or no messages.
	ErrInvalidRequest = errors.New("relay: request needs a model and messages")
)

// Event is one step of a turn. Text and Thinking are cumulative.
type Event struct {
	Kind     Kind
	State    State
	Text     string
	Thinking string
	Usage    *providers.Usage

	// Set on failed events only.
	Reason           Reason
	BeforeFirstToken bool
	Retryable        bool
	Err              error
}

// Options tune a Relay.
type Options struct {
	Throttle     time.Duration // minimum gap between partial events (default 500ms)
	ChunkTimeout time.Duration // max wait for one upstream chunk (default 60s)
}

// Relay starts streams against one provider.
type Relay struct {
	provider providers.Provider
	opts     Options
}

// New creates a relay.
func New(p providers.Provider, opts Options) *Relay {
	if opts.Throttle <= 0 {
		opts.Throttle = 500 * time.Millisecond
	}
	if opts.ChunkTimeout <= 0 {
		opts.ChunkTimeout = 60 * time.Second
	}
	return &Relay{provider: p, opts: opts}
}

// Start prepares a turn. Nothing is sent upstream until the first Next.
func (r *Relay) Start(ctx context.Context, req providers.Request) (*Handle, error) {
	if req.Model == "" || len(req.Messages) == 0 {
		return nil, ErrInvalidRequest
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Handle{
		relay:   r,
		req:     req,
		ctx:     ctx,
		cancel:  cancel,
		state:   StatePending,
		limiter: rate.NewLimiter(rate.Every(r.opts.Throttle), 1),
	}, nil
}

// Handle is a single-use, pull-based event source. Next is not safe for
// concurrent use; Cancel may be called from any goroutine.
type Handle struct {
	relay  *Relay
	req    providers.Request
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	cancelled bool

	stream   providers.Stream
	state    State
	done     bool
	queue    []Event
	text     string
	thinking string
	usage    *providers.Usage
	sent     string // text+thinking last delivered in a partial
	gotToken bool

	limiter *rate.Limiter
	flushAt time.Time // reserved partial slot, zero when none
}

// Cancel aborts the turn. The next call to Next yields failed/cancelled.
func (h *Handle) Cancel() {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
	h.cancel()
}

func (h *Handle) isCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// State returns the current state.
func (h *Handle) State() State { return h.state }

// Next returns the next event, or false once the terminal event has been
// returned. ctx bounds this call; its cancellation cancels the turn.
func (h *Handle) Next(ctx context.Context) (Event, bool) {
	if len(h.queue) > 0 {
		return h.pop(), true
	}
	if h.done {
		return Event{}, false
	}
	stop := context.AfterFunc(ctx, h.Cancel)
	defer stop()

	if h.state == StatePending {
		if h.isCancelled() {
			h.fail(ReasonCancelled, context.Canceled, false)
			return h.pop(), true
		}
		s, err := h.relay.provider.Stream(h.ctx, h.req)
		if err != nil {
			h.failFrom(err)
			return h.pop(), true
		}
		h.stream = s
		h.transition(StateThinking)
		return h.pop(), true
	}

	for len(h.queue) == 0 && !h.done {
		h.step()
	}
	return h.pop(), true
}

// step receives at most one chunk and queues the resulting events.
func (h *Handle) step() {
	now := time.Now()
	deadline := now.Add(h.relay.opts.ChunkTimeout)
	throttled := !h.flushAt.IsZero() && h.flushAt.Before(deadline)
	if throttled {
		deadline = h.flushAt
	}
	rctx, cancel := context.WithDeadline(h.ctx, deadline)
	chunk, err := h.stream.Recv(rctx)
	cancel()

	switch {
	case err == nil:
		h.absorb(chunk)
		h.maybePartial()
	case errors.Is(err, io.EOF):
		h.finish()
	case h.isCancelled():
		h.fail(ReasonCancelled, context.Canceled, false)
	case errors.Is(err, context.DeadlineExceeded) && h.ctx.Err() == nil:
		if throttled {
			// Throttle slot came due while upstream was quiet.
			h.emitPartial()
			return
		}
		h.fail(ReasonTimeout, err, true)
	default:
		h.failFrom(err)
	}
}

func (h *Handle) absorb(c providers.Chunk) {
	h.thinking += c.Thinking
	if c.Content != "" {
		if !h.gotToken {
			h.gotToken = true
			h.transition(StateStreaming)
		}
		h.text += c.Content
	}
	if c.Usage != nil {
		h.usage = c.Usage
	}
}

func (h *Handle) maybePartial() {
	if h.text+h.thinking == h.sent {
		return
	}
	now := time.Now()
	if !h.flushAt.IsZero() {
		if !now.Before(h.flushAt) {
			h.emitPartial()
		}
		return
	}
	r := h.limiter.ReserveN(now, 1)
	if d := r.DelayFrom(now); d > 0 {
		h.flushAt = now.Add(d)
		return
	}
	h.emitPartial()
}

func (h *Handle) emitPartial() {
	h.flushAt = time.Time{}
	if h.text+h.thinking == h.sent {
		return
	}
	h.sent = h.text + h.thinking
	h.queue = append(h.queue, Event{Kind: KindPartial, State: h.state, Text: h.text, Thinking: h.thinking})
}

func (h *Handle) finish() {
	if h.text == "" {
		h.fail(ReasonUpstream, ErrEmptyResponse, true)
		return
	}
	h.transition(StateFinalized)
	h.queue = append(h.queue, Event{Kind: KindFinal, State: StateFinalized, Text: h.text, Thinking: h.thinking, Usage: h.usage})
	h.close()
}

func (h *Handle) failFrom(err error) {
	if h.isCancelled() {
		h.fail(ReasonCancelled, context.Canceled, false)
		return
	}
	var ue *providers.UpstreamError
	retryable := errors.As(err, &ue) && ue.Retryable
	if errors.Is(err, context.DeadlineExceeded) {
		h.fail(ReasonTimeout, err, true)
		return
	}
	h.fail(ReasonUpstream, err, retryable)
}

// fail queues the terminal failed event. Retryable is only kept for
// failures before the first token; later ones would duplicate shown text.
func (h *Handle) fail(reason Reason, err error, retryable bool) {
	before := !h.gotToken
	h.state = StateFailed
	h.queue = append(h.queue, Event{
		Kind:             KindFailed,
		State:            StateFailed,
		Text:             h.text,
		Thinking:         h.thinking,
		Usage:            h.usage,
		Reason:           reason,
		BeforeFirstToken: before,
		Retryable:        retryable && before && reason != ReasonCancelled,
		Err:              err,
	})
	h.close()
}

func (h *Handle) transition(s State) {
	if stateOrder[s] <= stateOrder[h.state] {
		return
	}
	h.state = s
	if !s.Terminal() {
		h.queue = append(h.queue, Event{Kind: KindState, State: s, Text: h.text, Thinking: h.thinking})
	}
}

func (h *Handle) close() {
	h.done = true
	if h.stream != nil {
		h.stream.Close()
	}
	h.cancel()
}

func (h *Handle) pop() Event {
	e := h.queue[0]
	h.queue = h.queue[1:]
	return e
}
