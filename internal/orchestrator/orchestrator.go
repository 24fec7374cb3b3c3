// Package orchestrator drives turns end to end: it consumes normalized
// messages, debounces them per session, handles control commands and runs
// each flushed turn through routing, the streaming relay and delivery.
//
// Every session key has at most one in-flight turn. A turn flushed while
// another is streaming waits in a single pending slot; further flushes
// merge into that slot instead of queueing behind it.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wkin-t/dingtalk-ai-bot/internal/bus"
	"github.com/wkin-t/dingtalk-ai-bot/internal/channels"
	"github.com/wkin-t/dingtalk-ai-bot/internal/config"
	"github.com/wkin-t/dingtalk-ai-bot/internal/debounce"
	"github.com/wkin-t/dingtalk-ai-bot/internal/keyed"
	"github.com/wkin-t/dingtalk-ai-bot/internal/media"
	"github.com/wkin-t/dingtalk-ai-bot/internal/metrics"
	"github.com/wkin-t/dingtalk-ai-bot/internal/providers"
	"github.com/wkin-t/dingtalk-ai-bot/internal/relay"
	"github.com/wkin-t/dingtalk-ai-bot/internal/router"
	"github.com/wkin-t/dingtalk-ai-bot/internal/sessions"
	"github.com/wkin-t/dingtalk-ai-bot/internal/store"
)

const (
	storeTimeout   = 5 * time.Second
	deliverTimeout = 15 * time.Second
)

// Decider picks the routing decision for a turn.
type Decider interface {
	Decide(ctx context.Context, turn debounce.BufferedTurn, history []store.HistoryEntry) router.Decision
}

// Streamer starts streaming completions.
type Streamer interface {
	Start(ctx context.Context, req providers.Request) (*relay.Handle, error)
}

// Adapters looks up the adapter that owns a platform.
type Adapters interface {
	Get(p bus.Platform) (channels.PlatformAdapter, bool)
}

// MediaResolver turns attachments into images and text notes.
type MediaResolver interface {
	Resolve(ctx context.Context, f media.Fetcher, atts []bus.Attachment) media.Resolved
}

// Config holds the per-deployment turn settings.
type Config struct {
	BotName         string
	Location        *time.Location
	FlashModel      string
	ProModel        string
	IncludeThoughts bool
	MaxTokens       int
	Temperature     float32
	RetryCheaper    bool
	Window          time.Duration
	// RetryTTL bounds how long an idle session keeps its last turn for
	// retry. Zero keeps it until the session is cleared.
	RetryTTL time.Duration
	// QuoteReferences quotes the previous user message into turns that
	// refer back to it.
	QuoteReferences bool
	// PlainPrompt and HistoryLimit shape requests for agent backends.
	PlainPrompt  bool
	HistoryLimit int
}

// ConfigFrom derives the orchestrator settings from the loaded config.
func ConfigFrom(c *config.Config) Config {
	cfg := Config{
		BotName:         c.Bot.Name,
		Location:        LoadLocation(c.Bot.Timezone),
		FlashModel:      c.Gemini.FlashModel,
		ProModel:        c.Gemini.ProModel,
		IncludeThoughts: c.Gemini.IncludeThoughts,
		MaxTokens:       c.Gemini.MaxTokens,
		Temperature:     float32(c.Gemini.Temperature),
		RetryCheaper:    c.Relay.RetryEnabled(),
		Window:          c.Debounce.Window(),
		RetryTTL:        c.Sessions.TTL(),
		QuoteReferences: c.Bot.QuoteReferences(),
	}
	if c.Backend == "openclaw" {
		cfg.BotName = c.OpenClaw.BotName
		cfg.FlashModel = providers.OpenClawModel
		cfg.ProModel = providers.OpenClawModel
		cfg.IncludeThoughts = false
		cfg.RetryCheaper = false
		cfg.PlainPrompt = true
		cfg.HistoryLimit = c.OpenClaw.ContextMessages
	}
	return cfg
}

// Deps are the collaborators of an Orchestrator. Media, Events, Metrics
// and Clock are optional.
type Deps struct {
	Memory   *sessions.Memory
	Router   Decider
	Relay    Streamer
	Adapters Adapters
	Media    MediaResolver
	Events   bus.EventPublisher
	Metrics  *metrics.Metrics
	Clock    debounce.Clock
}

// queued is a turn waiting to run. replyTo overrides where the reply goes
// (a retry answers the retry command, not the original message).
type queued struct {
	turn    debounce.BufferedTurn
	replyTo *bus.InboundMessage
}

// run is one dispatched turn. Its fields are only touched under the
// session key's lock.
type run struct {
	id      string
	q       queued
	ctx     context.Context
	cancel  context.CancelFunc
	handle  *relay.Handle
	stopped bool
}

type keyState struct {
	inflight *run
	pending  *queued
	last     *queued // most recently dispatched, for retry
	lastAt   time.Time
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	prompt Prompt
	buffer *debounce.Buffer
	keys   keyed.Map[keyState]

	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed sync.Once
}

// New wires an orchestrator. Call Run to start consuming.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.BotName == "" {
		cfg.BotName = "Gem"
	}
	if deps.Media == nil {
		deps.Media = media.NewResolver(config.MediaConfig{}, nil)
	}
	base, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		prompt: Prompt{BotName: cfg.BotName, Location: cfg.Location, Plain: cfg.PlainPrompt, HistoryLimit: cfg.HistoryLimit},
		base:   base,
		stop:   stop,
	}
	var opts []debounce.Option
	if deps.Clock != nil {
		opts = append(opts, debounce.WithClock(deps.Clock))
	}
	o.buffer = debounce.New(cfg.Window, o.dispatch, opts...)
	return o
}

func (o *Orchestrator) now() time.Time {
	if o.deps.Clock != nil {
		return o.deps.Clock.Now()
	}
	return time.Now()
}

// Run consumes inbound messages until ctx is done.
func (o *Orchestrator) Run(ctx context.Context, in bus.MessageRouter) {
	slog.Info("orchestrator started", "window", o.cfg.Window, "flash", o.cfg.FlashModel, "pro", o.cfg.ProModel)
	if o.cfg.RetryTTL > 0 {
		go o.janitor(ctx)
	}
	for {
		msg, ok := in.ConsumeInbound(ctx)
		if !ok {
			slog.Info("orchestrator stopped consuming")
			return
		}
		o.Handle(msg)
	}
}

// Handle accepts one normalized message. Commands bypass the debounce
// window; everything else is buffered.
func (o *Orchestrator) Handle(msg bus.InboundMessage) {
	o.deps.Metrics.Inbound(string(msg.Platform))
	if msg.Command != bus.CommandNone {
		o.command(msg)
		return
	}
	if turn, now := o.buffer.Submit(msg); now {
		o.dispatch(turn)
	}
}

// Close flushes open windows and waits for running turns. When ctx ends
// first, the remaining turns are cancelled.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.closed.Do(o.buffer.Close)
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		o.stop()
		<-done
		return ctx.Err()
	}
}

// dispatch is the debounce flush callback.
func (o *Orchestrator) dispatch(turn debounce.BufferedTurn) {
	o.enqueue(queued{turn: turn})
}

func (o *Orchestrator) enqueue(q queued) {
	var start *run
	o.keys.With(q.turn.SessionKey, func(st *keyState) bool {
		if st.inflight == nil {
			start = o.startLocked(st, q)
			return true
		}
		if st.pending == nil {
			st.pending = &q
		} else {
			replyTo := q.replyTo
			if replyTo == nil {
				replyTo = st.pending.replyTo
			}
			merged := queued{turn: st.pending.turn.Merge(q.turn), replyTo: replyTo}
			st.pending = &merged
		}
		slog.Debug("turn queued behind in-flight turn", "session", q.turn.SessionKey, "members", len(st.pending.turn.Messages))
		return true
	})
	if start != nil {
		o.launch(start)
	}
}

func (o *Orchestrator) startLocked(st *keyState, q queued) *run {
	ctx, cancel := context.WithCancel(o.base)
	r := &run{id: uuid.NewString(), q: q, ctx: ctx, cancel: cancel}
	st.inflight = r
	last := q
	st.last = &last
	st.lastAt = o.now()
	return r
}

func (o *Orchestrator) launch(r *run) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer r.cancel()
		o.execute(r)
		o.finished(r)
	}()
}

// finished clears the in-flight slot and starts the pending turn, if any.
func (o *Orchestrator) finished(r *run) {
	var next *run
	o.keys.With(r.q.turn.SessionKey, func(st *keyState) bool {
		if st.inflight == r {
			st.inflight = nil
		}
		if st.inflight == nil && st.pending != nil {
			q := *st.pending
			st.pending = nil
			next = o.startLocked(st, q)
		}
		return o.keepLocked(st)
	})
	if next != nil {
		o.launch(next)
	}
}

// attach records the relay handle so stop can reach it. It reports false
// when the run was stopped before the handle existed.
func (o *Orchestrator) attach(r *run, h *relay.Handle) bool {
	ok := true
	o.keys.With(r.q.turn.SessionKey, func(st *keyState) bool {
		r.handle = h
		ok = !r.stopped
		return true
	})
	return ok
}

func (o *Orchestrator) stopped(r *run) bool {
	var s bool
	o.keys.With(r.q.turn.SessionKey, func(st *keyState) bool {
		s = r.stopped
		return true
	})
	return s
}

func stopLocked(r *run) {
	r.stopped = true
	if r.handle != nil {
		r.handle.Cancel()
	}
	r.cancel()
}

// keepLocked reports whether st still holds anything worth keeping.
func (o *Orchestrator) keepLocked(st *keyState) bool {
	if st.inflight != nil || st.pending != nil {
		return true
	}
	return st.last != nil && !o.expiredLocked(st, o.now())
}

func (o *Orchestrator) expiredLocked(st *keyState, now time.Time) bool {
	return o.cfg.RetryTTL > 0 && now.Sub(st.lastAt) >= o.cfg.RetryTTL
}

// prune drops idle sessions whose retry target has expired and reports
// how many remain.
func (o *Orchestrator) prune(now time.Time) int {
	o.keys.Range(func(_ string, st *keyState) bool {
		if st.inflight != nil || st.pending != nil {
			return true
		}
		return st.last != nil && !o.expiredLocked(st, now)
	})
	return o.keys.Len()
}

func (o *Orchestrator) janitor(ctx context.Context) {
	every := o.cfg.RetryTTL / 4
	if every > 10*time.Minute {
		every = 10 * time.Minute
	}
	if every < time.Second {
		every = time.Second
	}
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if n := o.prune(o.now()); n > 0 {
				slog.Debug("session state pruned", "live", n)
			}
		}
	}
}

// Busy reports whether key has a turn in flight.
func (o *Orchestrator) Busy(key string) bool {
	busy := false
	o.keys.Peek(key, func(st *keyState) bool {
		busy = st.inflight != nil
		return true
	})
	return busy
}

func (o *Orchestrator) broadcast(name string, payload interface{}) {
	if o.deps.Events == nil {
		return
	}
	o.deps.Events.Broadcast(bus.Event{Name: name, Payload: payload})
}

func (o *Orchestrator) notice(msg bus.InboundMessage, text string) {
	adapter, ok := o.deps.Adapters.Get(msg.Platform)
	if !ok {
		slog.Error("no adapter for platform", "platform", msg.Platform)
		return
	}
	ctx, cancel := context.WithTimeout(o.base, deliverTimeout)
	defer cancel()
	if err := adapter.DeliverNotice(ctx, msg, text); err != nil {
		slog.Warn("deliver notice failed", "platform", msg.Platform, "session", sessions.KeyFor(msg), "error", err)
	}
}
