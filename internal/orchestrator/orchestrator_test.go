package orchestrator

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wkin-t/dingtalk-ai-bot/internal/bus"
	"github.com/wkin-t/dingtalk-ai-bot/internal/channels"
	"github.com/wkin-t/dingtalk-ai-bot/internal/debounce"
	"github.com/wkin-t/dingtalk-ai-bot/internal/providers"
	"github.com/wkin-t/dingtalk-ai-bot/internal/relay"
	"github.com/wkin-t/dingtalk-ai-bot/internal/router"
	"github.com/wkin-t/dingtalk-ai-bot/internal/sessions"
	"github.com/wkin-t/dingtalk-ai-bot/internal/store"
	"github.com/wkin-t/dingtalk-ai-bot/internal/store/memory"
)

// chanStream yields chunks until its channel closes.
type chanStream struct {
	chunks chan providers.Chunk
}

func (s *chanStream) Recv(ctx context.Context) (providers.Chunk, error) {
	select {
	case c, ok := <-s.chunks:
		if !ok {
			return providers.Chunk{}, io.EOF
		}
		return c, nil
	case <-ctx.Done():
		return providers.Chunk{}, ctx.Err()
	}
}

func (s *chanStream) Close() error { return nil }

// fakeProvider hands out one scripted stream per call.
type fakeProvider struct {
	mu       sync.Mutex
	scripts  []func() (providers.Stream, error)
	requests []providers.Request
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Chat(context.Context, providers.Request) (*providers.Response, error) {
	return nil, errors.New("unused")
}

func (p *fakeProvider) Stream(_ context.Context, req providers.Request) (providers.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.scripts) == 0 {
		return nil, errors.New("no script left")
	}
	next := p.scripts[0]
	p.scripts = p.scripts[1:]
	return next()
}

func (p *fakeProvider) seen() []providers.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]providers.Request(nil), p.requests...)
}

func replies(texts ...string) func() (providers.Stream, error) {
	return func() (providers.Stream, error) {
		ch := make(chan providers.Chunk, len(texts))
		for _, t := range texts {
			ch <- providers.Chunk{Content: t}
		}
		close(ch)
		return &chanStream{chunks: ch}, nil
	}
}

// held returns a stream fed through ch; it stays open until ch is closed.
func held(ch chan providers.Chunk) func() (providers.Stream, error) {
	return func() (providers.Stream, error) { return &chanStream{chunks: ch}, nil }
}

func failing(err error) func() (providers.Stream, error) {
	return func() (providers.Stream, error) { return nil, err }
}

type fakeAdapter struct {
	mu       sync.Mutex
	partials []channels.Update
	finals   []final
	notices  []string
	events   chan string
	hold     chan struct{} // when set, DeliverFinal blocks until it is closed
}

type final struct {
	d channels.Delivery
	u channels.Update
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{events: make(chan string, 64)} }

func (a *fakeAdapter) Platform() bus.Platform { return bus.PlatformWeCom }
func (a *fakeAdapter) Start(context.Context) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error { return nil }
func (a *fakeAdapter) Normalize([]byte) (bus.InboundMessage, error) {
	return bus.InboundMessage{}, nil
}
func (a *fakeAdapter) FetchAttachment(context.Context, bus.Attachment) ([]byte, error) {
	return nil, errors.New("no media")
}

func (a *fakeAdapter) DeliverPartialUpdate(_ context.Context, _ channels.Delivery, u channels.Update) error {
	a.mu.Lock()
	a.partials = append(a.partials, u)
	a.mu.Unlock()
	a.events <- "partial"
	return nil
}

func (a *fakeAdapter) DeliverFinal(_ context.Context, d channels.Delivery, u channels.Update) error {
	a.mu.Lock()
	a.finals = append(a.finals, final{d, u})
	hold := a.hold
	a.mu.Unlock()
	a.events <- "final"
	if hold != nil {
		<-hold
	}
	return nil
}

func (a *fakeAdapter) DeliverNotice(_ context.Context, _ bus.InboundMessage, text string) error {
	a.mu.Lock()
	a.notices = append(a.notices, text)
	a.mu.Unlock()
	a.events <- "notice"
	return nil
}

func (a *fakeAdapter) Get(bus.Platform) (channels.PlatformAdapter, bool) { return a, true }

// await blocks until the adapter reports kind.
func (a *fakeAdapter) await(t *testing.T, kind string) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case got := <-a.events:
			if got == kind {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func (a *fakeAdapter) lastFinal(t *testing.T) final {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.finals) == 0 {
		t.Fatal("no final delivered")
	}
	return a.finals[len(a.finals)-1]
}

func (a *fakeAdapter) noticeTexts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.notices...)
}

type fixedDecider struct{ d router.Decision }

func (f fixedDecider) Decide(context.Context, debounce.BufferedTurn, []store.HistoryEntry) router.Decision {
	return f.d
}

type harness struct {
	o        *Orchestrator
	provider *fakeProvider
	adapter  *fakeAdapter
	store    *memory.Store
}

func newHarness(t *testing.T, d router.Decision, scripts ...func() (providers.Stream, error)) *harness {
	t.Helper()
	return newHarnessWith(t, nil, d, scripts...)
}

// newHarnessWith lets a test adjust the config and collaborators before
// the orchestrator is built.
func newHarnessWith(t *testing.T, tweak func(*Config, *Deps), d router.Decision, scripts ...func() (providers.Stream, error)) *harness {
	t.Helper()
	h := &harness{
		provider: &fakeProvider{scripts: scripts},
		adapter:  newFakeAdapter(),
		store:    memory.New(store.Options{}),
	}
	cfg := Config{
		BotName:      "Gem",
		FlashModel:   "flash-model",
		ProModel:     "pro-model",
		RetryCheaper: true,
	}
	deps := Deps{
		Memory:   sessions.NewMemory(h.store, nil),
		Router:   fixedDecider{d},
		Relay:    relay.New(h.provider, relay.Options{Throttle: time.Millisecond, ChunkTimeout: 2 * time.Second}),
		Adapters: h.adapter,
	}
	if tweak != nil {
		tweak(&cfg, &deps)
	}
	h.o = New(cfg, deps)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		h.o.Close(ctx)
	})
	return h
}

func userMsg(id, text string) bus.InboundMessage {
	return bus.Finish(bus.InboundMessage{
		Platform:         bus.PlatformWeCom,
		MessageID:        id,
		ConversationID:   "u1",
		ConversationType: bus.ConversationSingle,
		SenderID:         "u1",
		SenderNick:       "Bo",
		Text:             text,
		Mentioned:        true,
		ReceivedAt:       time.Now(),
	})
}

var flashLow = router.Decision{Tier: router.TierFlash, Thinking: router.ThinkingLow, Source: router.SourceHeuristic}

var proHigh = router.Decision{Tier: router.TierPro, Thinking: router.ThinkingHigh, Source: router.SourceHeuristic}

func TestTurnFinalizesAndAppends(t *testing.T) {
	h := newHarness(t, flashLow, replies("你好", "，Bo"))
	h.o.Handle(userMsg("m1", "hi"))
	h.adapter.await(t, "final")

	f := h.adapter.lastFinal(t)
	if f.u.Text != "你好，Bo" || f.u.Failed {
		t.Fatalf("final = %+v", f.u)
	}
	if !strings.HasPrefix(f.u.Status, "flash-model") {
		t.Errorf("status = %q", f.u.Status)
	}

	entries, _ := h.store.GetContext(context.Background(), f.d.SessionKey)
	if len(entries) != 2 {
		t.Fatalf("stored %d entries", len(entries))
	}
	if entries[0].Content != "Bo: hi" || entries[1].Content != "你好，Bo" {
		t.Errorf("entries = %+v", entries)
	}

	req := h.provider.seen()[0]
	if req.Model != "flash-model" || req.ReasoningEffort != "low" {
		t.Errorf("request = %+v", req)
	}
	if req.Messages[0].Role != "system" || !strings.HasSuffix(req.Messages[len(req.Messages)-1].Content, "Bo: hi") {
		t.Errorf("messages = %+v", req.Messages)
	}
}

func TestStopCancelsInflightTurn(t *testing.T) {
	ch := make(chan providers.Chunk, 1)
	h := newHarness(t, flashLow, held(ch))
	h.o.Handle(userMsg("m1", "写一篇长文"))
	ch <- providers.Chunk{Content: "第一段"}
	h.adapter.await(t, "partial")

	h.o.Handle(userMsg("m2", "/stop"))
	h.adapter.await(t, "final")

	f := h.adapter.lastFinal(t)
	if !strings.HasSuffix(f.u.Text, MarkerStopped) || !strings.HasPrefix(f.u.Text, "第一段") {
		t.Errorf("final = %q", f.u.Text)
	}
	if !f.u.Failed {
		t.Error("stopped turn should close as failed")
	}
	entries, _ := h.store.GetContext(context.Background(), f.d.SessionKey)
	if len(entries) != 0 {
		t.Errorf("stopped turn was stored: %+v", entries)
	}
	if notes := h.adapter.noticeTexts(); len(notes) != 1 || notes[0] != AckStop {
		t.Errorf("notices = %v", notes)
	}
}

func TestStopWithNothingRunning(t *testing.T) {
	h := newHarness(t, flashLow)
	h.o.Handle(userMsg("m1", "/stop"))
	h.adapter.await(t, "notice")
	if notes := h.adapter.noticeTexts(); notes[0] != AckNothingRun {
		t.Errorf("notices = %v", notes)
	}
}

func TestRetryableFailureFallsBackToCheaperTier(t *testing.T) {
	upstream := &providers.UpstreamError{Provider: "fake", Status: 503, Retryable: true, Err: errors.New("overloaded")}
	h := newHarness(t, proHigh, failing(upstream), replies("ok"))
	h.o.Handle(userMsg("m1", "深度思考一下"))
	h.adapter.await(t, "final")

	reqs := h.provider.seen()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d", len(reqs))
	}
	if reqs[0].Model != "pro-model" || reqs[1].Model != "flash-model" || reqs[1].ReasoningEffort != "low" {
		t.Errorf("models = %s/%s effort %s", reqs[0].Model, reqs[1].Model, reqs[1].ReasoningEffort)
	}
	if f := h.adapter.lastFinal(t); f.u.Text != "ok" || f.u.Failed {
		t.Errorf("final = %+v", f.u)
	}
}

func TestNonRetryableFailureShowsMarker(t *testing.T) {
	upstream := &providers.UpstreamError{Provider: "fake", Status: 400, Err: errors.New("bad request")}
	h := newHarness(t, proHigh, failing(upstream))
	h.o.Handle(userMsg("m1", "hi"))
	h.adapter.await(t, "final")

	f := h.adapter.lastFinal(t)
	if !f.u.Failed || !strings.HasPrefix(f.u.Text, "❌ **API 请求失败**") || !strings.Contains(f.u.Text, "bad request") {
		t.Errorf("final = %+v", f.u)
	}
	if n := len(h.provider.seen()); n != 1 {
		t.Errorf("requests = %d, want no retry", n)
	}
}

func TestEmptyResponseRetriesOnce(t *testing.T) {
	h := newHarness(t, proHigh, replies(), replies())
	h.o.Handle(userMsg("m1", "hi"))
	h.adapter.await(t, "final")

	if n := len(h.provider.seen()); n != 2 {
		t.Errorf("requests = %d", n)
	}
	if f := h.adapter.lastFinal(t); !f.u.Failed {
		t.Errorf("final = %+v", f.u)
	}
}

func TestClearWipesMemory(t *testing.T) {
	h := newHarness(t, flashLow)
	key := sessions.KeyFor(userMsg("m0", "x"))
	now := time.Now()
	if err := h.store.AppendTurn(context.Background(), key, store.NewEntry(store.RoleUser, "Bo: a", now), store.NewEntry(store.RoleAssistant, "b", now)); err != nil {
		t.Fatal(err)
	}

	h.o.Handle(userMsg("m1", "清空上下文"))
	h.adapter.await(t, "notice")

	if notes := h.adapter.noticeTexts(); notes[0] != AckClear {
		t.Errorf("notices = %v", notes)
	}
	entries, _ := h.store.GetContext(context.Background(), key)
	if len(entries) != 0 {
		t.Errorf("entries survived clear: %+v", entries)
	}
}

func TestRetryRerunsLastTurn(t *testing.T) {
	h := newHarness(t, flashLow, replies("first"), replies("second"))
	h.o.Handle(userMsg("m1", "讲个笑话"))
	h.adapter.await(t, "final")

	h.o.Handle(userMsg("m2", "/retry"))
	h.adapter.await(t, "final")

	f := h.adapter.lastFinal(t)
	if f.u.Text != "second" || f.d.Reply.MessageID != "m2" {
		t.Errorf("final = %+v reply to %s", f.u, f.d.Reply.MessageID)
	}
	reqs := h.provider.seen()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d", len(reqs))
	}
	last := reqs[1].Messages[len(reqs[1].Messages)-1].Content
	if !strings.HasSuffix(last, "讲个笑话") {
		t.Errorf("retry prompt = %q", last)
	}
}

func TestRetryWithoutHistory(t *testing.T) {
	h := newHarness(t, flashLow)
	h.o.Handle(userMsg("m1", "重试"))
	h.adapter.await(t, "notice")
	if notes := h.adapter.noticeTexts(); notes[0] != AckNoRetry {
		t.Errorf("notices = %v", notes)
	}
}

func TestFlushesBehindInflightTurnMerge(t *testing.T) {
	ch := make(chan providers.Chunk, 1)
	h := newHarness(t, flashLow, held(ch), replies("merged answer"))
	h.o.Handle(userMsg("m1", "one"))
	ch <- providers.Chunk{Content: "partial"}
	h.adapter.await(t, "partial")

	h.o.Handle(userMsg("m2", "two"))
	h.o.Handle(userMsg("m3", "three"))
	if !h.o.Busy(sessions.KeyFor(userMsg("m2", "two"))) {
		t.Fatal("session should be busy")
	}
	close(ch)
	h.adapter.await(t, "final") // first turn
	h.adapter.await(t, "final") // merged pending turn

	f := h.adapter.lastFinal(t)
	if f.u.Text != "merged answer" {
		t.Fatalf("final = %+v", f.u)
	}
	if f.d.Reply.MessageID != "m3" || len(f.d.Superseded) != 1 || f.d.Superseded[0].MessageID != "m2" {
		t.Errorf("delivery reply=%s superseded=%v", f.d.Reply.MessageID, f.d.Superseded)
	}
	reqs := h.provider.seen()
	if last := reqs[1].Messages[len(reqs[1].Messages)-1].Content; !strings.HasSuffix(last, "two three") {
		t.Errorf("merged prompt = %q", last)
	}
}

func TestEmptyTurnGetsNote(t *testing.T) {
	h := newHarness(t, flashLow)
	h.o.Handle(userMsg("m1", "   "))
	h.adapter.await(t, "final")
	if f := h.adapter.lastFinal(t); f.u.Text != NoteEmptyTurn {
		t.Errorf("final = %+v", f.u)
	}
	if n := len(h.provider.seen()); n != 0 {
		t.Errorf("requests = %d", n)
	}
}

func TestStatusLine(t *testing.T) {
	o := &Orchestrator{}
	got := o.status(router.Decision{Tier: router.TierPro, Thinking: router.ThinkingHigh, EnableSearch: true}, "pro-model")
	if got != "pro-model · 思考 high · 联网搜索" {
		t.Errorf("status = %q", got)
	}
}
