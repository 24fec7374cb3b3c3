package relay

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/wkin-t/dingtalk-ai-bot/internal/providers"
)

type step struct {
	chunk providers.Chunk
	err   error
	delay time.Duration
}

// fakeStream replays steps. A delayed step is held until its time comes,
// so a Recv that gives up early does not lose it.
type fakeStream struct {
	steps   chan step
	pending *step
	readyAt time.Time
	closed  chan struct{}
}

func (s *fakeStream) Recv(ctx context.Context) (providers.Chunk, error) {
	if s.pending == nil {
		select {
		case st, ok := <-s.steps:
			if !ok {
				return providers.Chunk{}, io.EOF
			}
			if st.delay <= 0 {
				return st.chunk, st.err
			}
			s.pending, s.readyAt = &st, time.Now().Add(st.delay)
		case <-ctx.Done():
			return providers.Chunk{}, ctx.Err()
		}
	}
	select {
	case <-time.After(time.Until(s.readyAt)):
		st := s.pending
		s.pending = nil
		return st.chunk, st.err
	case <-ctx.Done():
		return providers.Chunk{}, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

type fakeProvider struct {
	stream *fakeStream
	err    error
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Chat(context.Context, providers.Request) (*providers.Response, error) {
	return nil, errors.New("unused")
}

func (p *fakeProvider) Stream(context.Context, providers.Request) (providers.Stream, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.stream, nil
}

func scripted(steps ...step) *fakeProvider {
	s := &fakeStream{steps: make(chan step, len(steps)), closed: make(chan struct{})}
	for _, st := range steps {
		s.steps <- st
	}
	close(s.steps)
	return &fakeProvider{stream: s}
}

func content(s string) step  { return step{chunk: providers.Chunk{Content: s}} }
func thought(s string) step  { return step{chunk: providers.Chunk{Thinking: s}} }
func failure(err error) step { return step{err: err} }

var testReq = providers.Request{Model: "m", Messages: []providers.Message{{Role: "user", Content: "hi"}}}

func collect(t *testing.T, h *Handle) []Event {
	t.Helper()
	var out []Event
	for i := 0; i < 1000; i++ {
		e, ok := h.Next(context.Background())
		if !ok {
			return out
		}
		out = append(out, e)
	}
	t.Fatal("handle never terminated")
	return nil
}

func assertLifecycle(t *testing.T, events []Event) Event {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	last := -1
	terminals := 0
	for i, e := range events {
		if rank := stateOrder[e.State]; rank < last {
			t.Errorf("event %d regressed to %s", i, e.State)
		} else {
			last = rank
		}
		if e.Kind == KindFinal || e.Kind == KindFailed {
			terminals++
			if i != len(events)-1 {
				t.Errorf("terminal event at %d of %d", i, len(events))
			}
		}
	}
	if terminals != 1 {
		t.Fatalf("%d terminal events", terminals)
	}
	return events[len(events)-1]
}

func TestHappyPath(t *testing.T) {
	r := New(scripted(thought("plan"), content("Hel"), content("lo"),
		step{chunk: providers.Chunk{Usage: &providers.Usage{TotalTokens: 9}}}), Options{Throttle: time.Millisecond})
	h, err := r.Start(context.Background(), testReq)
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, h)
	final := assertLifecycle(t, events)

	if events[0].Kind != KindState || events[0].State != StateThinking {
		t.Errorf("first event = %+v", events[0])
	}
	if final.Kind != KindFinal || final.Text != "Hello" || final.Thinking != "plan" || final.Usage.TotalTokens != 9 {
		t.Errorf("final = %+v", final)
	}
	sawStreaming := false
	for _, e := range events {
		if e.Kind == KindState && e.State == StateStreaming {
			sawStreaming = true
		}
	}
	if !sawStreaming {
		t.Error("missing streaming transition")
	}
	if _, ok := h.Next(context.Background()); ok {
		t.Error("Next after terminal should report false")
	}
}

func TestThrottleCoalescesPartials(t *testing.T) {
	var steps []step
	for i := 0; i < 20; i++ {
		steps = append(steps, content("x"))
	}
	h, _ := New(scripted(steps...), Options{Throttle: time.Hour}).Start(context.Background(), testReq)
	events := collect(t, h)
	final := assertLifecycle(t, events)

	partials := 0
	for _, e := range events {
		if e.Kind == KindPartial {
			partials++
		}
	}
	if partials != 1 {
		t.Errorf("partials = %d, want 1 within one throttle interval", partials)
	}
	if len(final.Text) != 20 {
		t.Errorf("final text = %q", final.Text)
	}
}

func TestThrottledTextFlushesWhileUpstreamIsQuiet(t *testing.T) {
	h, _ := New(scripted(content("a"), content("b"), step{delay: 300 * time.Millisecond, chunk: providers.Chunk{Content: "c"}}),
		Options{Throttle: 50 * time.Millisecond}).Start(context.Background(), testReq)
	events := collect(t, h)
	assertLifecycle(t, events)

	found := false
	for _, e := range events {
		if e.Kind == KindPartial && e.Text == "ab" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a partial with pending text before the stall ended: %+v", events)
	}
}

func TestCancelMidStream(t *testing.T) {
	p := scripted(content("par"), step{delay: time.Hour, chunk: providers.Chunk{Content: "never"}})
	h, _ := New(p, Options{Throttle: time.Millisecond}).Start(context.Background(), testReq)

	var events []Event
	for {
		e, ok := h.Next(context.Background())
		if !ok {
			break
		}
		events = append(events, e)
		if e.Kind == KindPartial {
			h.Cancel()
		}
	}
	last := assertLifecycle(t, events)
	if last.Kind != KindFailed || last.Reason != ReasonCancelled || last.Retryable || last.BeforeFirstToken {
		t.Errorf("terminal = %+v", last)
	}
	if last.Text != "par" {
		t.Errorf("partial text = %q", last.Text)
	}
	select {
	case <-p.stream.closed:
	default:
		t.Error("stream not closed")
	}
}

func TestCancelBeforeStart(t *testing.T) {
	h, _ := New(scripted(content("x")), Options{}).Start(context.Background(), testReq)
	h.Cancel()
	events := collect(t, h)
	if last := assertLifecycle(t, events); last.Reason != ReasonCancelled {
		t.Errorf("terminal = %+v", last)
	}
}

func TestFailures(t *testing.T) {
	retryable := &providers.UpstreamError{Provider: "fake", Status: 503, Retryable: true, Err: errors.New("busy")}
	tests := []struct {
		name      string
		provider  *fakeProvider
		opts      Options
		reason    Reason
		before    bool
		retryable bool
		text      string
	}{
		{"stream refused", &fakeProvider{err: retryable}, Options{}, ReasonUpstream, true, true, ""},
		{"quiet upstream", scripted(step{delay: time.Hour}), Options{ChunkTimeout: 30 * time.Millisecond}, ReasonTimeout, true, true, ""},
		{"mid-stream error", scripted(content("half"), failure(retryable)), Options{Throttle: time.Millisecond}, ReasonUpstream, false, false, "half"},
		{"empty response", scripted(), Options{}, ReasonUpstream, true, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := New(tt.provider, tt.opts).Start(context.Background(), testReq)
			if err != nil {
				t.Fatal(err)
			}
			last := assertLifecycle(t, collect(t, h))
			if last.Kind != KindFailed || last.Reason != tt.reason || last.BeforeFirstToken != tt.before || last.Retryable != tt.retryable || last.Text != tt.text {
				t.Errorf("terminal = %+v", last)
			}
		})
	}
}

func TestStartValidates(t *testing.T) {
	if _, err := New(scripted(), Options{}).Start(context.Background(), providers.Request{Model: "m"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("err = %v", err)
	}
}
