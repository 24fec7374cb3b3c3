package bus

import (
	"context"
	"testing"
	"time"
)

func TestPublishConsumeClones(t *testing.T) {
	b := New(1)
	msg := InboundMessage{Platform: PlatformWeCom, Text: "hi", Attachments: []Attachment{{Kind: AttachmentImage}}}
	if err := b.PublishInbound(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	msg.Attachments[0].Kind = AttachmentFile

	got, ok := b.ConsumeInbound(context.Background())
	if !ok {
		t.Fatal("consume failed")
	}
	if got.Attachments[0].Kind != AttachmentImage {
		t.Errorf("published message shares its slice with the caller")
	}
}

func TestPublishBlocksUntilContextDone(t *testing.T) {
	b := New(1)
	ctx := context.Background()
	_ = b.PublishInbound(ctx, InboundMessage{Text: "1"})

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := b.PublishInbound(ctx, InboundMessage{Text: "2"}); err == nil {
		t.Fatal("expected context error on a full queue")
	}
}

func TestBroadcastSurvivesPanickingHandler(t *testing.T) {
	b := New(0)
	got := 0
	b.Subscribe("bad", func(Event) { panic("boom") })
	b.Subscribe("good", func(Event) { got++ })
	b.Broadcast(Event{Name: "x"})
	if got != 1 {
		t.Errorf("good handler called %d times", got)
	}
	b.Unsubscribe("good")
	b.Broadcast(Event{Name: "x"})
	if got != 1 {
		t.Errorf("unsubscribed handler still called")
	}
}

func TestDedupeCache(t *testing.T) {
	now := time.Unix(0, 0)
	d := NewDedupeCache(time.Minute, 2)
	d.now = func() time.Time { return now }

	if d.IsDuplicate("a") {
		t.Fatal("first sighting reported as duplicate")
	}
	if !d.IsDuplicate("a") {
		t.Fatal("second sighting not reported")
	}
	now = now.Add(2 * time.Minute)
	if d.IsDuplicate("a") {
		t.Fatal("expired key reported as duplicate")
	}
	d.IsDuplicate("b")
	d.IsDuplicate("c")
	if len(d.seen) > 2 {
		t.Errorf("cache grew past max: %d", len(d.seen))
	}
}

func TestParseCommand(t *testing.T) {
	tests := map[string]Command{
		"/clear":        CommandClear,
		"  /CLEAR ":     CommandClear,
		"清空上下文":         CommandClear,
		"🧹 清空记忆":       CommandClear,
		"/retry":        CommandRetry,
		"重试":            CommandRetry,
		"/stop":         CommandStop,
		"/help":         CommandHelp,
		"/clear please": CommandNone,
		"hello":         CommandNone,
	}
	for in, want := range tests {
		if got := ParseCommand(in); got != want {
			t.Errorf("ParseCommand(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseOverride(t *testing.T) {
	tests := []struct {
		in       string
		tier     string
		thinking string
		search   *bool
		rest     string
	}{
		{"/pro explain monads", "pro", "", nil, "explain monads"},
		{"/flash /search weather", "flash", "", ptr(true), "weather"},
		{"/NOSEARCH hi", "", "", ptr(false), "hi"},
		{"请深度思考这个问题", "pro", "high", nil, "请深度思考这个问题"},
		{"用PRO回答", "pro", "", nil, "用PRO回答"},
		{"/profile settings", "", "", nil, "/profile settings"},
		{"plain text", "", "", nil, "plain text"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			o, rest := ParseOverride(tt.in)
			if o.Tier != tt.tier || o.Thinking != tt.thinking || rest != tt.rest {
				t.Errorf("got %+v %q", o, rest)
			}
			if (o.Search == nil) != (tt.search == nil) || (o.Search != nil && *o.Search != *tt.search) {
				t.Errorf("search = %v, want %v", o.Search, tt.search)
			}
		})
	}
}

func TestFinish(t *testing.T) {
	m := Finish(InboundMessage{Text: "@Gem  /clear"})
	if m.Command != CommandClear {
		t.Errorf("command = %q", m.Command)
	}
	m = Finish(InboundMessage{Text: "@Gem /pro why is the sky blue"})
	if m.Override.Tier != "pro" || m.Text != "why is the sky blue" {
		t.Errorf("got %+v", m)
	}
}

func ptr(b bool) *bool { return &b }
