package channels

import (
	"context"
	"errors"
	"testing"

	"github.com/wkin-t/dingtalk-ai-bot/internal/bus"
)

func TestAdmit(t *testing.T) {
	group := bus.InboundMessage{SenderID: "u1", ConversationID: "g1", ConversationType: bus.ConversationGroup}
	single := bus.InboundMessage{SenderID: "u2", ConversationID: "c2", ConversationType: bus.ConversationSingle}
	mentioned := group
	mentioned.Mentioned = true

	tests := []struct {
		name           string
		allow          []string
		msg            bus.InboundMessage
		requireMention bool
		want           bool
	}{
		{"single chat always admitted", nil, single, true, true},
		{"group without mention", nil, group, true, false},
		{"group without mention when not required", nil, group, false, true},
		{"group with mention", nil, mentioned, true, true},
		{"allowlisted sender", []string{"@u2"}, single, true, true},
		{"allowlisted conversation", []string{" g1 "}, mentioned, true, true},
		{"not allowlisted", []string{"someone"}, single, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBaseAdapter(bus.PlatformDingTalk, nil, tt.allow)
			if got := b.Admit(tt.msg, tt.requireMention); got != tt.want {
				t.Errorf("Admit = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKeyedRateLimiter(t *testing.T) {
	r := NewKeyedRateLimiter(2)
	if !r.Allow("a") || !r.Allow("a") {
		t.Fatal("burst should admit two requests")
	}
	if r.Allow("a") {
		t.Error("third request within the minute should be limited")
	}
	if !r.Allow("b") {
		t.Error("keys are limited independently")
	}

	unlimited := NewKeyedRateLimiter(0)
	for i := 0; i < 100; i++ {
		if !unlimited.Allow("a") {
			t.Fatal("limit 0 disables limiting")
		}
	}
}

func TestKeyedRateLimiterBoundsKeys(t *testing.T) {
	r := NewKeyedRateLimiter(10)
	for i := 0; i < maxTrackedKeys+50; i++ {
		r.Allow(string(rune(i + 1)))
	}
	if n := len(r.entries); n > maxTrackedKeys {
		t.Errorf("tracked %d keys", n)
	}
}

type stubAdapter struct {
	PlatformAdapter
	platform bus.Platform
	startErr error
	started  bool
	stopped  bool
}

func (s *stubAdapter) Platform() bus.Platform { return s.platform }

func (s *stubAdapter) Start(context.Context) error {
	s.started = s.startErr == nil
	return s.startErr
}

func (s *stubAdapter) Stop(context.Context) error {
	s.stopped = true
	return nil
}

func TestManager(t *testing.T) {
	m := NewManager()
	if err := m.StartAll(context.Background()); err == nil {
		t.Error("starting with no adapters should fail")
	}

	ding := &stubAdapter{platform: bus.PlatformDingTalk}
	wecom := &stubAdapter{platform: bus.PlatformWeCom, startErr: errors.New("bad key")}
	m.Register(ding)
	m.Register(wecom)

	if err := m.StartAll(context.Background()); err != nil {
		t.Errorf("one adapter running is enough: %v", err)
	}
	if !ding.started {
		t.Error("dingtalk not started")
	}
	if got, ok := m.Get(bus.PlatformWeCom); !ok || got != wecom {
		t.Error("Get(wecom) failed")
	}
	if len(m.Platforms()) != 2 {
		t.Errorf("platforms = %v", m.Platforms())
	}

	m.StopAll(context.Background())
	if !ding.stopped || !wecom.stopped {
		t.Error("StopAll should stop every adapter")
	}

	only := NewManager()
	only.Register(&stubAdapter{platform: bus.PlatformWeCom, startErr: errors.New("bad key")})
	if err := only.StartAll(context.Background()); err == nil {
		t.Error("all adapters failing should be an error")
	}
}
