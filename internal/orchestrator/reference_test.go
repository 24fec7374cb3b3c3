package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/wkin-t/dingtalk-ai-bot/internal/config"
	"github.com/wkin-t/dingtalk-ai-bot/internal/providers"
	"github.com/wkin-t/dingtalk-ai-bot/internal/sessions"
	"github.com/wkin-t/dingtalk-ai-bot/internal/store"
)

func TestQuoteReference(t *testing.T) {
	now := time.Now()
	history := []store.HistoryEntry{
		store.NewEntry(store.RoleUser, "Bo: 上海\n天气怎么样", now),
		store.NewEntry(store.RoleAssistant, "晴", now),
	}
	long := strings.Repeat("长", 200)

	tests := []struct {
		name    string
		text    string
		history []store.HistoryEntry
		want    string
		quoted  bool
	}{
		{"no trigger", "明天呢", history, "明天呢", false},
		{"trigger", "继续说", history, "[引用] Bo: 上海 天气怎么样\n\n继续说", true},
		{"no user entry", "前面说的", history[1:], "前面说的", false},
		{"empty", "  ", history, "", false},
		{
			"long quote truncated",
			"刚刚那个",
			[]store.HistoryEntry{store.NewEntry(store.RoleUser, long, now)},
			"[引用] " + strings.Repeat("长", 157) + "...\n\n刚刚那个",
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, quoted := QuoteReference(tt.text, tt.history, quoteRunes)
			if got != tt.want || quoted != tt.quoted {
				t.Errorf("QuoteReference = %q, %v; want %q, %v", got, quoted, tt.want, tt.quoted)
			}
		})
	}
}

func seedHistory(t *testing.T, h *harness, turns ...string) {
	t.Helper()
	key := sessions.KeyFor(userMsg("x", "x"))
	now := time.Now()
	for _, q := range turns {
		err := h.store.AppendTurn(context.Background(), key,
			store.NewEntry(store.RoleUser, "Bo: "+q, now), store.NewEntry(store.RoleAssistant, "答:"+q, now))
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestReferenceQuotedForModelOnly(t *testing.T) {
	h := newHarnessWith(t, func(c *Config, _ *Deps) { c.QuoteReferences = true }, flashLow, replies("好的"))
	seedHistory(t, h, "上海天气怎么样")

	h.o.Handle(userMsg("m1", "继续说"))
	h.adapter.await(t, "final")

	req := h.provider.seen()[0]
	last := req.Messages[len(req.Messages)-1].Content
	if !strings.HasSuffix(last, "Bo: [引用] Bo: 上海天气怎么样\n\n继续说") {
		t.Errorf("prompt = %q", last)
	}
	eventually(t, "turn appended", func() bool { return len(h.history(t)) == 4 })
	if got := h.history(t)[2].Content; got != "Bo: 继续说" {
		t.Errorf("stored user entry = %q", got)
	}
}

func TestPlainPromptForAgentBackend(t *testing.T) {
	h := newHarnessWith(t, func(c *Config, _ *Deps) {
		c.PlainPrompt = true
		c.HistoryLimit = 2
	}, flashLow, replies("ok"))
	seedHistory(t, h, "一", "二", "三")

	h.o.Handle(userMsg("m1", "四"))
	h.adapter.await(t, "final")

	req := h.provider.seen()[0]
	if len(req.Messages) != 3 {
		t.Fatalf("messages = %d, want 2 history + current", len(req.Messages))
	}
	if req.Messages[0].Role == "system" {
		t.Error("plain prompt still carries a system message")
	}
	if !strings.HasSuffix(req.Messages[0].Content, "Bo: 三") || req.Messages[1].Content != "答:三" {
		t.Errorf("kept history = %q, %q", req.Messages[0].Content, req.Messages[1].Content)
	}
	if req.Conversation != "u1" {
		t.Errorf("conversation = %q", req.Conversation)
	}
}

func TestConfigFromOpenClaw(t *testing.T) {
	c := config.Default()
	c.Backend = "openclaw"
	got := ConfigFrom(c)
	if got.FlashModel != providers.OpenClawModel || got.ProModel != providers.OpenClawModel {
		t.Errorf("models = %s/%s", got.FlashModel, got.ProModel)
	}
	if !got.PlainPrompt || got.HistoryLimit != 6 || got.RetryCheaper || got.IncludeThoughts || got.BotName != "Claw" {
		t.Errorf("config = %+v", got)
	}
	if gem := ConfigFrom(config.Default()); gem.PlainPrompt || !gem.QuoteReferences || gem.RetryTTL != 7*24*time.Hour {
		t.Errorf("gemini config = %+v", gem)
	}
}
