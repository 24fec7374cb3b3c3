package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/wkin-t/dingtalk-ai-bot/internal/bus"
	"github.com/wkin-t/dingtalk-ai-bot/internal/config"
	"github.com/wkin-t/dingtalk-ai-bot/internal/debounce"
	"github.com/wkin-t/dingtalk-ai-bot/internal/store"
)

func newTestRouter(c Classifier) *Router {
	cfg := config.Default().Router
	if c != nil {
		cfg.Mode = "classifier"
	}
	return New(cfg, true, c)
}

func turnOf(text string) debounce.BufferedTurn {
	return debounce.BufferedTurn{SessionKey: "wecom:u1", MergedText: text}
}

func TestHeuristic(t *testing.T) {
	r := newTestRouter(nil)
	tests := []struct {
		name     string
		text     string
		tier     Tier
		thinking Thinking
		search   bool
	}{
		{"greeting", "你好", TierFlash, ThinkingMinimal, false},
		{"ascii greeting", "hi there", TierFlash, ThinkingMinimal, false},
		{"hi inside a word is not a greeting", "this one thing", TierFlash, ThinkingLow, false},
		{"pro keywords", "请给出这个定理的证明，并写出推导过程", TierPro, ThinkingHigh, false},
		{"one complex keyword", "为什么天空是蓝色的", TierFlash, ThinkingMedium, false},
		{"weather search", "北京今天天气怎么样", TierFlash, ThinkingMedium, true},
		{"merged weather follow-up", "what's the weather in Paris and tomorrow?", TierFlash, ThinkingLow, true},
		{"code with complex keywords", "```go\nfunc main() {}\n```\n这段代码为什么报错", TierPro, ThinkingHigh, false},
		{"long text raises thinking", strings.Repeat("a ", 300), TierFlash, ThinkingMedium, false},
		{"api does not match capital", "what is the capital city of peru, give me a list of facts", TierFlash, ThinkingLow, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.Decide(context.Background(), turnOf(tt.text), nil)
			if d.Tier != tt.tier || d.Thinking != tt.thinking || d.EnableSearch != tt.search {
				t.Errorf("Decide(%q) = %+v, want %s/%s/search=%v", tt.text, d, tt.tier, tt.thinking, tt.search)
			}
			if d.Source != SourceHeuristic {
				t.Errorf("source = %s", d.Source)
			}
		})
	}
}

func TestHeuristicDeterministic(t *testing.T) {
	r := newTestRouter(nil)
	text := "对比一下 Go 和 Rust 的并发模型，分析优缺点"
	first := r.Heuristic(text, nil)
	for i := 0; i < 20; i++ {
		if got := r.Heuristic(text, nil); got != first {
			t.Fatalf("run %d = %+v, want %+v", i, got, first)
		}
	}
}

func TestFollowUpInheritsSearch(t *testing.T) {
	r := newTestRouter(nil)
	now := time.Now()
	history := []store.HistoryEntry{
		store.NewEntry(store.RoleUser, "Bo: 北京天气如何", now),
		store.NewEntry(store.RoleAssistant, "晴，25度", now),
	}
	if d := r.Decide(context.Background(), turnOf("那上海呢"), history); !d.EnableSearch {
		t.Errorf("short follow-up should inherit search: %+v", d)
	}
	history[0] = store.NewEntry(store.RoleUser, "Bo: 讲个笑话", now)
	if d := r.Decide(context.Background(), turnOf("那上海呢"), history); d.EnableSearch {
		t.Errorf("no search to inherit: %+v", d)
	}
}

func TestImagesDoNotRaiseThinking(t *testing.T) {
	r := newTestRouter(nil)
	turn := turnOf("")
	turn.Attachments = []bus.Attachment{{Kind: bus.AttachmentImage, Reference: "x"}}
	d := r.Decide(context.Background(), turn, nil)
	if d.Tier != TierFlash || d.Thinking != ThinkingLow {
		t.Errorf("image-only turn = %+v", d)
	}
}

func TestOverrideWins(t *testing.T) {
	r := newTestRouter(nil)
	off := false
	tests := []struct {
		name     string
		override bus.Override
		text     string
		want     Decision
	}{
		{"pro implies high", bus.Override{Tier: "pro"}, "你好", Decision{Tier: TierPro, Thinking: ThinkingHigh}},
		{"flash keeps inferred thinking", bus.Override{Tier: "flash"}, "请给出这个定理的证明，并写出推导过程", Decision{Tier: TierFlash, Thinking: ThinkingHigh}},
		{"search off", bus.Override{Search: &off}, "北京今天天气", Decision{Tier: TierFlash, Thinking: ThinkingLow, EnableSearch: false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			turn := turnOf(tt.text)
			turn.Override = tt.override
			d := r.Decide(context.Background(), turn, nil)
			if d.Tier != tt.want.Tier || d.Thinking != tt.want.Thinking || d.EnableSearch != tt.want.EnableSearch {
				t.Errorf("got %+v, want %+v", d, tt.want)
			}
			if d.Source != SourceOverride {
				t.Errorf("source = %s", d.Source)
			}
		})
	}
}

func TestSearchDisabledByOperator(t *testing.T) {
	r := New(config.Default().Router, false, nil)
	if d := r.Decide(context.Background(), turnOf("今天的新闻"), nil); d.EnableSearch {
		t.Errorf("search must stay off: %+v", d)
	}
}

func TestClassifier(t *testing.T) {
	t.Run("valid reply", func(t *testing.T) {
		r := newTestRouter(ClassifierFunc(func(_ context.Context, prompt string) (string, error) {
			if !strings.Contains(prompt, "量子") {
				t.Errorf("prompt missing question: %q", prompt)
			}
			return "```json\n{\"model\":\"gemini-3-pro-preview\",\"thinking_level\":\"medium\",\"need_search\":true,\"reason\":\"x\"}\n```", nil
		}))
		d := r.Decide(context.Background(), turnOf("量子计算最新进展"), nil)
		want := Decision{Tier: TierPro, Thinking: ThinkingMedium, EnableSearch: true, Reason: "x", Source: SourceClassifier}
		if d != want {
			t.Errorf("got %+v, want %+v", d, want)
		}
	})

	for name, fake := range map[string]ClassifierFunc{
		"call fails": func(context.Context, string) (string, error) { return "", errors.New("quota") },
		"no json":    func(context.Context, string) (string, error) { return "I think flash is fine", nil },
		"bad json":   func(context.Context, string) (string, error) { return `{"model": flash}`, nil },
	} {
		t.Run(name, func(t *testing.T) {
			d := newTestRouter(fake).Decide(context.Background(), turnOf("请给出证明和推导"), nil)
			if d.Tier != TierFlash || d.Thinking != ThinkingLow || d.EnableSearch || d.Source != SourceDefault {
				t.Errorf("want safe default, got %+v", d)
			}
		})
	}
}

func TestParseClassifierReplyErrors(t *testing.T) {
	_, err := ParseClassifierReply("nothing here")
	var re *RoutingError
	if !errors.As(err, &re) || re.Stage != "parse" {
		t.Fatalf("err = %v", err)
	}
	d, err := ParseClassifierReply(`{"model":"weird","thinking_level":"extreme"}`)
	if err != nil || d.Tier != TierFlash || d.Thinking != ThinkingLow {
		t.Errorf("invalid fields should normalize: %+v, %v", d, err)
	}
}

func TestCheaper(t *testing.T) {
	d := Decision{Tier: TierPro, Thinking: ThinkingHigh, EnableSearch: true}.Cheaper()
	if d.Tier != TierFlash || d.Thinking != ThinkingLow || d.EnableSearch {
		t.Errorf("Cheaper = %+v", d)
	}
	if d := (Decision{Tier: TierFlash, Thinking: ThinkingMinimal}).Cheaper(); d.Thinking != ThinkingMinimal {
		t.Errorf("minimal should stay minimal: %+v", d)
	}
}

func TestStaticIgnoresContent(t *testing.T) {
	s := Static{Tier: TierFlash, Reason: "agent backend", Source: SourceDefault}
	for _, text := range []string{"你好", "请深度思考并详细分析这个架构"} {
		d := s.Decide(context.Background(), debounce.BufferedTurn{MergedText: text}, nil)
		if d.Tier != TierFlash || d.Thinking != "" || d.EnableSearch || d.Reason != "agent backend" {
			t.Errorf("%q: decision = %+v", text, d)
		}
	}
}
