// Package router decides, per turn, which model tier, reasoning depth and
// tooling to use. Decide never fails: the worst case is the safe default.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/wkin-t/dingtalk-ai-bot/internal/bus"
	"github.com/wkin-t/dingtalk-ai-bot/internal/config"
	"github.com/wkin-t/dingtalk-ai-bot/internal/debounce"
	"github.com/wkin-t/dingtalk-ai-bot/internal/store"
)

// Tier is the model class.
type Tier string

const (
	TierFlash Tier = "flash"
	TierPro   Tier = "pro"
)

// Thinking is the reasoning depth, passed upstream as reasoning_effort.
type Thinking string

const (
	ThinkingMinimal Thinking = "minimal"
	ThinkingLow     Thinking = "low"
	ThinkingMedium  Thinking = "medium"
	ThinkingHigh    Thinking = "high"
)

var thinkingRank = map[Thinking]int{ThinkingMinimal: 0, ThinkingLow: 1, ThinkingMedium: 2, ThinkingHigh: 3}

// ParseThinking returns the level named by s, if valid.
func ParseThinking(s string) (Thinking, bool) {
	t := Thinking(strings.ToLower(strings.TrimSpace(s)))
	_, ok := thinkingRank[t]
	return t, ok
}

// Cap returns t limited to at most max.
func (t Thinking) Cap(max Thinking) Thinking {
	if thinkingRank[t] > thinkingRank[max] {
		return max
	}
	return t
}

// Source records which path produced a decision.
type Source string

const (
	SourceHeuristic  Source = "heuristic"
	SourceClassifier Source = "classifier"
	SourceOverride   Source = "override"
	SourceDefault    Source = "default"
)

// Decision is the routing outcome for one turn.
type Decision struct {
	Tier         Tier     `json:"model_tier"`
	Thinking     Thinking `json:"thinking_level"`
	EnableSearch bool     `json:"enable_search"`
	Reason       string   `json:"reason,omitempty"`
	Source       Source   `json:"source"`
}

// SafeDefault is used whenever classification fails.
func SafeDefault(reason string) Decision {
	return Decision{Tier: TierFlash, Thinking: ThinkingLow, Reason: reason, Source: SourceDefault}
}

// Cheaper returns the fallback decision for a retry after an upstream
// failure: flash tier, thinking capped at low, search off.
func (d Decision) Cheaper() Decision {
	return Decision{
		Tier:     TierFlash,
		Thinking: d.Thinking.Cap(ThinkingLow),
		Reason:   "retry on cheaper tier",
		Source:   d.Source,
	}
}

// Router holds the compiled keyword sets and thresholds.
type Router struct {
	cfg         config.RouterConfig
	allowSearch bool
	classifier  Classifier

	complex, pro, simple, search keywordSet
}

// New builds a router. classifier may be nil; it is only consulted when
// cfg.Mode is "classifier".
func New(cfg config.RouterConfig, allowSearch bool, classifier Classifier) *Router {
	return &Router{
		cfg:         cfg,
		allowSearch: allowSearch,
		classifier:  classifier,
		complex:     newKeywordSet(complexKeywords),
		pro:         newKeywordSet(proKeywords, []string{"用pro", "使用pro", "pro模型", "深度思考"}),
		simple:      newKeywordSet(simpleKeywords),
		search:      newKeywordSet(searchKeywords, cfg.ExtraSearchKeywords),
	}
}

// Decide routes turn given the forwarded history.
func (r *Router) Decide(ctx context.Context, turn debounce.BufferedTurn, history []store.HistoryEntry) Decision {
	text := turn.Text()
	var d Decision
	if r.cfg.Mode == "classifier" && r.classifier != nil {
		var err error
		d, err = r.classify(ctx, text, hasImages(turn))
		if err != nil {
			slog.Warn("router classifier failed, using safe default", "session", turn.SessionKey, "error", err)
			d = SafeDefault("classifier failed")
		}
	} else {
		d = r.Heuristic(text, history)
	}

	d = applyOverride(d, turn.Override)
	if !r.allowSearch {
		d.EnableSearch = false
	}
	return d
}

// Heuristic is the deterministic keyword policy.
func (r *Router) Heuristic(text string, history []store.HistoryEntry) Decision {
	lowered := strings.ToLower(text)
	n := utf8.RuneCountInString(text)
	search := r.search.hits(lowered) > 0
	if !search && n < r.cfg.ShortTurnRunes {
		search = r.previousWantedSearch(history)
	}

	if n < r.cfg.ShortTurnRunes && r.simple.hits(lowered) > 0 {
		return Decision{Tier: TierFlash, Thinking: ThinkingMinimal, EnableSearch: search, Reason: "simple greeting", Source: SourceHeuristic}
	}

	complexHits := r.complex.hits(lowered)
	proHits := r.pro.hits(lowered)
	code := strings.Contains(text, "```") || strings.Count(text, "\n") > 5

	d := Decision{Tier: TierFlash, Thinking: ThinkingLow, EnableSearch: search, Reason: "ordinary question", Source: SourceHeuristic}
	switch {
	case proHits >= r.cfg.ProKeywordHits || (proHits >= 1 && complexHits >= r.cfg.ComplexHighHits):
		d.Tier, d.Thinking = TierPro, ThinkingHigh
		d.Reason = fmt.Sprintf("deep reasoning (pro=%d, complex=%d)", proHits, complexHits)
	case complexHits >= r.cfg.ComplexProHits && n > r.cfg.ProLengthRunes:
		d.Tier, d.Thinking = TierPro, ThinkingHigh
		d.Reason = fmt.Sprintf("long complex text (complex=%d, runes=%d)", complexHits, n)
	case code && complexHits >= 2:
		d.Tier, d.Thinking = TierPro, ThinkingHigh
		d.Reason = fmt.Sprintf("code problem (complex=%d)", complexHits)
	case complexHits >= r.cfg.ComplexHighHits:
		d.Thinking = ThinkingHigh
		d.Reason = fmt.Sprintf("complex question (complex=%d)", complexHits)
	case complexHits >= 1 || code:
		d.Thinking = ThinkingMedium
		d.Reason = fmt.Sprintf("moderate (complex=%d)", complexHits)
	}

	if n > r.cfg.LongTurnRunes && d.Tier == TierFlash {
		switch d.Thinking {
		case ThinkingLow:
			d.Thinking = ThinkingMedium
		case ThinkingMedium:
			d.Thinking = ThinkingHigh
		}
		d.Reason += fmt.Sprintf(" + long text (%d)", n)
	}
	if search {
		d.Reason += " + search"
	}
	return d
}

// previousWantedSearch reports whether the latest user entry in history
// would have triggered search, so short follow-ups like "and tomorrow?"
// keep it.
func (r *Router) previousWantedSearch(history []store.HistoryEntry) bool {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == store.RoleUser {
			return r.search.hits(strings.ToLower(history[i].Content)) > 0
		}
	}
	return false
}

func applyOverride(d Decision, o bus.Override) Decision {
	if o.IsZero() {
		return d
	}
	if o.Tier != "" {
		d.Tier = Tier(o.Tier)
		if d.Tier == TierPro && o.Thinking == "" {
			d.Thinking = ThinkingHigh
		}
	}
	if t, ok := ParseThinking(o.Thinking); ok {
		d.Thinking = t
	}
	if o.Search != nil {
		d.EnableSearch = *o.Search
	}
	d.Source = SourceOverride
	d.Reason = "user override"
	return d
}

func hasImages(turn debounce.BufferedTurn) bool {
	for _, a := range turn.Attachments {
		if a.Kind == bus.AttachmentImage {
			return true
		}
	}
	return false
}

// Static routes every turn the same way, for backends that choose their
// own model.
type Static Decision

// Decide returns the fixed decision.
func (s Static) Decide(context.Context, debounce.BufferedTurn, []store.HistoryEntry) Decision {
	return Decision(s)
}
