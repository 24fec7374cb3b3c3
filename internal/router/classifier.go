package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Classifier runs one prompt against a cheap model and returns its text.
type Classifier interface {
	Classify(ctx context.Context, prompt string) (string, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, prompt string) (string, error)

func (f ClassifierFunc) Classify(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// RoutingError is a failed classification.
type RoutingError struct {
	Stage string // "call" or "parse"
	Err   error
}

func (e *RoutingError) Error() string { return "router: " + e.Stage + ": " + e.Err.Error() }

func (e *RoutingError) Unwrap() error { return e.Err }

var errNoJSON = errors.New("no JSON object in classifier output")

var jsonObjectRe = regexp.MustCompile(`\{[^{}]+\}`)

const classifierPrompt = `分析用户问题，返回 JSON 路由建议。

问题: %s
有图片: %s

选择规则:
1. model:
   - "flash": 日常问答、代码、一般分析 (默认)
   - "pro": 仅用于复杂数学证明、学术研究、系统架构设计

2. thinking_level:
   - "minimal": 简单问候如"你好"、"谢谢"
   - "low": 普通问答、事实查询
   - "medium": 需要一定推理、代码问题
   - "high": 复杂分析、算法设计

3. need_search:
   - true: 需要实时信息（天气、新闻、股价、最新事件）
   - false: 不需要联网（默认）

只返回JSON:
{"model":"flash","thinking_level":"low","need_search":false,"reason":"简短原因"}`

type classifierReply struct {
	Model         string `json:"model"`
	ThinkingLevel string `json:"thinking_level"`
	NeedSearch    bool   `json:"need_search"`
	Reason        string `json:"reason"`
}

func (r *Router) classify(ctx context.Context, text string, images bool) (Decision, error) {
	timeout := time.Duration(r.cfg.ClassifierTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	img := "否"
	if images {
		img = "是"
	}
	if runes := []rune(text); len(runes) > 300 {
		text = string(runes[:300])
	}
	out, err := r.classifier.Classify(ctx, fmt.Sprintf(classifierPrompt, text, img))
	if err != nil {
		return Decision{}, &RoutingError{Stage: "call", Err: err}
	}
	return ParseClassifierReply(out)
}

// ParseClassifierReply extracts and validates the first JSON object in out.
// Unknown model names fall back to flash and unknown levels to low.
func ParseClassifierReply(out string) (Decision, error) {
	raw := jsonObjectRe.FindString(out)
	if raw == "" {
		return Decision{}, &RoutingError{Stage: "parse", Err: errNoJSON}
	}
	var reply classifierReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return Decision{}, &RoutingError{Stage: "parse", Err: err}
	}
	d := Decision{Tier: TierFlash, Thinking: ThinkingLow, EnableSearch: reply.NeedSearch, Reason: reply.Reason, Source: SourceClassifier}
	if strings.Contains(strings.ToLower(reply.Model), "pro") {
		d.Tier = TierPro
	}
	if t, ok := ParseThinking(reply.ThinkingLevel); ok {
		d.Thinking = t
	}
	return d, nil
}
