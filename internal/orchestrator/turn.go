package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wkin-t/dingtalk-ai-bot/internal/bus"
	"github.com/wkin-t/dingtalk-ai-bot/internal/channels"
	"github.com/wkin-t/dingtalk-ai-bot/internal/providers"
	"github.com/wkin-t/dingtalk-ai-bot/internal/relay"
	"github.com/wkin-t/dingtalk-ai-bot/internal/router"
	"github.com/wkin-t/dingtalk-ai-bot/internal/store"
	"github.com/wkin-t/dingtalk-ai-bot/internal/telemetry"
	"github.com/wkin-t/dingtalk-ai-bot/pkg/protocol"
)

// Reply markers.
const (
	MarkerStopped  = "\n\n> ⏹ 已停止生成"
	MarkerFailed   = "❌ **API 请求失败**\n\n%s"
	MarkerTimeout  = "⏱ **响应超时**，请稍后重试。"
	NoteEmptyTurn  = "🤔 没有收到可以处理的内容。"
	NoteRetrying   = "⚠️ 上游请求失败，正在使用快速模型重试…"
	searchStatus   = "联网搜索"
	thinkingStatus = "思考 %s"
)

type outcome string

const (
	outcomeFinal     outcome = "final"
	outcomeFailed    outcome = "failed"
	outcomeCancelled outcome = "cancelled"
)

// turnRun carries the per-execution state of one run.
type turnRun struct {
	r        *run
	adapter  channels.PlatformAdapter
	delivery channels.Delivery
	span     trace.Span
	started  time.Time
}

func (o *Orchestrator) execute(r *run) {
	turn := r.q.turn
	reply := turn.Last()
	var superseded []bus.InboundMessage
	if r.q.replyTo != nil {
		reply = *r.q.replyTo
	} else if n := len(turn.Messages); n > 1 {
		superseded = turn.Messages[:n-1]
	}

	adapter, ok := o.deps.Adapters.Get(reply.Platform)
	if !ok {
		slog.Error("no adapter for platform, dropping turn", "platform", reply.Platform, "session", turn.SessionKey)
		return
	}

	ctx, span := telemetry.Tracer().Start(r.ctx, "orchestrator.turn", trace.WithAttributes(
		attribute.String("session.key", turn.SessionKey),
		attribute.String("turn.id", r.id),
		attribute.String("platform", string(reply.Platform)),
		attribute.Int("turn.members", len(turn.Messages)),
	))
	defer span.End()

	t := &turnRun{
		r:       r,
		adapter: adapter,
		delivery: channels.Delivery{
			SessionKey: turn.SessionKey,
			TurnID:     r.id,
			Reply:      reply,
			Superseded: superseded,
		},
		span:    span,
		started: time.Now(),
	}
	o.deps.Metrics.TurnStarted(len(turn.Messages))

	history := o.deps.Memory.Context(ctx, turn.SessionKey)

	resolved := o.deps.Media.Resolve(ctx, adapter, turn.Attachments)
	for _, err := range resolved.Errs {
		slog.Warn("attachment degraded", "session", turn.SessionKey, "error", err)
	}
	text := turn.Text()
	if len(resolved.Notes) > 0 {
		text = strings.TrimSpace(text + " " + strings.Join(resolved.Notes, " "))
	}
	if text == "" && len(resolved.Images) == 0 {
		o.deps.Memory.Touch(ctx, turn.SessionKey)
		o.final(t, channels.Update{Text: NoteEmptyTurn})
		o.deps.Metrics.TurnEnded(string(reply.Platform), "", string(outcomeFinal), time.Since(t.started))
		return
	}
	prompted := text
	if text == "" {
		prompted = DefaultImagePrompt
	} else if o.cfg.QuoteReferences {
		if q, ok := QuoteReference(text, history, quoteRunes); ok {
			prompted = q
			slog.Debug("quoted previous message", "session", turn.SessionKey, "turn", r.id)
		}
	}

	decision := o.deps.Router.Decide(ctx, turn, history)
	o.deps.Metrics.Routed(string(decision.Tier), string(decision.Thinking), string(decision.Source))
	span.SetAttributes(
		attribute.String("route.tier", string(decision.Tier)),
		attribute.String("route.thinking", string(decision.Thinking)),
		attribute.Bool("route.search", decision.EnableSearch),
		attribute.String("route.source", string(decision.Source)),
	)
	slog.Info("turn routed", "session", turn.SessionKey, "turn", r.id, "tier", decision.Tier,
		"thinking", decision.Thinking, "search", decision.EnableSearch, "reason", decision.Reason)

	// The model sees the sender of the last member message; the stored
	// entry keeps the raw text and image count.
	msgs := o.prompt.Messages(turn.Last(), history, prompted, resolved.Images)
	at := turn.Last().ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}
	userEntry := store.NewEntry(store.RoleUser, UserContent(nickOf(turn.Last()), text, len(resolved.Images)), at)

	var res outcome
	for attempt := 0; ; attempt++ {
		var retry bool
		res, retry = o.stream(ctx, t, decision, msgs, userEntry, attempt)
		if !retry {
			break
		}
		decision = decision.Cheaper()
		o.deps.Metrics.Retried()
		o.partial(t, channels.Update{StillThinking: true, Status: NoteRetrying})
		o.broadcast(protocol.EventTurnRetrying, o.turnEvent(t, decision, "", "retry on cheaper tier", ""))
		slog.Info("retrying turn on cheaper tier", "session", turn.SessionKey, "turn", r.id)
	}
	o.deps.Metrics.TurnEnded(string(reply.Platform), string(decision.Tier), string(res), time.Since(t.started))
}

// stream runs one attempt. It reports the outcome and whether the caller
// should retry on the cheaper tier.
func (o *Orchestrator) stream(ctx context.Context, t *turnRun, d router.Decision, msgs []providers.Message, userEntry store.HistoryEntry, attempt int) (outcome, bool) {
	key := t.delivery.SessionKey
	req := o.request(t, d, msgs)
	status := o.status(d, req.Model)

	o.broadcast(protocol.EventTurnStarted, o.turnEvent(t, d, string(relay.StatePending), "", ""))

	h, err := o.deps.Relay.Start(ctx, req)
	if err != nil {
		slog.Error("relay start failed", "session", key, "turn", t.r.id, "error", err)
		o.fail(t, d, status, err.Error(), err)
		return outcomeFailed, false
	}
	if !o.attach(t.r, h) {
		h.Cancel()
	}

	var last relay.Event
	firstToken := false
	for {
		ev, ok := h.Next(ctx)
		if !ok {
			break
		}
		last = ev
		switch ev.Kind {
		case relay.KindState:
			if ev.State == relay.StateThinking {
				o.partial(t, channels.Update{Thinking: ev.Thinking, StillThinking: true, Status: status})
			}
		case relay.KindPartial:
			if !firstToken && ev.Text != "" {
				firstToken = true
				o.deps.Metrics.FirstTokenAfter(string(d.Tier), time.Since(t.started))
				t.span.AddEvent("first_token")
			}
			o.partial(t, channels.Update{Text: ev.Text, Thinking: ev.Thinking, StillThinking: ev.Text == "", Status: status})
			o.broadcast(protocol.EventTurnPartial, o.turnEvent(t, d, string(ev.State), ev.Text, ""))
		}
		if ev.Kind == relay.KindFinal || ev.Kind == relay.KindFailed {
			break
		}
	}

	if last.Kind != relay.KindFinal && (o.stopped(t.r) || last.Reason == relay.ReasonCancelled) {
		o.cancelled(t, d, status, last)
		return outcomeCancelled, false
	}

	switch last.Kind {
	case relay.KindFinal:
		if last.Usage != nil {
			o.deps.Metrics.Tokens(last.Usage.PromptTokens, last.Usage.CompletionTokens, last.Usage.ThinkingTokens)
			t.span.SetAttributes(attribute.Int("tokens.total", last.Usage.TotalTokens))
		}
		o.appendTurn(key, userEntry, last)
		o.final(t, channels.Update{Text: last.Text, Thinking: last.Thinking, Status: status})
		o.broadcast(protocol.EventTurnFinal, o.turnEvent(t, d, string(relay.StateFinalized), last.Text, ""))
		slog.Info("turn finalized", "session", key, "turn", t.r.id, "chars", len(last.Text), "took", time.Since(t.started))
		return outcomeFinal, false

	case relay.KindFailed:
		if last.Retryable && attempt == 0 && o.cfg.RetryCheaper && !isCheapest(d) {
			return outcomeFailed, true
		}
		msg := fmt.Sprintf(MarkerFailed, errText(last.Err))
		if last.Reason == relay.ReasonTimeout {
			msg = MarkerTimeout
		}
		if last.Text != "" {
			msg = last.Text + "\n\n" + msg
		}
		o.fail(t, d, status, msg, last.Err)
		return outcomeFailed, false
	}

	// Next returned false without a terminal event: ctx was cancelled.
	o.cancelled(t, d, status, last)
	return outcomeCancelled, false
}

// cancelled closes a stopped turn as failed, keeping the partial text.
func (o *Orchestrator) cancelled(t *turnRun, d router.Decision, status string, last relay.Event) {
	o.final(t, channels.Update{Text: last.Text + MarkerStopped, Thinking: last.Thinking, Status: status, Failed: true})
	o.broadcast(protocol.EventTurnFailed, o.turnEvent(t, d, string(relay.StateFailed), last.Text, string(relay.ReasonCancelled)))
	slog.Info("turn stopped", "session", t.delivery.SessionKey, "turn", t.r.id)
}

func (o *Orchestrator) request(t *turnRun, d router.Decision, msgs []providers.Message) providers.Request {
	model := o.cfg.FlashModel
	if d.Tier == router.TierPro {
		model = o.cfg.ProModel
	}
	return providers.Request{
		Model:           model,
		Messages:        msgs,
		ReasoningEffort: string(d.Thinking),
		EnableSearch:    d.EnableSearch,
		IncludeThoughts: o.cfg.IncludeThoughts,
		User:            t.delivery.SessionKey,
		Conversation:    t.delivery.Reply.ConversationID,
		MaxTokens:       o.cfg.MaxTokens,
		Temperature:     o.cfg.Temperature,
	}
}

// status renders the footer line, e.g. "gemini-flash · 思考 low · 联网搜索".
func (o *Orchestrator) status(d router.Decision, model string) string {
	parts := []string{model}
	if d.Thinking != "" {
		parts = append(parts, fmt.Sprintf(thinkingStatus, d.Thinking))
	}
	if d.EnableSearch {
		parts = append(parts, searchStatus)
	}
	return strings.Join(parts, " · ")
}

// appendTurn persists the exchange. It outlives a stop issued after the
// final event arrived.
func (o *Orchestrator) appendTurn(key string, user store.HistoryEntry, final relay.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.base), storeTimeout)
	defer cancel()
	assistant := store.NewEntry(store.RoleAssistant, final.Text, time.Now())
	if err := o.deps.Memory.Append(ctx, key, user, assistant); err != nil {
		slog.Warn("append turn failed, reply still delivered", "session", key, "error", err)
	}
}

func (o *Orchestrator) fail(t *turnRun, d router.Decision, status, text string, err error) {
	if err != nil {
		t.span.RecordError(err)
	}
	t.span.SetStatus(codes.Error, errText(err))
	o.final(t, channels.Update{Text: text, Status: status, Failed: true})
	ev := o.turnEvent(t, d, string(relay.StateFailed), text, "")
	ev.Error = errText(err)
	o.broadcast(protocol.EventTurnFailed, ev)
	slog.Warn("turn failed", "session", t.delivery.SessionKey, "turn", t.r.id, "error", err)
}

func (o *Orchestrator) partial(t *turnRun, u channels.Update) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.base), deliverTimeout)
	defer cancel()
	if err := t.adapter.DeliverPartialUpdate(ctx, t.delivery, u); err != nil {
		slog.Warn("partial delivery failed", "session", t.delivery.SessionKey, "turn", t.r.id, "error", err)
	}
}

func (o *Orchestrator) final(t *turnRun, u channels.Update) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.base), deliverTimeout)
	defer cancel()
	if err := t.adapter.DeliverFinal(ctx, t.delivery, u); err != nil {
		slog.Error("final delivery failed", "session", t.delivery.SessionKey, "turn", t.r.id, "error", err)
	}
}

func (o *Orchestrator) turnEvent(t *turnRun, d router.Decision, state, text, reason string) protocol.TurnEvent {
	return protocol.TurnEvent{
		SessionKey: t.delivery.SessionKey,
		TurnID:     t.r.id,
		Platform:   string(t.delivery.Reply.Platform),
		Model:      string(d.Tier),
		Thinking:   string(d.Thinking),
		Search:     d.EnableSearch,
		State:      state,
		Text:       text,
		Reason:     reason,
		Members:    len(t.r.q.turn.Messages),
	}
}

func isCheapest(d router.Decision) bool {
	c := d.Cheaper()
	return d.Tier == c.Tier && d.Thinking == c.Thinking && d.EnableSearch == c.EnableSearch
}

func errText(err error) string {
	var unbound *providers.UnboundAgentError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, relay.ErrEmptyResponse):
		return "模型没有返回内容"
	case errors.As(err, &unbound):
		return unbound.Error()
	default:
		return err.Error()
	}
}
