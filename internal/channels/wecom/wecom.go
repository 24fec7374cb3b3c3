// Package wecom is the WeCom intelligent-bot adapter. Inbound events
// arrive on an encrypted HTTP callback; replies are passive streams that
// WeCom polls, with an optional group webhook as fallback.
package wecom

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wkin-t/dingtalk-ai-bot/internal/bus"
	"github.com/wkin-t/dingtalk-ai-bot/internal/channels"
	"github.com/wkin-t/dingtalk-ai-bot/internal/config"
	"github.com/wkin-t/dingtalk-ai-bot/internal/envelope"
)

const (
	publishTimeout   = 3 * time.Second
	maxDownloadBytes = 50 << 20
	textBusy         = "系统繁忙，请稍后再试。"
)

// Adapter implements channels.PlatformAdapter for WeCom.
type Adapter struct {
	*channels.BaseAdapter
	cfg     config.WeComConfig
	codec   *envelope.Codec
	streams *streamStore
	replies replyBuilder
	webhook *Webhook
	limiter *channels.KeyedRateLimiter
	http    *http.Client
}

// New validates the callback credentials and builds the adapter. limiter
// may be nil.
func New(cfg config.WeComConfig, botName string, router bus.MessageRouter, httpClient *http.Client, limiter *channels.KeyedRateLimiter) (*Adapter, error) {
	codec, err := envelope.New(envelope.Options{
		Token:          cfg.Token,
		EncodingAESKey: cfg.EncodingAESKey,
		ReceiveID:      cfg.ReceiveID,
		Strict:         cfg.Strict(),
		Tolerance:      cfg.TimestampTolerance(),
	})
	if err != nil {
		return nil, fmt.Errorf("wecom: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter(bus.PlatformWeCom, router, cfg.AllowFrom),
		cfg:         cfg,
		codec:       codec,
		streams:     newStreamStore(nil),
		replies:     replyBuilder{botName: botName, withCard: cfg.StreamStyle == msgTypeStreamTpl},
		webhook:     NewWebhook(cfg.WebhookKey, cfg.WebhookURL, httpClient),
		limiter:     limiter,
		http:        httpClient,
	}, nil
}

// CallbackPath is where the gateway mounts the adapter.
func (a *Adapter) CallbackPath() string {
	if a.cfg.CallbackPath == "" {
		return "/wecom/callback"
	}
	return a.cfg.CallbackPath
}

// ActiveStreams counts unfinished stream tasks.
func (a *Adapter) ActiveStreams() int { return a.streams.active() }

// Start marks the adapter running. Inbound traffic arrives through
// ServeHTTP once the gateway is listening.
func (a *Adapter) Start(context.Context) error {
	a.SetRunning(true)
	slog.Info("wecom callback adapter started", "path", a.CallbackPath(), "style", a.replies.style())
	return nil
}

// Stop marks the adapter stopped.
func (a *Adapter) Stop(context.Context) error {
	a.SetRunning(false)
	return nil
}

// Normalize implements channels.PlatformAdapter.
func (a *Adapter) Normalize(raw []byte) (bus.InboundMessage, error) { return Normalize(raw) }

// handle processes one decrypted callback and returns the plaintext reply,
// or nil when WeCom should get a bare "success".
func (a *Adapter) handle(ctx context.Context, plain []byte) (reply []byte) {
	cb, err := decode(plain)
	if err != nil {
		slog.Warn("wecom: dropping callback", "error", err)
		return nil
	}
	cached, ok := a.streams.begin(cb.MsgID)
	if cached != nil {
		slog.Debug("wecom: redelivered callback, replaying reply", "msg_id", cb.MsgID)
		return cached
	}
	if !ok {
		slog.Debug("wecom: callback already in progress", "msg_id", cb.MsgID)
		return nil
	}
	defer func() { a.streams.end(cb.MsgID, reply) }()

	if cb.MsgType == msgTypeStream {
		return a.replies.poll(a.streams, cb.Stream.ID)
	}
	msg, err := normalize(cb)
	if err != nil {
		if !errors.Is(err, ErrNotMessage) {
			slog.Warn("wecom: dropping callback", "msg_id", cb.MsgID, "error", err)
		}
		return nil
	}
	if !a.Admit(msg, true) {
		slog.Debug("wecom: message not admitted", "sender", msg.SenderID, "conversation", msg.ConversationID)
		return nil
	}

	id := a.streams.open()
	msg.Metadata[MetaStreamID] = id
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := a.Bus().PublishInbound(pctx, msg); err != nil {
		slog.Error("wecom: inbound queue full", "msg_id", msg.MessageID, "error", err)
		a.streams.update(id, textBusy, true)
		return a.replies.build(id, textBusy, true, true)
	}
	return a.replies.build(id, textAccepted, false, true)
}

func render(u channels.Update, final bool) string {
	text := u.Text
	if text == "" && u.Thinking != "" && !final {
		text = "💭 " + lastRunes(u.Thinking, 200)
	}
	if final && u.Status != "" {
		text = strings.TrimRight(text, "\n") + "\n\n> " + u.Status
	}
	return text
}

func lastRunes(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return "..." + string(r[len(r)-n:])
}

func (a *Adapter) finishSuperseded(d channels.Delivery) {
	for _, m := range d.Superseded {
		if id := m.Meta(MetaStreamID); id != "" {
			a.streams.update(id, textMerged, true)
		}
	}
}

// DeliverPartialUpdate refreshes the stream task WeCom is polling.
func (a *Adapter) DeliverPartialUpdate(_ context.Context, d channels.Delivery, u channels.Update) error {
	a.finishSuperseded(d)
	a.streams.update(d.Reply.Meta(MetaStreamID), render(u, false), false)
	return nil
}

// DeliverFinal finishes the stream. When the task is gone (expired or
// never polled) the reply is pushed through the webhook if one is set.
func (a *Adapter) DeliverFinal(ctx context.Context, d channels.Delivery, u channels.Update) error {
	a.finishSuperseded(d)
	content := render(u, true)
	if a.streams.update(d.Reply.Meta(MetaStreamID), content, true) {
		return nil
	}
	if a.webhook == nil {
		return fmt.Errorf("wecom: stream %q no longer available", d.Reply.Meta(MetaStreamID))
	}
	return a.webhook.SendMarkdown(ctx, content)
}

// DeliverNotice answers msg through its own stream task, falling back to
// the webhook.
func (a *Adapter) DeliverNotice(ctx context.Context, msg bus.InboundMessage, text string) error {
	if a.streams.update(msg.Meta(MetaStreamID), text, true) {
		return nil
	}
	if a.webhook == nil {
		return errors.New("wecom: no reply channel for notice")
	}
	return a.webhook.SendMarkdown(ctx, text)
}

// FetchAttachment downloads a media URL and decrypts it with the bot key.
func (a *Adapter) FetchAttachment(ctx context.Context, att bus.Attachment) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.Reference, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wecom: download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wecom: download media: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("wecom: download media: %w", err)
	}
	if len(data) > maxDownloadBytes {
		return nil, fmt.Errorf("wecom: media exceeds %d bytes", maxDownloadBytes)
	}
	plain, err := a.codec.DecryptMedia(data)
	if err != nil {
		// Some media is served in the clear.
		if ct := http.DetectContentType(data); ct != "application/octet-stream" {
			return data, nil
		}
		return nil, err
	}
	return plain, nil
}

func (r replyBuilder) style() string {
	if r.withCard {
		return msgTypeStreamTpl
	}
	return msgTypeStream
}

var (
	_ channels.PlatformAdapter = (*Adapter)(nil)
	_ http.Handler             = (*Adapter)(nil)
)
