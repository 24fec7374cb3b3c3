// Package dingtalk is the DingTalk robot adapter: stream-mode inbound
// messages over WebSocket and AI card replies over the OpenAPI.
package dingtalk

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/wkin-t/dingtalk-ai-bot/internal/bus"
	"github.com/wkin-t/dingtalk-ai-bot/internal/channels"
	"github.com/wkin-t/dingtalk-ai-bot/internal/config"
	"github.com/wkin-t/dingtalk-ai-bot/internal/httpx"
	"github.com/wkin-t/dingtalk-ai-bot/internal/keyed"
)

const (
	publishTimeout = 5 * time.Second
	noticeTitle    = "系统提示"
)

type card struct {
	trackID   string
	streaming bool
}

// Adapter implements channels.PlatformAdapter for DingTalk.
type Adapter struct {
	*channels.BaseAdapter
	cfg    config.DingTalkConfig
	title  string
	client *Client
	stream *StreamClient
	dedupe *bus.DedupeCache
	cards  keyed.Map[card]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the adapter. httpClient is the shared outbound chain.
func New(cfg config.DingTalkConfig, botName string, router bus.MessageRouter, httpClient *http.Client, policy httpx.RetryPolicy) *Adapter {
	a := &Adapter{
		BaseAdapter: channels.NewBaseAdapter(bus.PlatformDingTalk, router, cfg.AllowFrom),
		cfg:         cfg,
		title:       botName,
		client:      NewClient(cfg.APIBase, cfg.ClientID, cfg.ClientSecret, cfg.Robot(), httpClient),
		dedupe:      bus.NewDedupeCache(5*time.Minute, 10000),
	}
	if cfg.OAPIBase != "" {
		a.client.oapiBase = cfg.OAPIBase
	}
	a.stream = NewStreamClient(cfg.APIBase, cfg.ClientID, cfg.ClientSecret, httpClient, policy, a.onCallback)
	return a
}

// Start runs the stream connection in the background.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return errors.New("dingtalk: already started")
	}
	sctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		a.stream.Run(sctx)
	}()
	a.SetRunning(true)
	slog.Info("dingtalk stream adapter started", "client_id", a.cfg.ClientID)
	return nil
}

// Stop closes the stream connection.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel = nil
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	a.SetRunning(false)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Normalize implements channels.PlatformAdapter.
func (a *Adapter) Normalize(raw []byte) (bus.InboundMessage, error) { return Normalize(raw) }

func (a *Adapter) onCallback(ctx context.Context, data []byte) {
	msg, err := Normalize(data)
	if err != nil {
		slog.Warn("dingtalk: dropping callback", "error", err)
		return
	}
	if msg.MessageID != "" && a.dedupe.IsDuplicate(msg.MessageID) {
		slog.Debug("dingtalk: duplicate message", "msg_id", msg.MessageID)
		return
	}
	if !a.Admit(msg, a.cfg.MentionRequired()) {
		slog.Debug("dingtalk: message not admitted", "sender", msg.SenderID, "conversation", msg.ConversationID)
		return
	}
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := a.Bus().PublishInbound(pctx, msg); err != nil {
		slog.Error("dingtalk: inbound queue full", "msg_id", msg.MessageID, "error", err)
	}
}

func target(msg bus.InboundMessage) CardTarget {
	staff := msg.Meta(MetaStaffID)
	if staff == "" {
		staff = msg.SenderID
	}
	return CardTarget{
		ConversationID: msg.ConversationID,
		Group:          msg.IsGroup(),
		StaffID:        staff,
		AtUserIDs:      []string{staff},
	}
}

func (a *Adapter) ensureCard(ctx context.Context, c *card, d channels.Delivery) error {
	if c.trackID != "" {
		return nil
	}
	id, err := a.client.CreateAndDeliver(ctx, a.cfg.CardTemplateID, target(d.Reply), initialParams(a.title))
	if err != nil {
		return err
	}
	c.trackID = id
	return nil
}

// DeliverPartialUpdate creates the card on first use and streams the body.
func (a *Adapter) DeliverPartialUpdate(ctx context.Context, d channels.Delivery, u channels.Update) error {
	var err error
	a.cards.With(d.TurnID, func(c *card) bool {
		if err = a.ensureCard(ctx, c, d); err != nil {
			return false
		}
		if u.Text == "" && u.Thinking == "" {
			return true
		}
		if err = a.client.StreamUpdate(ctx, c.trackID, "msgContent", renderBody(u), true, false, false); err != nil {
			return true
		}
		if !c.streaming && u.Text != "" {
			c.streaming = true
			err = a.client.UpdateCard(ctx, c.trackID, map[string]string{"flowStatus": flowStreaming})
		}
		return true
	})
	return err
}

// DeliverFinal finalizes the streamed body and sets the terminal flow status.
func (a *Adapter) DeliverFinal(ctx context.Context, d channels.Delivery, u channels.Update) error {
	var err error
	a.cards.With(d.TurnID, func(c *card) bool {
		if err = a.ensureCard(ctx, c, d); err != nil {
			return false
		}
		u.StillThinking = false
		body := renderBody(u)
		if err = a.client.StreamUpdate(ctx, c.trackID, "msgContent", body, true, true, u.Failed); err != nil {
			slog.Warn("dingtalk: finalize stream failed", "track_id", c.trackID, "error", err)
		}
		status, isError := flowFinalized, "false"
		if u.Failed {
			status, isError = flowFailed, "true"
		}
		err = a.client.UpdateCard(ctx, c.trackID, map[string]string{
			"msgContent": body,
			"statusText": renderStatus(u),
			"flowStatus": status,
			"isError":    isError,
		})
		return false
	})
	return err
}

// DeliverNotice replies through the conversation's session webhook.
func (a *Adapter) DeliverNotice(ctx context.Context, msg bus.InboundMessage, text string) error {
	return a.client.SendMarkdown(ctx, msg.Meta(MetaSessionWebhook), noticeTitle, text)
}

// FetchAttachment downloads a message file by its download code.
func (a *Adapter) FetchAttachment(ctx context.Context, att bus.Attachment) ([]byte, error) {
	return a.client.DownloadFile(ctx, att.Reference)
}

var _ channels.PlatformAdapter = (*Adapter)(nil)
