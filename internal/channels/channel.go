// Package channels defines the adapter boundary between chat platforms and
// the orchestration core. Each platform (DingTalk, WeCom) implements
// PlatformAdapter; the core never sees platform wire formats.
package channels

import (
	"context"
	"strings"

	"github.com/wkin-t/dingtalk-ai-bot/internal/bus"
)

// Delivery addresses one reply. Reply is the last member message of the
// turn and carries the adapter's reply context in its metadata; Superseded
// lists earlier members that were merged into this turn.
type Delivery struct {
	SessionKey string
	TurnID     string
	Reply      bus.InboundMessage
	Superseded []bus.InboundMessage
}

// Update is a snapshot of the reply so far. Text and Thinking are always
// cumulative, never deltas.
type Update struct {
	Text          string
	Thinking      string
	StillThinking bool   // no answer text yet, the model is reasoning
	Status        string // footer line: model, thinking level, search flag
	Failed        bool
}

// PlatformAdapter is implemented by every platform integration.
type PlatformAdapter interface {
	// Platform identifies the adapter.
	Platform() bus.Platform

	// Start connects to the platform and begins publishing inbound
	// messages. It returns once the adapter is running.
	Start(ctx context.Context) error

	// Stop disconnects and releases resources.
	Stop(ctx context.Context) error

	// Normalize converts one raw platform event into a canonical message.
	// It never performs I/O.
	Normalize(raw []byte) (bus.InboundMessage, error)

	// DeliverPartialUpdate shows the reply in progress. The first call for
	// a TurnID creates the platform-side reply (card, stream task).
	DeliverPartialUpdate(ctx context.Context, d Delivery, u Update) error

	// DeliverFinal completes the reply, successfully or with u.Failed.
	DeliverFinal(ctx context.Context, d Delivery, u Update) error

	// DeliverNotice sends a short standalone message (command acks,
	// status notes) in reply to msg.
	DeliverNotice(ctx context.Context, msg bus.InboundMessage, text string) error

	// FetchAttachment downloads attachment bytes.
	FetchAttachment(ctx context.Context, att bus.Attachment) ([]byte, error)
}

// BaseAdapter provides the allowlist and running flag shared by adapters.
type BaseAdapter struct {
	platform  bus.Platform
	bus       bus.MessageRouter
	running   bool
	allowList []string
}

// NewBaseAdapter creates a BaseAdapter.
func NewBaseAdapter(platform bus.Platform, router bus.MessageRouter, allowList []string) *BaseAdapter {
	return &BaseAdapter{platform: platform, bus: router, allowList: allowList}
}

// Platform returns the adapter platform.
func (b *BaseAdapter) Platform() bus.Platform { return b.platform }

// IsRunning returns whether the adapter is running.
func (b *BaseAdapter) IsRunning() bool { return b.running }

// SetRunning updates the running state.
func (b *BaseAdapter) SetRunning(running bool) { b.running = running }

// Bus returns the inbound router.
func (b *BaseAdapter) Bus() bus.MessageRouter { return b.bus }

// IsAllowed checks sender and conversation against the allowlist.
// An empty allowlist admits everyone.
func (b *BaseAdapter) IsAllowed(senderID, conversationID string) bool {
	if len(b.allowList) == 0 {
		return true
	}
	for _, allowed := range b.allowList {
		allowed = strings.TrimPrefix(strings.TrimSpace(allowed), "@")
		if allowed == senderID || allowed == conversationID {
			return true
		}
	}
	return false
}

// Admit reports whether msg should reach the core: allowlisted, and in
// groups, addressed to the bot when requireMention is set.
func (b *BaseAdapter) Admit(msg bus.InboundMessage, requireMention bool) bool {
	if !b.IsAllowed(msg.SenderID, msg.ConversationID) {
		return false
	}
	if msg.IsGroup() && requireMention && !msg.Mentioned {
		return false
	}
	return true
}
