package bus

import (
	"context"
	"slices"
	"time"
)

// Platform identifies the originating chat platform.
type Platform string

const (
	PlatformDingTalk Platform = "dingtalk"
	PlatformWeCom    Platform = "wecom"
)

// ConversationType distinguishes one-to-one chats from groups.
type ConversationType string

const (
	ConversationSingle ConversationType = "single"
	ConversationGroup  ConversationType = "group"
)

// AttachmentKind is the coarse media class of an attachment.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentAudio AttachmentKind = "audio"
	AttachmentFile  AttachmentKind = "file"
)

// Attachment is an opaque media reference carried by an inbound message.
// Bytes are fetched lazily through the owning adapter; Reference is
// platform specific (DingTalk download code, WeCom media URL).
type Attachment struct {
	Kind         AttachmentKind `json:"kind"`
	Reference    string         `json:"reference,omitempty"`
	MimeType     string         `json:"mime_type,omitempty"`
	SizeBytes    int64          `json:"size_bytes,omitempty"`
	Name         string         `json:"name,omitempty"`
	Text         string         `json:"text,omitempty"`         // platform-provided transcription, if any
	Unresolvable bool           `json:"unresolvable,omitempty"` // degraded sub-payload with no usable reference
}

// InboundMessage is the canonical shape every platform event is normalized
// into. It is a value type: once constructed it is never modified, and
// holders that need to keep it copy it with Clone.
type InboundMessage struct {
	Platform         Platform          `json:"platform"`
	MessageID        string            `json:"message_id,omitempty"`
	ConversationID   string            `json:"conversation_id"`
	ConversationType ConversationType  `json:"conversation_type"`
	ConversationName string            `json:"conversation_name,omitempty"`
	SenderID         string            `json:"sender_id"`
	SenderNick       string            `json:"sender_nick,omitempty"`
	Text             string            `json:"text"`
	Attachments      []Attachment      `json:"attachments,omitempty"`
	AtUserIDs        []string          `json:"at_user_ids,omitempty"`
	Mentioned        bool              `json:"mentioned,omitempty"` // bot was @-mentioned
	Command          Command           `json:"command,omitempty"`
	Override         Override          `json:"override,omitempty"`
	ReceivedAt       time.Time         `json:"received_at"`
	Metadata         map[string]string `json:"metadata,omitempty"` // adapter reply context
}

// IsGroup reports whether the message came from a group conversation.
func (m InboundMessage) IsGroup() bool { return m.ConversationType == ConversationGroup }

// Clone returns a deep copy so the original's slices and map are never shared.
func (m InboundMessage) Clone() InboundMessage {
	m.Attachments = slices.Clone(m.Attachments)
	m.AtUserIDs = slices.Clone(m.AtUserIDs)
	if m.Metadata != nil {
		md := make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			md[k] = v
		}
		m.Metadata = md
	}
	return m
}

// Meta returns a metadata value or "".
func (m InboundMessage) Meta(key string) string {
	return m.Metadata[key]
}

// Event represents a server-side event to broadcast to observers
// (WebSocket clients, metrics).
type Event struct {
	Name    string      `json:"name"` // protocol.Event* constant
	Payload interface{} `json:"payload,omitempty"`
}

// MessageHandler handles an inbound message from a specific platform.
type MessageHandler func(InboundMessage) error

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter carries inbound messages from adapters to the orchestrator.
type MessageRouter interface {
	PublishInbound(ctx context.Context, msg InboundMessage) error
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
}
