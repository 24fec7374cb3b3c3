package wecom

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wkin-t/dingtalk-ai-bot/internal/bus"
)

// Metadata keys set on normalized messages.
const (
	MetaStreamID    = "stream_id"
	MetaResponseURL = "response_url"
	MetaBotID       = "aibot_id"
)

// ErrNotMessage marks callbacks that carry no user content (events,
// stream polls).
var ErrNotMessage = errors.New("wecom: callback is not a user message")

// callback is the decrypted JSON payload of the intelligent-bot callback.
type callback struct {
	MsgID       string      `json:"msgid"`
	AIBotID     string      `json:"aibotid"`
	ChatID      string      `json:"chatid"`
	ChatType    string      `json:"chattype"` // "single" or "group"
	From        sender      `json:"from"`
	ResponseURL string      `json:"response_url"`
	MsgType     string      `json:"msgtype"`
	Text        textPart    `json:"text"`
	Image       urlPart     `json:"image"`
	File        urlPart     `json:"file"`
	Voice       textPart    `json:"voice"`
	Mixed       mixedPart   `json:"mixed"`
	Stream      streamPart  `json:"stream"`
	Event       interface{} `json:"event,omitempty"`
}

type sender struct {
	UserID string `json:"userid"`
	Name   string `json:"name"`
}

type textPart struct {
	Content string `json:"content"`
}

type urlPart struct {
	URL      string `json:"url"`
	FileName string `json:"filename"`
}

type mixedPart struct {
	Items []mixedItem `json:"msg_item"`
}

type mixedItem struct {
	MsgType string   `json:"msgtype"`
	Text    textPart `json:"text"`
	Image   urlPart  `json:"image"`
}

type streamPart struct {
	ID string `json:"id"`
}

func decode(raw []byte) (callback, error) {
	var cb callback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return cb, fmt.Errorf("wecom: decode callback: %w", err)
	}
	cb.MsgType = strings.ToLower(cb.MsgType)
	return cb, nil
}

// Normalize converts a decrypted callback into a canonical message. Stream
// polls and events return ErrNotMessage.
func Normalize(raw []byte) (bus.InboundMessage, error) {
	cb, err := decode(raw)
	if err != nil {
		return bus.InboundMessage{}, err
	}
	return normalize(cb)
}

func normalize(cb callback) (bus.InboundMessage, error) {
	if cb.MsgType == "stream" || cb.MsgType == "event" || cb.Event != nil {
		return bus.InboundMessage{}, ErrNotMessage
	}
	if cb.From.UserID == "" {
		return bus.InboundMessage{}, errors.New("wecom: callback without sender")
	}

	msg := bus.InboundMessage{
		Platform:         bus.PlatformWeCom,
		MessageID:        cb.MsgID,
		ConversationID:   cb.ChatID,
		ConversationType: bus.ConversationSingle,
		SenderID:         cb.From.UserID,
		SenderNick:       firstNonEmpty(cb.From.Name, cb.From.UserID),
		// Group callbacks are only delivered when the bot is mentioned.
		Mentioned:  true,
		ReceivedAt: time.Now(),
		Metadata: map[string]string{
			MetaResponseURL: cb.ResponseURL,
			MetaBotID:       cb.AIBotID,
		},
	}
	if cb.ChatType == "group" {
		msg.ConversationType = bus.ConversationGroup
	}
	if msg.ConversationID == "" {
		msg.ConversationID = cb.From.UserID
	}

	switch cb.MsgType {
	case "text":
		msg.Text = cb.Text.Content
	case "image":
		if cb.Image.URL == "" {
			return degraded(msg, cb.MsgType), nil
		}
		msg.Attachments = []bus.Attachment{{Kind: bus.AttachmentImage, Reference: cb.Image.URL}}
	case "mixed":
		var parts []string
		for _, it := range cb.Mixed.Items {
			switch strings.ToLower(it.MsgType) {
			case "text":
				if it.Text.Content != "" {
					parts = append(parts, it.Text.Content)
				}
			case "image":
				if it.Image.URL != "" {
					msg.Attachments = append(msg.Attachments, bus.Attachment{Kind: bus.AttachmentImage, Reference: it.Image.URL})
				}
			}
		}
		msg.Text = strings.Join(parts, " ")
	case "voice":
		if strings.TrimSpace(cb.Voice.Content) == "" {
			return degraded(msg, cb.MsgType), nil
		}
		// The platform delivers voice already transcribed.
		msg.Attachments = []bus.Attachment{{Kind: bus.AttachmentAudio, Text: strings.TrimSpace(cb.Voice.Content), Name: "voice"}}
	case "file":
		if cb.File.URL == "" {
			return degraded(msg, cb.MsgType), nil
		}
		msg.Attachments = []bus.Attachment{{Kind: bus.AttachmentFile, Reference: cb.File.URL, Name: cb.File.FileName}}
	default:
		return degraded(msg, cb.MsgType), nil
	}
	return bus.Finish(msg), nil
}

func degraded(msg bus.InboundMessage, msgType string) bus.InboundMessage {
	msg.Text = ""
	msg.Attachments = []bus.Attachment{{Kind: bus.AttachmentFile, Name: msgType, Unresolvable: true}}
	return msg
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
