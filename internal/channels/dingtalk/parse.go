package dingtalk

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wkin-t/dingtalk-ai-bot/internal/bus"
)

// Metadata keys set on normalized messages.
const (
	MetaSessionWebhook = "session_webhook"
	MetaStaffID        = "sender_staff_id"
	MetaRobotCode      = "robot_code"
	MetaConversationID = "conversation_id"
)

// robotMessage is the payload of the /v1.0/im/bot/messages/get callback.
type robotMessage struct {
	MsgID            string          `json:"msgId"`
	MsgType          string          `json:"msgtype"`
	ConversationID   string          `json:"conversationId"`
	ConversationType string          `json:"conversationType"` // "1" single, "2" group
	ConversationName string          `json:"conversationTitle"`
	SenderID         string          `json:"senderId"`
	SenderStaffID    string          `json:"senderStaffId"`
	SenderNick       string          `json:"senderNick"`
	IsInAtList       bool            `json:"isInAtList"`
	SessionWebhook   string          `json:"sessionWebhook"`
	RobotCode        string          `json:"robotCode"`
	CreateAt         int64           `json:"createAt"`
	AtUsers          []atUser        `json:"atUsers"`
	Text             textContent     `json:"text"`
	Content          json.RawMessage `json:"content"`
}

type textContent struct {
	Content string `json:"content"`
}

type atUser struct {
	DingTalkID string `json:"dingtalkId"`
	StaffID    string `json:"staffId"`
}

type mediaContent struct {
	DownloadCode        string         `json:"downloadCode"`
	PictureDownloadCode string         `json:"pictureDownloadCode"`
	Recognition         string         `json:"recognition"`
	FileName            string         `json:"fileName"`
	Duration            int            `json:"duration"`
	RichText            []richTextItem `json:"richText"`
}

type richTextItem struct {
	Text         string `json:"text"`
	DownloadCode string `json:"downloadCode"`
	Type         string `json:"type"`
}

// Normalize converts a robot callback payload into a canonical message.
// Unknown message types degrade to an unresolvable file attachment.
func Normalize(raw []byte) (bus.InboundMessage, error) {
	var rm robotMessage
	if err := json.Unmarshal(raw, &rm); err != nil {
		return bus.InboundMessage{}, fmt.Errorf("dingtalk: decode robot message: %w", err)
	}
	if rm.ConversationID == "" || (rm.SenderID == "" && rm.SenderStaffID == "") {
		return bus.InboundMessage{}, fmt.Errorf("dingtalk: robot message without conversation or sender")
	}

	msg := bus.InboundMessage{
		Platform:         bus.PlatformDingTalk,
		MessageID:        rm.MsgID,
		ConversationID:   rm.ConversationID,
		ConversationType: bus.ConversationSingle,
		ConversationName: rm.ConversationName,
		SenderID:         firstNonEmpty(rm.SenderStaffID, rm.SenderID),
		SenderNick:       rm.SenderNick,
		Mentioned:        rm.IsInAtList,
		ReceivedAt:       time.Now(),
		Metadata: map[string]string{
			MetaSessionWebhook: rm.SessionWebhook,
			MetaStaffID:        rm.SenderStaffID,
			MetaRobotCode:      rm.RobotCode,
			MetaConversationID: rm.ConversationID,
		},
	}
	if rm.ConversationType == "2" {
		msg.ConversationType = bus.ConversationGroup
	}
	if rm.CreateAt > 0 {
		msg.ReceivedAt = time.UnixMilli(rm.CreateAt)
	}
	for _, u := range rm.AtUsers {
		if id := firstNonEmpty(u.StaffID, u.DingTalkID); id != "" {
			msg.AtUserIDs = append(msg.AtUserIDs, id)
		}
	}

	var mc mediaContent
	if len(rm.Content) > 0 && rm.Content[0] == '{' {
		if err := json.Unmarshal(rm.Content, &mc); err != nil {
			return degraded(msg, rm.MsgType), nil
		}
	}

	switch rm.MsgType {
	case "text":
		msg.Text = rm.Text.Content
	case "picture":
		code := firstNonEmpty(mc.DownloadCode, mc.PictureDownloadCode)
		if code == "" {
			return degraded(msg, rm.MsgType), nil
		}
		msg.Attachments = []bus.Attachment{{Kind: bus.AttachmentImage, Reference: code}}
	case "richText":
		var parts []string
		for _, item := range mc.RichText {
			if item.Text != "" {
				parts = append(parts, item.Text)
			}
			if item.DownloadCode != "" {
				msg.Attachments = append(msg.Attachments, bus.Attachment{Kind: bus.AttachmentImage, Reference: item.DownloadCode})
			}
		}
		msg.Text = strings.Join(parts, "")
	case "audio":
		if mc.DownloadCode == "" && mc.Recognition == "" {
			return degraded(msg, rm.MsgType), nil
		}
		msg.Attachments = []bus.Attachment{{
			Kind:      bus.AttachmentAudio,
			Reference: mc.DownloadCode,
			Text:      strings.TrimSpace(mc.Recognition),
			Name:      "audio",
		}}
	case "file":
		if mc.DownloadCode == "" {
			return degraded(msg, rm.MsgType), nil
		}
		msg.Attachments = []bus.Attachment{{
			Kind:      bus.AttachmentFile,
			Reference: mc.DownloadCode,
			Name:      mc.FileName,
		}}
	default:
		return degraded(msg, rm.MsgType), nil
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
