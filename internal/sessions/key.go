// Package sessions builds session keys and applies the memory policy on
// top of a SessionStore.
//
// Session keys follow one canonical format:
//
//	{platform}:{conversationId}   group chats share one history
//	{platform}:{senderId}         single chats are per user
//
// Examples:
//
//	dingtalk:cidXk3f9q==
//	wecom:wrkSFfCgAAxxxx
//	wecom:zhangsan
package sessions

import (
	"strings"

	"github.com/wkin-t/dingtalk-ai-bot/internal/bus"
)

// BuildSessionKey builds the session key for a conversation.
func BuildSessionKey(platform bus.Platform, kind bus.ConversationType, conversationID, senderID string) string {
	id := senderID
	if kind == bus.ConversationGroup {
		id = conversationID
	}
	return string(platform) + ":" + id
}

// KeyFor builds the session key of an inbound message.
func KeyFor(m bus.InboundMessage) string {
	return BuildSessionKey(m.Platform, m.ConversationType, m.ConversationID, m.SenderID)
}

// ParseSessionKey splits a key into its platform and id. Ids may themselves
// contain colons; only the first separator counts.
func ParseSessionKey(key string) (platform bus.Platform, id string, ok bool) {
	p, rest, found := strings.Cut(key, ":")
	if !found || rest == "" {
		return "", "", false
	}
	switch bus.Platform(p) {
	case bus.PlatformDingTalk, bus.PlatformWeCom:
		return bus.Platform(p), rest, true
	}
	return "", "", false
}
