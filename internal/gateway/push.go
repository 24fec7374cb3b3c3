package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wkin-t/dingtalk-ai-bot/pkg/protocol"
)

// Pusher delivers operator messages straight to a platform conversation.
type Pusher interface {
	Push(ctx context.Context, m protocol.PushMessage) error
}

// requirePushAuth checks the push bearer token and the caller address.
// The push surface is closed when no token is configured.
func (s *Server) requirePushAuth(c *gin.Context) {
	want := s.opts.Config.PushToken
	if want == "" {
		c.AbortWithStatusJSON(http.StatusForbidden, protocol.PushResult{Error: "push disabled: no push token configured"})
		return
	}
	if !tokenEqual(bearer(c), want) {
		slog.Warn("security.unauthorized", "path", c.FullPath(), "ip", c.ClientIP())
		c.AbortWithStatusJSON(http.StatusUnauthorized, protocol.PushResult{Error: "unauthorized"})
		return
	}
	if !allowed(s.opts.PushAllow, c.ClientIP()) {
		slog.Warn("security.push_ip_rejected", "ip", c.ClientIP())
		c.AbortWithStatusJSON(http.StatusForbidden, protocol.PushResult{Error: "forbidden"})
		return
	}
	c.Next()
}

func allowed(prefixes []netip.Prefix, ip string) bool {
	if len(prefixes) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (s *Server) handlePush(c *gin.Context) {
	var req protocol.PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, protocol.PushResult{Error: "invalid json body"})
		return
	}
	msg, err := parsePush(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, protocol.PushResult{Error: err.Error()})
		return
	}
	if err := s.opts.Push.Push(c.Request.Context(), msg); err != nil {
		slog.Warn("push failed", "conversation", msg.ConversationID, "kind", msg.Kind, "error", err)
		c.JSON(http.StatusBadGateway, protocol.PushResult{Error: err.Error()})
		return
	}
	slog.Info("push sent", "conversation", msg.ConversationID, "kind", msg.Kind, "group", msg.Group)
	c.JSON(http.StatusOK, protocol.PushResult{OK: true})
}

// parsePush validates a request and fills in defaults: group target and
// markdown content.
func parsePush(req protocol.PushRequest) (protocol.PushMessage, error) {
	m := protocol.PushMessage{
		ConversationID: strings.TrimSpace(req.ConversationID),
		Title:          req.Title,
		Content:        req.Content,
		Kind:           strings.ToLower(strings.TrimSpace(req.MessageType)),
	}
	if m.ConversationID == "" {
		return m, errors.New("conversation_id is required")
	}
	switch strings.ToLower(strings.TrimSpace(req.TargetType)) {
	case "", protocol.PushTargetGroup:
		m.Group = true
	case protocol.PushTargetSingle:
	default:
		return m, fmt.Errorf("unsupported target_type %q", req.TargetType)
	}
	if m.Kind == "" {
		m.Kind = protocol.PushMarkdown
	}
	switch m.Kind {
	case protocol.PushText, protocol.PushMarkdown:
		if strings.TrimSpace(m.Content) == "" {
			return m, errors.New("content is required")
		}
	case protocol.PushImage:
		raw := req.ImageBase64
		if i := strings.Index(raw, ","); strings.HasPrefix(raw, "data:") && i >= 0 {
			raw = raw[i+1:]
		}
		img, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
		if err != nil || len(img) == 0 {
			return m, errors.New("image_base64 is not valid base64")
		}
		m.Image = img
	default:
		return m, fmt.Errorf("unsupported message_type %q", req.MessageType)
	}
	return m, nil
}
