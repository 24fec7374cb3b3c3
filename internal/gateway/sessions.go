package gateway

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wkin-t/dingtalk-ai-bot/internal/sessions"
	"github.com/wkin-t/dingtalk-ai-bot/internal/store"
	"github.com/wkin-t/dingtalk-ai-bot/pkg/protocol"
)

var errBadKey = errors.New("invalid session key")

// sessionKey reads and validates the :key parameter. Keys contain colons,
// so clients may percent-encode them.
func sessionKey(c *gin.Context) (string, error) {
	raw := c.Param("key")
	if k, err := url.PathUnescape(raw); err == nil {
		raw = k
	}
	if _, _, ok := sessions.ParseSessionKey(raw); !ok {
		return "", errBadKey
	}
	return raw, nil
}

func (s *Server) handleGetSession(c *gin.Context) {
	key, err := sessionKey(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	entries, err := s.opts.Sessions.History(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(entries) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sessionView(key, entries))
}

func (s *Server) handleClearSession(c *gin.Context) {
	key, err := sessionKey(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	clearFn := s.opts.Sessions.Clear
	if s.opts.Clear != nil {
		clearFn = s.opts.Clear
	}
	if err := clearFn(c.Request.Context(), key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func sessionView(key string, entries []store.HistoryEntry) protocol.SessionView {
	v := protocol.SessionView{Key: key, Entries: make([]protocol.SessionEntry, 0, len(entries))}
	for _, e := range entries {
		v.Entries = append(v.Entries, protocol.SessionEntry{
			Role:      string(e.Role),
			Content:   e.Content,
			Timestamp: e.Timestamp.Format(time.RFC3339),
			Tokens:    e.TokenEstimate,
		})
	}
	return v
}
