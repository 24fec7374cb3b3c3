package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wkin-t/dingtalk-ai-bot/internal/bus"
	"github.com/wkin-t/dingtalk-ai-bot/pkg/protocol"
)

const (
	clientBuffer = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// hub fans bus events out to connected websocket clients.
type hub struct {
	events  bus.EventPublisher
	seq     atomic.Uint64
	mu      sync.Mutex
	clients map[string]*client
}

func newHub(events bus.EventPublisher) *hub {
	return &hub{events: events, clients: make(map[string]*client)}
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func (h *hub) register(conn *websocket.Conn) *client {
	c := &client{id: "ws-" + uuid.NewString(), conn: conn, send: make(chan []byte, clientBuffer), done: make(chan struct{})}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	h.events.Subscribe(c.id, func(ev bus.Event) {
		frame := protocol.Frame{Type: protocol.FrameTypeEvent, Seq: h.seq.Add(1), Event: ev.Name, Payload: ev.Payload}
		data, err := json.Marshal(frame)
		if err != nil {
			slog.Warn("event tap: marshal failed", "event", ev.Name, "error", err)
			return
		}
		select {
		case <-c.done:
		case c.send <- data:
		default:
			slog.Debug("event tap: client buffer full, dropping", "client", c.id, "event", ev.Name)
		}
	})
	slog.Info("event tap client connected", "id", c.id)
	return c
}

func (h *hub) unregister(c *client) {
	h.events.Unsubscribe(c.id)
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.close()
	slog.Info("event tap client disconnected", "id", c.id)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.conn.Close()
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (s *Server) handleEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	cl := s.hub.register(conn)
	defer s.hub.unregister(cl)

	go cl.writePump()
	cl.readPump()
}

// readPump discards client frames and returns when the peer goes away.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
