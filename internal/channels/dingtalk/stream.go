package dingtalk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/wkin-t/dingtalk-ai-bot/internal/httpx"
)

const (
	connectionsOpenPath = "/v1.0/gateway/connections/open"
	botMessageTopic     = "/v1.0/im/bot/messages/get"
	userAgent           = "gembot/1.0"

	// The server pings every few seconds; a silent socket for this long is dead.
	readDeadline = 2 * time.Minute
)

// Frame is one stream-mode message.
type Frame struct {
	SpecVersion string            `json:"specVersion"`
	Type        string            `json:"type"` // SYSTEM, EVENT, CALLBACK
	Headers     map[string]string `json:"headers"`
	Data        string            `json:"data"`
}

// ack is the reply to SYSTEM and CALLBACK frames.
type ack struct {
	Code    int               `json:"code"`
	Headers map[string]string `json:"headers"`
	Message string            `json:"message"`
	Data    string            `json:"data"`
}

// CallbackHandler receives robot message payloads. It must not block;
// heavy work belongs to the orchestrator.
type CallbackHandler func(ctx context.Context, data []byte)

// StreamClient keeps a stream-mode connection open and reconnects with
// backoff when it drops.
type StreamClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	http         *http.Client
	policy       httpx.RetryPolicy
	handler      CallbackHandler
}

// NewStreamClient creates a stream client.
func NewStreamClient(baseURL, clientID, clientSecret string, httpClient *http.Client, policy httpx.RetryPolicy, handler CallbackHandler) *StreamClient {
	return &StreamClient{
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		http:         httpClient,
		policy:       policy,
		handler:      handler,
	}
}

// Run connects and serves frames until ctx is done.
func (s *StreamClient) Run(ctx context.Context) {
	attempt := 0
	for ctx.Err() == nil {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
		}
		attempt++
		delay := s.policy.Backoff(attempt)
		slog.Warn("dingtalk stream disconnected", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session runs one connection. connected reports whether the socket was
// established, so Run can reset its backoff.
func (s *StreamClient) session(ctx context.Context) (connected bool, err error) {
	endpoint, err := s.open(ctx)
	if err != nil {
		return false, err
	}

	// The socket outlives any whole-request timeout; ctx bounds it instead.
	wsClient := *s.http
	wsClient.Timeout = 0
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPClient: &wsClient})
	if err != nil {
		return false, fmt.Errorf("dingtalk: ws dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(4 << 20)
	slog.Info("dingtalk stream connected")

	for {
		readCtx, cancel := context.WithTimeout(ctx, readDeadline)
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				err = errors.New("read timeout (silent disconnect)")
			}
			return true, err
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("dingtalk: bad stream frame", "error", err)
			continue
		}
		reply, done := s.handle(ctx, f)
		if reply != nil {
			out, _ := json.Marshal(reply)
			if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
				return true, fmt.Errorf("dingtalk: ws write: %w", err)
			}
		}
		if done {
			conn.Close(websocket.StatusNormalClosure, "server requested disconnect")
			return true, errors.New("server requested disconnect")
		}
	}
}

// handle processes one frame and returns the ack to send, if any.
func (s *StreamClient) handle(ctx context.Context, f Frame) (reply *ack, disconnect bool) {
	topic := f.Headers["topic"]
	switch f.Type {
	case "SYSTEM":
		switch topic {
		case "ping":
			return &ack{Code: 200, Headers: f.Headers, Message: "OK", Data: f.Data}, false
		case "disconnect":
			return nil, true
		}
		return nil, false
	case "CALLBACK":
		if topic == botMessageTopic && s.handler != nil {
			s.handler(ctx, []byte(f.Data))
		}
		return &ack{
			Code:    200,
			Headers: map[string]string{"contentType": "application/json", "messageId": f.Headers["messageId"]},
			Message: "OK",
			Data:    `{"response":null}`,
		}, false
	case "EVENT":
		return &ack{
			Code:    200,
			Headers: map[string]string{"contentType": "application/json", "messageId": f.Headers["messageId"]},
			Message: "OK",
			Data:    `{"status":"SUCCESS","message":"success"}`,
		}, false
	}
	return nil, false
}

// open registers the subscription and returns the ticketed socket URL.
func (s *StreamClient) open(ctx context.Context) (string, error) {
	body := map[string]any{
		"clientId":     s.clientID,
		"clientSecret": s.clientSecret,
		"subscriptions": []map[string]string{
			{"type": "CALLBACK", "topic": botMessageTopic},
		},
		"ua": userAgent,
	}
	c := &Client{baseURL: s.baseURL, http: s.http}
	var out struct {
		Endpoint string `json:"endpoint"`
		Ticket   string `json:"ticket"`
	}
	if err := c.send(ctx, http.MethodPost, connectionsOpenPath, "", body, &out); err != nil {
		return "", fmt.Errorf("dingtalk: open connection: %w", err)
	}
	if out.Endpoint == "" || out.Ticket == "" {
		return "", errors.New("dingtalk: open connection: missing endpoint or ticket")
	}
	u, err := url.Parse(out.Endpoint)
	if err != nil {
		return "", fmt.Errorf("dingtalk: bad endpoint: %w", err)
	}
	q := u.Query()
	q.Set("ticket", out.Ticket)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
