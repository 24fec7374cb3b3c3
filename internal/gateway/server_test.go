package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wkin-t/dingtalk-ai-bot/internal/bus"
	"github.com/wkin-t/dingtalk-ai-bot/internal/config"
	"github.com/wkin-t/dingtalk-ai-bot/internal/store"
	"github.com/wkin-t/dingtalk-ai-bot/internal/store/memory"
	"github.com/wkin-t/dingtalk-ai-bot/pkg/protocol"
)

const testToken = "s3cret"

func newTestServer(t *testing.T, mutate func(*Options)) (*Server, *memory.Store, *bus.MessageBus) {
	t.Helper()
	st := memory.New(store.Options{})
	b := bus.New(0)
	opts := Options{
		Config:   config.GatewayConfig{Host: "127.0.0.1", Token: testToken},
		Version:  "test",
		Sessions: st,
		Events:   b,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("gembot_inbound_messages_total 1\n"))
		}),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewServer(opts), st, b
}

func do(s *Server, method, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	rec := do(s, http.MethodGet, protocol.RouteHealth, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])

	rec = do(s, http.MethodGet, protocol.RouteMetrics, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gembot_inbound_messages_total")
}

func TestCallbackMounted(t *testing.T) {
	var methods []string
	s, _, _ := newTestServer(t, func(o *Options) {
		o.Callbacks = []Callback{{Path: "/wecom/callback", Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			methods = append(methods, r.Method)
			w.Write([]byte("success"))
		})}}
	})
	for _, m := range []string{http.MethodGet, http.MethodPost} {
		rec := do(s, m, "/wecom/callback?msg_signature=x", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "success", rec.Body.String())
	}
	assert.Equal(t, []string{http.MethodGet, http.MethodPost}, methods)
}

func TestAdminAuth(t *testing.T) {
	tests := []struct {
		name     string
		cfgToken string
		token    string
		want     int
	}{
		{"no token configured", "", "anything", http.StatusForbidden},
		{"missing", testToken, "", http.StatusUnauthorized},
		{"wrong", testToken, "nope", http.StatusUnauthorized},
		{"valid", testToken, testToken, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestServer(t, func(o *Options) { o.Config.Token = tt.cfgToken })
			rec := do(s, http.MethodGet, protocol.RouteSessions+"/wecom:u1", tt.token)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestGetSession(t *testing.T) {
	s, st, _ := newTestServer(t, nil)
	ctx := context.Background()
	now := time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC)
	require.NoError(t, st.AppendTurn(ctx, "dingtalk:group:cid42",
		store.NewEntry(store.RoleUser, "Bo: 北京天气", now),
		store.NewEntry(store.RoleAssistant, "晴", now)))

	rec := do(s, http.MethodGet, protocol.RouteSessions+"/"+url.PathEscape("dingtalk:group:cid42"), testToken)
	require.Equal(t, http.StatusOK, rec.Code)

	var view protocol.SessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "dingtalk:group:cid42", view.Key)
	require.Len(t, view.Entries, 2)
	assert.Equal(t, "user", view.Entries[0].Role)
	assert.Equal(t, "2026-03-05T08:00:00Z", view.Entries[0].Timestamp)

	rec = do(s, http.MethodGet, protocol.RouteSessions+"/slack:x", testToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClearSessionUsesHook(t *testing.T) {
	var cleared string
	s, st, _ := newTestServer(t, func(o *Options) {
		o.Clear = func(ctx context.Context, key string) error {
			cleared = key
			return o.Sessions.Clear(ctx, key)
		}
	})
	now := time.Now()
	require.NoError(t, st.AppendTurn(context.Background(), "wecom:u1",
		store.NewEntry(store.RoleUser, "a", now), store.NewEntry(store.RoleAssistant, "b", now)))

	rec := do(s, http.MethodDelete, protocol.RouteSessions+"/wecom:u1", testToken)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "wecom:u1", cleared)

	entries, err := st.History(context.Background(), "wecom:u1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEventTap(t *testing.T) {
	s, _, b := newTestServer(t, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + protocol.RouteEvents + "?token=" + testToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.hub.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	b.Broadcast(bus.Event{Name: protocol.EventTurnFinal, Payload: protocol.TurnEvent{SessionKey: "wecom:u1", TurnID: "t1", Text: "done"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame struct {
		Type    string            `json:"type"`
		Seq     uint64            `json:"seq"`
		Event   string            `json:"event"`
		Payload protocol.TurnEvent `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, protocol.FrameTypeEvent, frame.Type)
	assert.Equal(t, protocol.EventTurnFinal, frame.Event)
	assert.Equal(t, uint64(1), frame.Seq)
	assert.Equal(t, "done", frame.Payload.Text)
}

func TestEventTapRejectsForeignOrigin(t *testing.T) {
	s, _, _ := newTestServer(t, func(o *Options) { o.Config.AllowedOrigins = config.FlexibleStringSlice{"https://ops.example.com"} })
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + protocol.RouteEvents + "?token=" + testToken
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}
