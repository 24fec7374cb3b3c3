package dingtalk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wkin-t/dingtalk-ai-bot/internal/bus"
	"github.com/wkin-t/dingtalk-ai-bot/internal/channels"
	"github.com/wkin-t/dingtalk-ai-bot/internal/httpx"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantText  string
		wantKinds []bus.AttachmentKind
		check     func(t *testing.T, m bus.InboundMessage)
	}{
		{
			name:     "group text with mention",
			raw:      `{"msgId":"m1","msgtype":"text","conversationId":"cid1","conversationType":"2","senderId":"s1","senderStaffId":"staff1","senderNick":"Amy","isInAtList":true,"sessionWebhook":"https://hook","createAt":1700000000000,"text":{"content":"@Gem  what's the weather in Paris"}}`,
			wantText: "what's the weather in Paris",
			check: func(t *testing.T, m bus.InboundMessage) {
				if !m.IsGroup() || !m.Mentioned || m.SenderID != "staff1" || m.Meta(MetaSessionWebhook) != "https://hook" {
					t.Errorf("message = %+v", m)
				}
				if m.ReceivedAt.UnixMilli() != 1700000000000 {
					t.Errorf("received_at = %v", m.ReceivedAt)
				}
			},
		},
		{
			name:      "picture",
			raw:       `{"msgtype":"picture","conversationId":"c","conversationType":"1","senderId":"s","content":{"downloadCode":"dc1"}}`,
			wantKinds: []bus.AttachmentKind{bus.AttachmentImage},
		},
		{
			name:      "rich text",
			raw:       `{"msgtype":"richText","conversationId":"c","conversationType":"1","senderId":"s","content":{"richText":[{"text":"看看"},{"downloadCode":"a","type":"picture"},{"text":"这两张"},{"downloadCode":"b","type":"picture"}]}}`,
			wantText:  "看看这两张",
			wantKinds: []bus.AttachmentKind{bus.AttachmentImage, bus.AttachmentImage},
		},
		{
			name:      "audio with recognition",
			raw:       `{"msgtype":"audio","conversationId":"c","conversationType":"1","senderId":"s","content":{"downloadCode":"v","recognition":"明天开会"}}`,
			wantKinds: []bus.AttachmentKind{bus.AttachmentAudio},
			check: func(t *testing.T, m bus.InboundMessage) {
				if m.Attachments[0].Text != "明天开会" {
					t.Errorf("recognition = %q", m.Attachments[0].Text)
				}
			},
		},
		{
			name:      "file",
			raw:       `{"msgtype":"file","conversationId":"c","conversationType":"1","senderId":"s","content":{"downloadCode":"f","fileName":"a.pdf"}}`,
			wantKinds: []bus.AttachmentKind{bus.AttachmentFile},
		},
		{
			name:      "unknown type degrades",
			raw:       `{"msgtype":"video","conversationId":"c","conversationType":"1","senderId":"s","content":{"videoCode":"x"}}`,
			wantKinds: []bus.AttachmentKind{bus.AttachmentFile},
			check: func(t *testing.T, m bus.InboundMessage) {
				if !m.Attachments[0].Unresolvable {
					t.Error("want unresolvable attachment")
				}
			},
		},
		{
			name:      "picture without code degrades",
			raw:       `{"msgtype":"picture","conversationId":"c","conversationType":"1","senderId":"s","content":{}}`,
			wantKinds: []bus.AttachmentKind{bus.AttachmentFile},
		},
		{
			name: "command",
			raw:  `{"msgtype":"text","conversationId":"c","conversationType":"1","senderId":"s","text":{"content":" /clear "}}`,
			check: func(t *testing.T, m bus.InboundMessage) {
				if m.Command != bus.CommandClear {
					t.Errorf("command = %q", m.Command)
				}
			},
			wantText: "/clear",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Normalize([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if m.Platform != bus.PlatformDingTalk {
				t.Errorf("platform = %q", m.Platform)
			}
			if m.Text != tt.wantText {
				t.Errorf("text = %q, want %q", m.Text, tt.wantText)
			}
			if len(m.Attachments) != len(tt.wantKinds) {
				t.Fatalf("attachments = %+v", m.Attachments)
			}
			for i, k := range tt.wantKinds {
				if m.Attachments[i].Kind != k {
					t.Errorf("attachment %d kind = %q, want %q", i, m.Attachments[i].Kind, k)
				}
			}
			if tt.check != nil {
				tt.check(t, m)
			}
		})
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"not json", `{"msgtype":"text"}`} {
		if _, err := Normalize([]byte(raw)); err == nil {
			t.Errorf("Normalize(%q): expected error", raw)
		}
	}
}

func TestRenderBody(t *testing.T) {
	thinking := renderBody(channels.Update{Thinking: "先分析", StillThinking: true})
	if !strings.Contains(thinking, "<details open>") || !strings.Contains(thinking, "等待回复生成") {
		t.Errorf("thinking body = %q", thinking)
	}
	done := renderBody(channels.Update{Thinking: "先分析", Text: "答案"})
	if !strings.Contains(done, "思考过程") || !strings.HasSuffix(done, "\n---\n答案") {
		t.Errorf("final body = %q", done)
	}
	if got := renderBody(channels.Update{Text: "only"}); got != "only" {
		t.Errorf("plain body = %q", got)
	}
	long := renderBody(channels.Update{Thinking: strings.Repeat("想", 2500)})
	if n := strings.Count(long, "想"); n != maxThinkingRunes {
		t.Errorf("thinking kept %d runes", n)
	}
}

func TestRenderStatusTruncates(t *testing.T) {
	got := renderStatus(channels.Update{Thinking: strings.Repeat("a ", 100), Status: "flash | low"})
	if !strings.Contains(got, "...") || !strings.Contains(got, "flash | low") {
		t.Errorf("status = %q", got)
	}
}

type fakeAPI struct {
	tokens  atomic.Int32
	rejects atomic.Int32 // number of card calls to answer with 401
	bodies  chan map[string]any
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1.0/oauth2/accessToken", func(w http.ResponseWriter, r *http.Request) {
		n := f.tokens.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"accessToken": fmt.Sprintf("tok%d", n), "expireIn": 7200})
	})
	mux.HandleFunc("POST /v1.0/card/instances/createAndDeliver", func(w http.ResponseWriter, r *http.Request) {
		if f.rejects.Load() > 0 {
			f.rejects.Add(-1)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"code":"InvalidAuthentication","message":"expired"}`))
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		body["token"] = r.Header.Get("x-acs-dingtalk-access-token")
		f.bodies <- body
		w.Write([]byte(`{"success":true}`))
	})
	return mux
}

func TestClientCardTokenRefresh(t *testing.T) {
	api := &fakeAPI{bodies: make(chan map[string]any, 4)}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	c := NewClient(srv.URL, "key", "secret", "robot", srv.Client())
	ctx := context.Background()

	id, err := c.CreateAndDeliver(ctx, "tpl", CardTarget{ConversationID: "cid", Group: true, AtUserIDs: []string{"u1"}}, initialParams("Gem"))
	if err != nil || id == "" {
		t.Fatalf("CreateAndDeliver: %q, %v", id, err)
	}
	body := <-api.bodies
	if body["openSpaceId"] != "dtv1.card//im_group.cid" || body["outTrackId"] != id || body["token"] != "tok1" {
		t.Errorf("body = %v", body)
	}

	api.rejects.Store(1)
	if _, err := c.CreateAndDeliver(ctx, "tpl", CardTarget{StaffID: "staff9"}, initialParams("Gem")); err != nil {
		t.Fatalf("after 401: %v", err)
	}
	body = <-api.bodies
	if body["openSpaceId"] != "dtv1.card//im_robot.staff9" || body["token"] != "tok2" {
		t.Errorf("refreshed body = %v", body)
	}
	if api.tokens.Load() != 2 {
		t.Errorf("token fetches = %d, want 2", api.tokens.Load())
	}
}

func TestClientAPIErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == tokenEndpoint {
			w.Write([]byte(`{"accessToken":"t","expireIn":7200}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":"param.invalid","message":"bad template"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", "s", "r", srv.Client())
	err := c.UpdateCard(context.Background(), "track", map[string]string{"flowStatus": flowFinalized})
	var ae *APIError
	if !errors.As(err, &ae) || ae.Status != http.StatusBadRequest || ae.Code != "param.invalid" {
		t.Fatalf("err = %v", err)
	}
}

func TestStreamFrames(t *testing.T) {
	var got []byte
	s := &StreamClient{handler: func(_ context.Context, data []byte) { got = data }}

	reply, done := s.handle(context.Background(), Frame{Type: "SYSTEM", Headers: map[string]string{"topic": "ping", "messageId": "p1"}, Data: `{"opaque":"x"}`})
	if done || reply == nil || reply.Code != 200 || reply.Data != `{"opaque":"x"}` || reply.Headers["messageId"] != "p1" {
		t.Errorf("ping reply = %+v", reply)
	}

	reply, _ = s.handle(context.Background(), Frame{Type: "CALLBACK", Headers: map[string]string{"topic": botMessageTopic, "messageId": "m7"}, Data: `{"msgId":"x"}`})
	if string(got) != `{"msgId":"x"}` || reply.Headers["messageId"] != "m7" {
		t.Errorf("callback: got %q reply %+v", got, reply)
	}

	if _, done := s.handle(context.Background(), Frame{Type: "SYSTEM", Headers: map[string]string{"topic": "disconnect"}}); !done {
		t.Error("disconnect should end the session")
	}
}

func TestStreamOpenBuildsTicketURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["clientId"] != "id" {
			t.Errorf("body = %v", body)
		}
		w.Write([]byte(`{"endpoint":"wss://wss-open-connection.dingtalk.com:443/connect","ticket":"a b"}`))
	}))
	defer srv.Close()

	s := NewStreamClient(srv.URL, "id", "secret", srv.Client(), httpx.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, nil)
	u, err := s.open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if u != "wss://wss-open-connection.dingtalk.com:443/connect?ticket=a+b" {
		t.Errorf("url = %q", u)
	}
}
