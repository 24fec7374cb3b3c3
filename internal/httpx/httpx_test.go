package httpx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wkin-t/dingtalk-ai-bot/internal/config"
)

var fastPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func TestRetryOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"q":1}` {
			t.Errorf("attempt %d body = %q", calls.Load()+1, body)
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	client := &http.Client{Transport: Chain(http.DefaultTransport, Retry(fastPolicy))}
	resp, err := client.Post(srv.URL, "application/json", strings.NewReader(`{"q":1}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 || calls.Load() != 3 {
		t.Errorf("status %d after %d calls", resp.StatusCode, calls.Load())
	}
}

func TestRetryGivesUp(t *testing.T) {
	tests := []struct {
		name   string
		status int
		calls  int32
	}{
		{"client error is not retried", http.StatusBadRequest, 1},
		{"rate limit exhausts attempts", http.StatusTooManyRequests, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			client := &http.Client{Transport: Chain(http.DefaultTransport, Retry(fastPolicy))}
			resp, err := client.Get(srv.URL)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.status || calls.Load() != tt.calls {
				t.Errorf("status %d after %d calls, want %d after %d", resp.StatusCode, calls.Load(), tt.status, tt.calls)
			}
		})
	}
}

func TestNoRetryContext(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	req, _ := http.NewRequestWithContext(NoRetry(context.Background()), http.MethodGet, srv.URL, nil)
	resp, err := (&http.Client{Transport: Chain(http.DefaultTransport, Retry(fastPolicy))}).Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestBackoffBounds(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.5}
	for n := 1; n <= 10; n++ {
		d := p.Backoff(n)
		if d < 100*time.Millisecond || d > 1500*time.Millisecond {
			t.Errorf("Backoff(%d) = %v out of range", n, d)
		}
	}
	if got := ParseRetryAfter("3"); got != 3*time.Second {
		t.Errorf("ParseRetryAfter = %v", got)
	}
}

func TestJSONExtrasMerge(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	ctx := WithJSONExtras(context.Background(), map[string]any{
		"extra_body": map[string]any{"google": map[string]any{"thinking_config": map[string]any{"include_thoughts": true}}},
	})
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL,
		strings.NewReader(`{"model":"m","extra_body":{"keep":1}}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := (&http.Client{Transport: Chain(http.DefaultTransport, JSONExtras())}).Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if got["model"] != "m" {
		t.Errorf("model lost: %v", got)
	}
	eb, _ := got["extra_body"].(map[string]any)
	if eb["keep"] != float64(1) || eb["google"] == nil {
		t.Errorf("extra_body = %v", eb)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.RoundTripper) http.RoundTripper {
			return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
				order = append(order, name)
				return next.RoundTrip(r)
			})
		}
	}
	base := RoundTripperFunc(func(*http.Request) (*http.Response, error) {
		order = append(order, "base")
		return &http.Response{StatusCode: 204, Body: http.NoBody}, nil
	})
	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
	Chain(base, mark("a"), mark("b"), Tracing(nil), Logging(false)).RoundTrip(req)
	if strings.Join(order, ",") != "a,b,base" {
		t.Errorf("order = %v", order)
	}
}

func TestProxyBypassesPlatformHosts(t *testing.T) {
	proxy, err := ProxyFunc("socks5://127.0.0.1:1080")
	if err != nil {
		t.Fatal(err)
	}
	for host, direct := range map[string]bool{
		"api.dingtalk.com":                  true,
		"qyapi.weixin.qq.com":               true,
		"generativelanguage.googleapis.com": false,
	} {
		req, _ := http.NewRequest(http.MethodGet, "https://"+host+"/x", nil)
		u, _ := proxy(req)
		if (u == nil) != direct {
			t.Errorf("%s: proxy = %v", host, u)
		}
	}
	if _, err := ProxyFunc("ftp://x"); err == nil {
		t.Error("ftp proxy should be rejected")
	}
}

func TestJSONExtrasStack(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	ctx := WithJSONExtras(context.Background(), map[string]any{"agent": "a1", "tag": "old"})
	ctx = WithJSONExtras(ctx, map[string]any{"tag": "new"})
	ctx = WithJSONExtras(ctx, nil)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL, strings.NewReader(`{"model":"m"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := (&http.Client{Transport: Chain(http.DefaultTransport, JSONExtras())}).Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if got["agent"] != "a1" || got["tag"] != "new" || got["model"] != "m" {
		t.Errorf("body = %v", got)
	}
}

func TestDirectTransportIgnoresEnvironment(t *testing.T) {
	t.Setenv("HTTPS_PROXY", "http://127.0.0.1:9")
	tr, err := NewTransport(config.OutboundConfig{Proxy: ProxyDirect})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Proxy != nil {
		t.Error("direct transport still has a proxy func")
	}
}
