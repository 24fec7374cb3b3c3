// Package httpx builds the outbound HTTP stack shared by the model client,
// the DingTalk OpenAPI client and the WeCom webhook sender: a proxy-aware
// transport wrapped in retry, tracing, logging and body-extras middleware.
package httpx

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/wkin-t/dingtalk-ai-bot/internal/config"
)

// Middleware wraps a RoundTripper.
type Middleware func(http.RoundTripper) http.RoundTripper

// RoundTripperFunc adapts a function to http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// Chain applies mws around base; the first middleware is the outermost.
func Chain(base http.RoundTripper, mws ...Middleware) http.RoundTripper {
	rt := base
	for i := len(mws) - 1; i >= 0; i-- {
		rt = mws[i](rt)
	}
	return rt
}

// directHosts never go through the proxy; DingTalk rejects many egress
// proxies and is reachable from mainland networks anyway.
var directHosts = []string{"dingtalk.com", "weixin.qq.com"}

// ProxyDirect disables proxying entirely, environment included.
const ProxyDirect = "direct"

// ProxyFunc returns a Transport.Proxy for raw ("" means environment,
// ProxyDirect means none). socks5:// and http(s):// schemes are supported.
func ProxyFunc(raw string) (func(*http.Request) (*url.URL, error), error) {
	switch raw {
	case "":
		return http.ProxyFromEnvironment, nil
	case ProxyDirect:
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("httpx: parse proxy: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("httpx: unsupported proxy scheme %q", u.Scheme)
	}
	return func(r *http.Request) (*url.URL, error) {
		host := r.URL.Hostname()
		for _, d := range directHosts {
			if host == d || strings.HasSuffix(host, "."+d) {
				return nil, nil
			}
		}
		return u, nil
	}, nil
}

// NewTransport clones the default transport with the configured proxy.
func NewTransport(cfg config.OutboundConfig) (*http.Transport, error) {
	proxy, err := ProxyFunc(cfg.Proxy)
	if err != nil {
		return nil, err
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = proxy
	t.MaxIdleConnsPerHost = 16
	return t, nil
}

// NewClient builds the shared outbound client. tp may be nil.
func NewClient(cfg config.OutboundConfig, tp trace.TracerProvider) (*http.Client, error) {
	base, err := NewTransport(cfg)
	if err != nil {
		return nil, err
	}
	rt := Chain(base,
		Tracing(tp),
		Logging(cfg.LogBodies),
		Retry(PolicyFrom(cfg)),
		JSONExtras(),
	)
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	return &http.Client{Transport: rt, Timeout: timeout}, nil
}
