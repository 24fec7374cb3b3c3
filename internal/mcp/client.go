// Package mcp connects to one MCP tool server (the media tools: speech
// recognition and file summarization) and keeps the connection healthy.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

const (
	healthCheckInterval  = 30 * time.Second
	initialBackoff       = 2 * time.Second
	maxBackoff           = 60 * time.Second
	maxReconnectAttempts = 10
)

// ErrToolError is wrapped when the server marks a result as an error.
var ErrToolError = errors.New("mcp: tool returned an error")

// Options describe the server.
type Options struct {
	URL       string
	Transport string // "streamable-http" (default) or "sse"
	Headers   map[string]string
	Timeout   time.Duration // per call (default 60s)
}

// Client is a connected MCP client.
type Client struct {
	name    string
	client  *mcpclient.Client
	timeout time.Duration
	tools   map[string]bool
	cancel  context.CancelFunc

	connected      atomic.Bool
	mu             sync.Mutex
	reconnAttempts int
	lastErr        string
}

// Dial creates a transport for opts and connects.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	c, err := createClient(opts.Transport, opts.URL, opts.Headers)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	return Connect(ctx, opts.URL, c, opts.Timeout)
}

// Connect initializes an already constructed client, discovers its tools
// and starts health monitoring.
func Connect(ctx context.Context, name string, c *mcpclient.Client, timeout time.Duration) (*Client, error) {
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("start transport: %w", err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "gembot", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	list, err := c.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("list tools: %w", err)
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	cl := &Client{name: name, client: c, timeout: timeout, tools: map[string]bool{}}
	for _, t := range list.Tools {
		cl.tools[t.Name] = true
	}
	cl.connected.Store(true)

	hctx, hcancel := context.WithCancel(context.Background())
	cl.cancel = hcancel
	go cl.healthLoop(hctx)

	slog.Info("mcp.server.connected", "server", name, "tools", len(cl.tools))
	return cl, nil
}

func createClient(transportType, url string, headers map[string]string) (*mcpclient.Client, error) {
	switch transportType {
	case "sse":
		var opts []transport.ClientOption
		if len(headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(headers))
		}
		return mcpclient.NewSSEMCPClient(url, opts...)

	case "", "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(headers))
		}
		return mcpclient.NewStreamableHttpClient(url, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %q", transportType)
	}
}

// Has reports whether the server advertised tool.
func (c *Client) Has(tool string) bool { return c.tools[tool] }

// Connected reports the last health check result.
func (c *Client) Connected() bool { return c.connected.Load() }

// Call invokes tool and returns its concatenated text content.
func (c *Client) Call(ctx context.Context, tool string, args map[string]any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args
	res, err := c.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mcp: call %s: %w", tool, err)
	}

	var b strings.Builder
	for _, content := range res.Content {
		if tc, ok := mcpgo.AsTextContent(content); ok {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(tc.Text)
		}
	}
	if res.IsError {
		return "", fmt.Errorf("%w: %s: %s", ErrToolError, tool, b.String())
	}
	return b.String(), nil
}

// Close stops health checks and closes the transport.
func (c *Client) Close() error {
	c.cancel()
	return c.client.Close()
}

// healthLoop periodically pings the server and attempts reconnection on failure.
func (c *Client) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.client.Ping(ctx)
			// Servers that don't implement "ping" are still alive.
			if err == nil || strings.Contains(strings.ToLower(err.Error()), "method not found") {
				c.markHealthy()
				continue
			}
			c.connected.Store(false)
			c.mu.Lock()
			c.lastErr = err.Error()
			c.mu.Unlock()
			slog.Warn("mcp.server.health_failed", "server", c.name, "error", err)
			c.tryReconnect(ctx)
		}
	}
}

func (c *Client) markHealthy() {
	c.connected.Store(true)
	c.mu.Lock()
	c.reconnAttempts = 0
	c.lastErr = ""
	c.mu.Unlock()
}

// tryReconnect waits with exponential backoff and pings again; the
// transport reconnects on its own.
func (c *Client) tryReconnect(ctx context.Context) {
	c.mu.Lock()
	if c.reconnAttempts >= maxReconnectAttempts {
		c.lastErr = fmt.Sprintf("max reconnect attempts (%d) reached", maxReconnectAttempts)
		c.mu.Unlock()
		slog.Error("mcp.server.reconnect_exhausted", "server", c.name)
		return
	}
	c.reconnAttempts++
	attempt := c.reconnAttempts
	c.mu.Unlock()

	backoff := min(initialBackoff*time.Duration(1<<(attempt-1)), maxBackoff)
	slog.Info("mcp.server.reconnecting", "server", c.name, "attempt", attempt, "backoff", backoff)

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}
	if err := c.client.Ping(ctx); err == nil {
		c.markHealthy()
		slog.Info("mcp.server.reconnected", "server", c.name)
	}
}
