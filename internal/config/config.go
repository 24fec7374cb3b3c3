package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration of the bot gateway.
// It is built once by Load and must be treated as read-only afterwards;
// components receive the sub-structs they need by value.
type Config struct {
	Backend   string          `json:"backend"` // "gemini" (default) or "openclaw"
	Bot       BotConfig       `json:"bot"`
	Gemini    GeminiConfig    `json:"gemini"`
	OpenClaw  OpenClawConfig  `json:"openclaw"`
	Router    RouterConfig    `json:"router"`
	Debounce  DebounceConfig  `json:"debounce"`
	Sessions  SessionsConfig  `json:"sessions"`
	Relay     RelayConfig     `json:"relay"`
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	Outbound  OutboundConfig  `json:"outbound"`
	Media     MediaConfig     `json:"media"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// BotConfig holds the assistant persona.
type BotConfig struct {
	Name          string `json:"name"`                     // shown in the system prompt (default "Gem")
	Timezone      string `json:"timezone"`                 // IANA zone used for prompt timestamps (default "Asia/Shanghai")
	ReferenceAuto *bool  `json:"reference_auto,omitempty"` // quote the previous user message on "继续"-style turns (default true)
}

// QuoteReferences reports whether back-referencing turns get the previous
// user message quoted into the prompt.
func (b BotConfig) QuoteReferences() bool {
	return b.ReferenceAuto == nil || *b.ReferenceAuto
}

// GeminiConfig configures the OpenAI-compatible model endpoint.
// APIKey is read from the environment only.
type GeminiConfig struct {
	APIKey          string  `json:"-"`
	APIBase         string  `json:"api_base"`
	FlashModel      string  `json:"flash_model"`
	ProModel        string  `json:"pro_model"`
	ClassifierModel string  `json:"classifier_model,omitempty"`
	MaxTokens       int     `json:"max_tokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
	IncludeThoughts bool    `json:"include_thoughts"`       // request thought summaries
	EnableSearch    bool    `json:"enable_search"`          // allow the router to turn on grounding search
	TimeoutSec      int     `json:"timeout_sec,omitempty"`  // whole-request timeout (default 300)
}

// OpenClawConfig configures the OpenClaw agent gateway backend.
// Token is read from the environment only.
type OpenClawConfig struct {
	URL             string            `json:"url"` // full chat completions URL
	Token           string            `json:"-"`
	DefaultAgent    string            `json:"default_agent"`
	GroupAgents     map[string]string `json:"group_agents,omitempty"` // conversation id -> agent id
	StrictRouting   *bool             `json:"strict_routing,omitempty"` // reject unmapped conversations (default true)
	ContextMessages int               `json:"context_messages"`
	BotName         string            `json:"bot_name,omitempty"`
}

// Strict reports whether unmapped conversations are rejected.
func (o OpenClawConfig) Strict() bool {
	return o.StrictRouting == nil || *o.StrictRouting
}

// RouterConfig tunes the routing heuristics.
type RouterConfig struct {
	Mode                 string              `json:"mode"` // "heuristic" (default) or "classifier"
	ShortTurnRunes       int                 `json:"short_turn_runes"`
	LongTurnRunes        int                 `json:"long_turn_runes"`
	ProLengthRunes       int                 `json:"pro_length_runes"`
	ProKeywordHits       int                 `json:"pro_keyword_hits"`
	ComplexHighHits      int                 `json:"complex_high_hits"`
	ComplexProHits       int                 `json:"complex_pro_hits"`
	ExtraSearchKeywords  FlexibleStringSlice `json:"extra_search_keywords,omitempty"`
	ClassifierTimeoutSec int                 `json:"classifier_timeout_sec,omitempty"`
}

// DebounceConfig configures the per-session merge window.
type DebounceConfig struct {
	WindowMs int `json:"window_ms"` // sliding window (default 2000, 0 = dispatch immediately)
}

// Window returns the debounce window as a duration.
func (d DebounceConfig) Window() time.Duration {
	return time.Duration(d.WindowMs) * time.Millisecond
}

// SessionsConfig selects and tunes the session store.
// PostgresDSN and RedisURL are read from the environment only.
type SessionsConfig struct {
	Backend       string `json:"backend"` // "memory", "file", "sqlite" (default), "postgres", "redis"
	Path          string `json:"path"`    // file directory or sqlite database path
	PostgresDSN   string `json:"-"`
	RedisURL      string `json:"-"`
	ContextCap    int    `json:"context_cap"`
	StorageCap    int    `json:"storage_cap"`
	TTLHours      int    `json:"ttl_hours"`
	SweepSchedule string `json:"sweep_schedule,omitempty"` // cron expression, "" disables
}

// TTL returns the idle expiry as a duration.
func (s SessionsConfig) TTL() time.Duration {
	return time.Duration(s.TTLHours) * time.Hour
}

// RelayConfig tunes streaming delivery.
type RelayConfig struct {
	ThrottleMs       int   `json:"throttle_ms"`
	ChunkTimeoutSec  int   `json:"chunk_timeout_sec"`
	RetryCheaperTier *bool `json:"retry_cheaper_tier,omitempty"` // default true
}

// Throttle returns the minimum interval between partial updates.
func (r RelayConfig) Throttle() time.Duration {
	return time.Duration(r.ThrottleMs) * time.Millisecond
}

// ChunkTimeout returns the idle timeout between upstream chunks.
func (r RelayConfig) ChunkTimeout() time.Duration {
	return time.Duration(r.ChunkTimeoutSec) * time.Second
}

// RetryEnabled reports whether a failed first attempt is retried on a cheaper tier.
func (r RelayConfig) RetryEnabled() bool {
	return r.RetryCheaperTier == nil || *r.RetryCheaperTier
}

// GatewayConfig configures the inbound HTTP server.
type GatewayConfig struct {
	Host           string              `json:"host"`
	Port           int                 `json:"port"`
	Token          string              `json:"-"` // bearer token for /api and /ws, env only
	AllowedOrigins FlexibleStringSlice `json:"allowed_origins,omitempty"`
	RateLimitRPM   int                 `json:"rate_limit_rpm,omitempty"` // per-IP callback limit, 0 disables
	PushToken      string              `json:"-"`                        // bearer token for the push endpoint, env only
	PushAllowlist  FlexibleStringSlice `json:"push_allowlist,omitempty"` // IPs or CIDRs, empty allows any
}

// PushPrefixes parses the push allowlist. Bare addresses become single-host
// prefixes.
func (g GatewayConfig) PushPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(g.PushAllowlist))
	for _, raw := range g.PushAllowlist {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("push allowlist: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("push allowlist: %w", err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Addr returns host:port.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// OutboundConfig configures the shared outbound HTTP client chain.
type OutboundConfig struct {
	Proxy       string  `json:"proxy,omitempty"` // socks5:// or http(s):// proxy URL
	MaxAttempts int     `json:"max_attempts"`
	BaseDelayMs int     `json:"base_delay_ms"`
	MaxDelayMs  int     `json:"max_delay_ms"`
	Jitter      float64 `json:"jitter"`
	TimeoutSec  int     `json:"timeout_sec"`
	LogBodies   bool    `json:"log_bodies,omitempty"`
}

// MediaConfig configures attachment handling.
type MediaConfig struct {
	MaxImageEdge     int    `json:"max_image_edge"`
	JPEGQuality      int    `json:"jpeg_quality"`
	MaxDownloadBytes int64  `json:"max_download_bytes"`
	ToolsURL         string `json:"tools_url,omitempty"`       // MCP server exposing asr / file tools
	ToolsTransport   string `json:"tools_transport,omitempty"` // "streamable-http" (default) or "sse"
	ToolsToken       string `json:"-"`
	ASRTool          string `json:"asr_tool,omitempty"`
	FileTool         string `json:"file_tool,omitempty"`
}

// TelemetryConfig configures OpenTelemetry OTLP export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS for local dev
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "gembot")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (auth tokens, etc.)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
