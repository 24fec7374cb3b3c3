package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// DefaultCardTemplateID is the AI card template used when none is configured.
const DefaultCardTemplateID = "ea2d035e-20fe-447d-9fbf-c04658772b24.schema"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Backend: "gemini",
		Bot: BotConfig{
			Name:     "Gem",
			Timezone: "Asia/Shanghai",
		},
		Gemini: GeminiConfig{
			APIBase:         "https://generativelanguage.googleapis.com/v1beta/openai/",
			FlashModel:      "gemini-3-flash-preview",
			ProModel:        "gemini-3-pro-preview",
			ClassifierModel: "gemini-flash-lite-latest",
			MaxTokens:       8192,
			Temperature:     1.0,
			IncludeThoughts: true,
			EnableSearch:    true,
			TimeoutSec:      300,
		},
		OpenClaw: OpenClawConfig{
			URL:             "http://172.17.0.1:48789/v1/chat/completions",
			DefaultAgent:    "default",
			ContextMessages: 6,
			BotName:         "Claw",
		},
		Router: RouterConfig{
			Mode:                 "heuristic",
			ShortTurnRunes:       20,
			LongTurnRunes:        500,
			ProLengthRunes:       300,
			ProKeywordHits:       2,
			ComplexHighHits:      3,
			ComplexProHits:       4,
			ClassifierTimeoutSec: 5,
		},
		Debounce: DebounceConfig{WindowMs: 2000},
		Sessions: SessionsConfig{
			Backend:       "sqlite",
			Path:          "~/.gembot/sessions.db",
			ContextCap:    50,
			StorageCap:    1000,
			TTLHours:      7 * 24,
			SweepSchedule: "@hourly",
		},
		Relay: RelayConfig{
			ThrottleMs:      500,
			ChunkTimeoutSec: 60,
		},
		Channels: ChannelsConfig{
			DingTalk: DingTalkConfig{
				CardTemplateID: DefaultCardTemplateID,
				APIBase:        "https://api.dingtalk.com",
			},
			WeCom: WeComConfig{
				TimestampToleranceSec: 300,
				CallbackPath:          "/wecom/callback",
				StreamStyle:           "stream",
			},
		},
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			RateLimitRPM: 120,
		},
		Outbound: OutboundConfig{
			MaxAttempts: 5,
			BaseDelayMs: 800,
			MaxDelayMs:  8000,
			Jitter:      0.35,
			TimeoutSec:  120,
		},
		Media: MediaConfig{
			MaxImageEdge:     1600,
			JPEGQuality:      85,
			MaxDownloadBytes: 20 << 20,
			ToolsTransport:   "streamable-http",
			ASRTool:          "asr",
			FileTool:         "file_summarize",
		},
	}
}

// Load builds the configuration: defaults, then the optional .env file next
// to the config, then the JSON5 file at path, then environment overrides.
// The result is validated before it is returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", envFile, err)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	envOptBool := func(key string, dst **bool) {
		if v := os.Getenv(key); v != "" {
			b := v == "true" || v == "1"
			*dst = &b
		}
	}

	// Model endpoint
	envStr("GEMINI_API_KEY", &c.Gemini.APIKey)
	envStr("GEMBOT_GEMINI_API_BASE", &c.Gemini.APIBase)
	envStr("GEMBOT_FLASH_MODEL", &c.Gemini.FlashModel)
	envStr("GEMBOT_PRO_MODEL", &c.Gemini.ProModel)
	envBool("ENABLE_THINKING", &c.Gemini.IncludeThoughts)
	envBool("ENABLE_SEARCH", &c.Gemini.EnableSearch)
	envStr("GEMBOT_ROUTER_MODE", &c.Router.Mode)
	envStr("AI_BACKEND", &c.Backend)
	envOptBool("DINGTALK_REFERENCE_AUTO_ENABLED", &c.Bot.ReferenceAuto)

	// OpenClaw
	envStr("OPENCLAW_HTTP_URL", &c.OpenClaw.URL)
	envStr("OPENCLAW_GATEWAY_TOKEN", &c.OpenClaw.Token)
	envStr("OPENCLAW_AGENT_ID", &c.OpenClaw.DefaultAgent)
	envOptBool("OPENCLAW_STRICT_ROUTING", &c.OpenClaw.StrictRouting)
	envInt("OPENCLAW_CONTEXT_MESSAGES", &c.OpenClaw.ContextMessages)
	if v := os.Getenv("OPENCLAW_GROUP_AGENT_MAPPING"); v != "" {
		var m map[string]string
		if err := json.Unmarshal([]byte(v), &m); err == nil {
			c.OpenClaw.GroupAgents = m
		}
	}

	// DingTalk
	envStr("DINGTALK_CLIENT_ID", &c.Channels.DingTalk.ClientID)
	envStr("DINGTALK_CLIENT_SECRET", &c.Channels.DingTalk.ClientSecret)
	envStr("DINGTALK_ROBOT_CODE", &c.Channels.DingTalk.RobotCode)
	envStr("CARD_TEMPLATE_ID", &c.Channels.DingTalk.CardTemplateID)
	envStr("DINGTALK_IMAGE_MSG_KEY", &c.Channels.DingTalk.ImageMsgKey)
	envStr("DINGTALK_IMAGE_MSG_PARAM_TEMPLATE", &c.Channels.DingTalk.ImageMsgParam)
	envStr("DINGTALK_PUSH_BEARER_TOKEN", &c.Gateway.PushToken)
	if v := os.Getenv("DINGTALK_PUSH_IP_ALLOWLIST"); v != "" {
		c.Gateway.PushAllowlist = strings.Split(v, ",")
	}

	// WeCom
	envStr("WECOM_BOT_TOKEN", &c.Channels.WeCom.Token)
	envStr("WECOM_BOT_ENCODING_AES_KEY", &c.Channels.WeCom.EncodingAESKey)
	envStr("WECOM_BOT_RECEIVE_ID", &c.Channels.WeCom.ReceiveID)
	envStr("WECOM_BOT_WEBHOOK_KEY", &c.Channels.WeCom.WebhookKey)
	envStr("WECOM_BOT_WEBHOOK_URL", &c.Channels.WeCom.WebhookURL)
	envStr("WECOM_BOT_CALLBACK_PATH", &c.Channels.WeCom.CallbackPath)

	// Platform selection: "dingtalk", "wecom" or "both"
	switch strings.ToLower(os.Getenv("PLATFORM")) {
	case "dingtalk":
		c.Channels.DingTalk.Enabled = true
	case "wecom":
		c.Channels.WeCom.Enabled = true
	case "both":
		c.Channels.DingTalk.Enabled = true
		c.Channels.WeCom.Enabled = true
	}

	// Sessions
	envStr("GEMBOT_SESSIONS_BACKEND", &c.Sessions.Backend)
	envStr("GEMBOT_SESSIONS_PATH", &c.Sessions.Path)
	envStr("GEMBOT_POSTGRES_DSN", &c.Sessions.PostgresDSN)
	envStr("GEMBOT_REDIS_URL", &c.Sessions.RedisURL)
	envInt("MAX_HISTORY_LENGTH", &c.Sessions.ContextCap)
	envInt("MAX_STORAGE_LENGTH", &c.Sessions.StorageCap)
	envInt("GEMBOT_SESSION_TTL_HOURS", &c.Sessions.TTLHours)

	// Core timing
	envInt("GEMBOT_DEBOUNCE_MS", &c.Debounce.WindowMs)
	envInt("GEMBOT_THROTTLE_MS", &c.Relay.ThrottleMs)

	// Gateway host/port
	envStr("GEMBOT_HOST", &c.Gateway.Host)
	envInt("GEMBOT_PORT", &c.Gateway.Port)
	envStr("GEMBOT_GATEWAY_TOKEN", &c.Gateway.Token)

	// Outbound proxy: explicit SOCKS proxy wins over the generic ones
	envStr("HTTPS_PROXY", &c.Outbound.Proxy)
	envStr("SOCKS_PROXY", &c.Outbound.Proxy)

	// Media tools
	envStr("GEMBOT_TOOLS_URL", &c.Media.ToolsURL)
	envStr("GEMBOT_TOOLS_TOKEN", &c.Media.ToolsToken)

	// Telemetry
	envStr("GEMBOT_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("GEMBOT_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("GEMBOT_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("GEMBOT_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("GEMBOT_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

// Validate checks that every recognized option is usable.
func (c *Config) Validate() error {
	var errs []error
	if !c.Channels.DingTalk.Enabled && !c.Channels.WeCom.Enabled {
		errs = append(errs, errors.New("no platform enabled (set PLATFORM or channels.*.enabled)"))
	}
	if c.Channels.DingTalk.Enabled && (c.Channels.DingTalk.ClientID == "" || c.Channels.DingTalk.ClientSecret == "") {
		errs = append(errs, errors.New("dingtalk: DINGTALK_CLIENT_ID and DINGTALK_CLIENT_SECRET are required"))
	}
	if c.Channels.WeCom.Enabled {
		if c.Channels.WeCom.Token == "" || len(c.Channels.WeCom.EncodingAESKey) != 43 {
			errs = append(errs, errors.New("wecom: WECOM_BOT_TOKEN and a 43-char WECOM_BOT_ENCODING_AES_KEY are required"))
		}
		if !strings.HasPrefix(c.Channels.WeCom.CallbackPath, "/") {
			errs = append(errs, fmt.Errorf("wecom: callback_path %q must start with /", c.Channels.WeCom.CallbackPath))
		}
		switch c.Channels.WeCom.StreamStyle {
		case "", "stream", "stream_with_template_card":
		default:
			errs = append(errs, fmt.Errorf("wecom: unknown stream_style %q", c.Channels.WeCom.StreamStyle))
		}
	}
	switch c.Backend {
	case "", "gemini":
		if c.Gemini.APIKey == "" {
			errs = append(errs, errors.New("gemini: GEMINI_API_KEY is required"))
		}
		if c.Gemini.FlashModel == "" || c.Gemini.ProModel == "" {
			errs = append(errs, errors.New("gemini: flash_model and pro_model are required"))
		}
	case "openclaw":
		if !strings.HasPrefix(c.OpenClaw.URL, "http") {
			errs = append(errs, fmt.Errorf("openclaw: url %q must be http(s)", c.OpenClaw.URL))
		}
		if c.OpenClaw.Strict() && len(c.OpenClaw.GroupAgents) == 0 && c.OpenClaw.DefaultAgent == "" {
			errs = append(errs, errors.New("openclaw: no agent configured"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if _, err := c.Gateway.PushPrefixes(); err != nil {
		errs = append(errs, fmt.Errorf("gateway: %w", err))
	}
	switch c.Router.Mode {
	case "heuristic":
	case "classifier":
		if c.Gemini.ClassifierModel == "" {
			errs = append(errs, errors.New("router: classifier mode needs gemini.classifier_model"))
		}
	default:
		errs = append(errs, fmt.Errorf("router: unknown mode %q", c.Router.Mode))
	}
	if c.Debounce.WindowMs < 0 {
		errs = append(errs, errors.New("debounce: window_ms must be >= 0"))
	}
	if c.Sessions.ContextCap <= 0 || c.Sessions.StorageCap <= 0 {
		errs = append(errs, errors.New("sessions: context_cap and storage_cap must be positive"))
	} else if c.Sessions.ContextCap > c.Sessions.StorageCap {
		errs = append(errs, errors.New("sessions: context_cap cannot exceed storage_cap"))
	}
	if c.Sessions.TTLHours <= 0 {
		errs = append(errs, errors.New("sessions: ttl_hours must be positive"))
	}
	switch c.Sessions.Backend {
	case "memory", "file", "sqlite":
		if c.Sessions.Backend != "memory" && c.Sessions.Path == "" {
			errs = append(errs, fmt.Errorf("sessions: %s backend needs a path", c.Sessions.Backend))
		}
	case "postgres":
		if c.Sessions.PostgresDSN == "" {
			errs = append(errs, errors.New("sessions: postgres backend needs GEMBOT_POSTGRES_DSN"))
		}
	case "redis":
		if c.Sessions.RedisURL == "" {
			errs = append(errs, errors.New("sessions: redis backend needs GEMBOT_REDIS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("sessions: unknown backend %q", c.Sessions.Backend))
	}
	if c.Relay.ThrottleMs < 0 || c.Relay.ChunkTimeoutSec <= 0 {
		errs = append(errs, errors.New("relay: throttle_ms must be >= 0 and chunk_timeout_sec > 0"))
	}
	if c.Outbound.MaxAttempts < 1 {
		errs = append(errs, errors.New("outbound: max_attempts must be >= 1"))
	}
	if c.Bot.Timezone != "" {
		if _, err := time.LoadLocation(c.Bot.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("bot: timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Location returns the configured prompt time zone, falling back to UTC+8.
func (c *Config) Location() *time.Location {
	if loc, err := time.LoadLocation(c.Bot.Timezone); err == nil && c.Bot.Timezone != "" {
		return loc
	}
	return time.FixedZone("CST", 8*3600)
}

// Save writes the config to a JSON file. Secrets are never written.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
