package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/wkin-t/dingtalk-ai-bot/internal/config"
	"github.com/wkin-t/dingtalk-ai-bot/internal/httpx"
	"github.com/wkin-t/dingtalk-ai-bot/internal/mcp"
	"github.com/wkin-t/dingtalk-ai-bot/internal/media"
	"github.com/wkin-t/dingtalk-ai-bot/internal/orchestrator"
	"github.com/wkin-t/dingtalk-ai-bot/internal/providers"
	"github.com/wkin-t/dingtalk-ai-bot/internal/router"
)

// newBackend builds the model provider and the turn router for the
// configured backend. OpenClaw agents pick their own model, so every turn
// routes the same way.
func newBackend(cfg *config.Config, outbound *http.Client) (providers.Provider, orchestrator.Decider, error) {
	if cfg.Backend == "openclaw" {
		oc := cfg.Outbound
		oc.Proxy = httpx.ProxyDirect // the gateway sits on the local network
		client, err := httpx.NewClient(oc, otel.GetTracerProvider())
		if err != nil {
			return nil, nil, err
		}
		client.Timeout = time.Duration(cfg.Gemini.TimeoutSec) * time.Second
		p := providers.NewOpenClawProvider(providers.OpenClawOptions{
			URL:          cfg.OpenClaw.URL,
			Token:        cfg.OpenClaw.Token,
			DefaultAgent: cfg.OpenClaw.DefaultAgent,
			GroupAgents:  cfg.OpenClaw.GroupAgents,
			Strict:       cfg.OpenClaw.Strict(),
		}, client)
		slog.Info("openclaw backend", "provider", p.String(), "strict", cfg.OpenClaw.Strict())
		return p, router.Static{Tier: router.TierFlash, Reason: "openclaw agent", Source: router.SourceDefault}, nil
	}

	provider := newProvider(cfg.Gemini, outbound)
	var classifier router.Classifier
	if cfg.Router.Mode == "classifier" {
		classifier = newClassifier(cfg.Gemini, provider)
	}
	return provider, router.New(cfg.Router, cfg.Gemini.EnableSearch, classifier), nil
}

// newProvider builds the Gemini client. Streams are bounded per chunk by
// the relay, so the client timeout only caps a whole completion.
func newProvider(cfg config.GeminiConfig, outbound *http.Client) *providers.OpenAIProvider {
	client := *outbound
	client.Timeout = time.Duration(cfg.TimeoutSec) * time.Second
	return providers.NewOpenAIProvider("gemini", cfg.APIKey, cfg.APIBase, &client)
}

// newClassifier runs the routing prompt against the classifier model.
func newClassifier(cfg config.GeminiConfig, p providers.Provider) router.Classifier {
	return router.ClassifierFunc(func(ctx context.Context, prompt string) (string, error) {
		resp, err := p.Chat(ctx, providers.Request{
			Model:           cfg.ClassifierModel,
			Messages:        []providers.Message{{Role: "user", Content: prompt}},
			ReasoningEffort: string(router.ThinkingMinimal),
			MaxTokens:       256,
		})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	})
}

// newMediaTools connects to the MCP server for speech and document tools.
// Without one, audio and files degrade to placeholder notes.
func newMediaTools(ctx context.Context, cfg config.MediaConfig) (*media.Tools, func()) {
	if cfg.ToolsURL == "" {
		return media.NewTools(nil, "", ""), func() {}
	}
	headers := map[string]string{}
	if cfg.ToolsToken != "" {
		headers["Authorization"] = "Bearer " + cfg.ToolsToken
	}
	client, err := mcp.Dial(ctx, mcp.Options{URL: cfg.ToolsURL, Transport: cfg.ToolsTransport, Headers: headers})
	if err != nil {
		slog.Warn("media tools unavailable, attachments will degrade to notes", "url", cfg.ToolsURL, "error", err)
		return media.NewTools(nil, "", ""), func() {}
	}
	slog.Info("media tools connected", "url", cfg.ToolsURL, "asr", client.Has(cfg.ASRTool), "file", client.Has(cfg.FileTool))
	return media.NewTools(client, cfg.ASRTool, cfg.FileTool), func() { client.Close() }
}
