package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/wkin-t/dingtalk-ai-bot/internal/httpx"
)

// OpenClawModel is the model name sent to, and reported by, the OpenClaw
// gateway. The gateway picks the real model per agent.
const OpenClawModel = "openclaw"

// UnboundAgentError means strict routing found no agent for a conversation.
type UnboundAgentError struct {
	Conversation string
}

func (e *UnboundAgentError) Error() string {
	return "❌ 群未绑定 AI Agent\n\n" +
		"当前 conversation_id: " + e.Conversation + "\n\n" +
		"请在环境变量中配置 OPENCLAW_GROUP_AGENT_MAPPING\n\n" +
		"配置示例:\n" + `{"cid_xxx":"agent-1","cid_yyy":"agent-2"}`
}

// OpenClawOptions configures an OpenClawProvider.
type OpenClawOptions struct {
	URL          string // chat completions URL
	Token        string
	DefaultAgent string
	GroupAgents  map[string]string // conversation id -> agent id
	Strict       bool              // reject conversations missing from GroupAgents
}

// OpenClawProvider talks to an OpenClaw agent gateway over its
// OpenAI-compatible endpoint. Each request names the agent bound to the
// conversation.
type OpenClawProvider struct {
	inner *OpenAIProvider
	opts  OpenClawOptions
}

// NewOpenClawProvider builds the provider. httpClient must carry
// httpx.JSONExtras so the agent field reaches the gateway.
func NewOpenClawProvider(opts OpenClawOptions, httpClient *http.Client) *OpenClawProvider {
	base := strings.TrimSuffix(strings.TrimRight(opts.URL, "/"), "/chat/completions")
	return &OpenClawProvider{
		inner: NewOpenAIProvider(OpenClawModel, opts.Token, base, httpClient),
		opts:  opts,
	}
}

func (p *OpenClawProvider) Name() string { return OpenClawModel }

// Agent resolves the agent for a conversation.
func (p *OpenClawProvider) Agent(conversation string) (string, error) {
	if a, ok := p.opts.GroupAgents[conversation]; ok && a != "" {
		return a, nil
	}
	if p.opts.Strict || p.opts.DefaultAgent == "" {
		return "", &UpstreamError{Provider: OpenClawModel, Err: &UnboundAgentError{Conversation: conversation}}
	}
	return p.opts.DefaultAgent, nil
}

func (p *OpenClawProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	ctx, req, err := p.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return p.inner.Stream(ctx, req)
}

func (p *OpenClawProvider) Chat(ctx context.Context, req Request) (*Response, error) {
	ctx, req, err := p.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return p.inner.Chat(ctx, req)
}

// prepare binds the agent and strips options the gateway does not take.
func (p *OpenClawProvider) prepare(ctx context.Context, req Request) (context.Context, Request, error) {
	agent, err := p.Agent(req.Conversation)
	if err != nil {
		return ctx, req, err
	}
	req.Model = OpenClawModel
	req.ReasoningEffort = ""
	req.EnableSearch = false
	req.IncludeThoughts = false
	return httpx.WithJSONExtras(ctx, map[string]any{"agent": agent}), req, nil
}

// String is used in startup logs.
func (p *OpenClawProvider) String() string {
	return fmt.Sprintf("openclaw(%s, %d bound)", p.opts.URL, len(p.opts.GroupAgents))
}
