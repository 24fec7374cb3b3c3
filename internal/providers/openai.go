package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/wkin-t/dingtalk-ai-bot/internal/httpx"
)

// DefaultGeminiBase is Gemini's OpenAI-compatible endpoint.
const DefaultGeminiBase = "https://generativelanguage.googleapis.com/v1beta/openai/"

// OpenAIProvider implements Provider for OpenAI-compatible APIs, Gemini's
// compatibility endpoint in particular.
type OpenAIProvider struct {
	name   string
	client *openai.Client
}

// NewOpenAIProvider builds a provider. httpClient carries the outbound
// middleware chain; its transport must include httpx.JSONExtras for search
// and thought options to reach the endpoint.
func NewOpenAIProvider(name, apiKey, apiBase string, httpClient *http.Client) *OpenAIProvider {
	if apiBase == "" {
		apiBase = DefaultGeminiBase
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(apiBase, "/")
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &OpenAIProvider{name: name, client: openai.NewClientWithConfig(cfg)}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Chat(ctx context.Context, req Request) (*Response, error) {
	ctx = httpx.WithJSONExtras(ctx, vendorExtras(req))
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, p.upstream(err)
	}
	out := &Response{Usage: convertUsage(&resp.Usage)}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		out.FinishReason = string(resp.Choices[0].FinishReason)
	}
	return out, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s, err := p.client.CreateChatCompletionStream(httpx.WithJSONExtras(ctx, vendorExtras(req)), p.buildRequest(req, true))
	if err != nil {
		cancel()
		return nil, p.upstream(err)
	}
	return newPump(p, s, cancel), nil
}

func (p *OpenAIProvider) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    convertMessages(req.Messages),
		Stream:      stream,
		User:        req.User,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	// Gemini rejects reasoning_effort next to an explicit thinking_config.
	if !req.IncludeThoughts {
		out.ReasoningEffort = req.ReasoningEffort
	}
	if stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return out
}

// vendorExtras are Gemini fields with no go-openai equivalent, sent as
// extra_body.google.
func vendorExtras(req Request) map[string]any {
	google := map[string]any{}
	if req.IncludeThoughts {
		tc := map[string]any{"include_thoughts": true}
		if req.ReasoningEffort != "" {
			tc["thinking_level"] = req.ReasoningEffort
		}
		google["thinking_config"] = tc
	}
	if req.EnableSearch {
		google["tools"] = []any{map[string]any{"google_search": map[string]any{}}}
	}
	if len(google) == 0 {
		return nil
	}
	return map[string]any{"extra_body": map[string]any{"google": google}}
}

func convertMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		if len(m.Images) == 0 {
			out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
			continue
		}
		parts := make([]openai.ChatMessagePart, 0, len(m.Images)+1)
		if m.Content != "" {
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: m.Content})
		}
		for _, img := range m.Images {
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: "data:" + img.MimeType + ";base64," + img.Data},
			})
		}
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, MultiContent: parts})
	}
	return out
}

func convertUsage(u *openai.Usage) *Usage {
	if u == nil || u.TotalTokens == 0 {
		return nil
	}
	out := &Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
	if u.CompletionTokensDetails != nil {
		out.ThinkingTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	return out
}

// upstream classifies a client error.
func (p *OpenAIProvider) upstream(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &UpstreamError{Provider: p.name, Err: err}
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	return &UpstreamError{
		Provider:  p.name,
		Status:    status,
		Retryable: status == 0 || httpx.Retryable(status),
		Err:       err,
	}
}

type recvResult struct {
	chunk Chunk
	err   error
}

// pump turns the blocking go-openai stream into a context-aware one.
type pump struct {
	p      *OpenAIProvider
	cancel context.CancelFunc
	out    chan recvResult
	done   chan struct{}
	once   sync.Once

	inThought bool
}

func newPump(p *OpenAIProvider, s *openai.ChatCompletionStream, cancel context.CancelFunc) *pump {
	pm := &pump{p: p, cancel: cancel, out: make(chan recvResult), done: make(chan struct{})}
	go pm.run(s)
	return pm
}

func (pm *pump) run(s *openai.ChatCompletionStream) {
	defer close(pm.out)
	defer s.Close()
	for {
		resp, err := s.Recv()
		var r recvResult
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.err = io.EOF
			} else {
				r.err = pm.p.upstream(err)
			}
		} else {
			r.chunk = pm.convert(resp)
		}
		select {
		case pm.out <- r:
		case <-pm.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (pm *pump) convert(resp openai.ChatCompletionStreamResponse) Chunk {
	var c Chunk
	if len(resp.Choices) > 0 {
		d := resp.Choices[0].Delta
		c.Content, c.Thinking = pm.splitThoughts(d.Content)
		c.Thinking += d.ReasoningContent
		c.FinishReason = string(resp.Choices[0].FinishReason)
	}
	c.Usage = convertUsage(resp.Usage)
	return c
}

// splitThoughts separates <thought>...</thought> spans, which Gemini inlines
// into content when thought summaries are requested. Tags are assumed not
// to straddle chunk boundaries.
func (pm *pump) splitThoughts(s string) (content, thinking string) {
	var c, t strings.Builder
	for s != "" {
		if pm.inThought {
			i := strings.Index(s, "</thought>")
			if i < 0 {
				t.WriteString(s)
				break
			}
			t.WriteString(s[:i])
			s = s[i+len("</thought>"):]
			pm.inThought = false
			continue
		}
		i := strings.Index(s, "<thought>")
		if i < 0 {
			c.WriteString(s)
			break
		}
		c.WriteString(s[:i])
		s = s[i+len("<thought>"):]
		pm.inThought = true
	}
	return c.String(), t.String()
}

func (pm *pump) Recv(ctx context.Context) (Chunk, error) {
	select {
	case r, ok := <-pm.out:
		if !ok {
			return Chunk{}, io.EOF
		}
		return r.chunk, r.err
	case <-pm.done:
		return Chunk{}, fmt.Errorf("%s: stream closed", pm.p.name)
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

func (pm *pump) Close() error {
	pm.once.Do(func() {
		close(pm.done)
		pm.cancel()
	})
	return nil
}
