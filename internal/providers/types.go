package providers

import (
	"context"
	"fmt"
)

// Provider is the model backend the relay and router talk to.
type Provider interface {
	// Stream starts a streaming completion. The returned Stream must be
	// closed by the caller.
	Stream(ctx context.Context, req Request) (Stream, error)

	// Chat runs a non-streaming completion and returns the text.
	Chat(ctx context.Context, req Request) (*Response, error)

	// Name returns the provider identifier (e.g. "gemini").
	Name() string
}

// Stream is a pull-based chunk source. Recv returns io.EOF after the last
// chunk; it honours ctx so callers can bound the wait for each chunk.
type Stream interface {
	Recv(ctx context.Context) (Chunk, error)
	Close() error
}

// Request is one completion call.
type Request struct {
	Model           string    `json:"model"`
	Messages        []Message `json:"messages"`
	ReasoningEffort string    `json:"reasoning_effort,omitempty"` // minimal, low, medium, high
	EnableSearch    bool      `json:"enable_search,omitempty"`
	IncludeThoughts bool      `json:"include_thoughts,omitempty"`
	User            string    `json:"user,omitempty"`         // session key
	Conversation    string    `json:"conversation,omitempty"` // platform conversation id, for agent routing
	MaxTokens       int       `json:"max_tokens,omitempty"`
	Temperature     float32   `json:"temperature,omitempty"`
}

// Response is the result of Chat.
type Response struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        *Usage `json:"usage,omitempty"`
}

// Chunk is a piece of a streaming response.
type Chunk struct {
	Content      string `json:"content,omitempty"`
	Thinking     string `json:"thinking,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// ImageContent represents a base64-encoded image for vision-capable models.
type ImageContent struct {
	MimeType string `json:"mime_type"` // e.g. "image/jpeg"
	Data     string `json:"data"`      // base64-encoded image bytes
}

// Message represents a conversation message.
type Message struct {
	Role    string         `json:"role"` // "system", "user", "assistant"
	Content string         `json:"content"`
	Images  []ImageContent `json:"images,omitempty"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	ThinkingTokens   int `json:"thinking_tokens,omitempty"`
}

// UpstreamError is a failed model call.
type UpstreamError struct {
	Provider  string
	Status    int  // HTTP status, 0 for transport failures
	Retryable bool // transient: rate limit, server error, network
	Err       error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: upstream status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: upstream: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
