package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// ToolCaller is the subset of the MCP client used for speech and document
// tools. *mcp.Client satisfies it.
type ToolCaller interface {
	Has(tool string) bool
	Call(ctx context.Context, tool string, args map[string]any) (string, error)
}

// Tools turns audio and documents into text through remote tools.
type Tools struct {
	caller   ToolCaller
	asrTool  string
	fileTool string
}

// NewTools wraps caller. A nil caller yields a Tools whose calls all fail
// with ErrNoTool.
func NewTools(caller ToolCaller, asrTool, fileTool string) *Tools {
	return &Tools{caller: caller, asrTool: asrTool, fileTool: fileTool}
}

// Transcribe sends audio to the ASR tool.
func (t *Tools) Transcribe(ctx context.Context, filename string, audio []byte) (string, error) {
	return t.run(ctx, t.asrTool, map[string]any{
		"filename":     nonEmpty(filename, "audio"),
		"audio_base64": base64.StdEncoding.EncodeToString(audio),
	}, "text", "content")
}

// Summarize sends a document to the file tool.
func (t *Tools) Summarize(ctx context.Context, filename string, file []byte) (string, error) {
	return t.run(ctx, t.fileTool, map[string]any{
		"filename":    nonEmpty(filename, "file"),
		"file_base64": base64.StdEncoding.EncodeToString(file),
	}, "summary", "text", "content")
}

func (t *Tools) run(ctx context.Context, tool string, args map[string]any, fields ...string) (string, error) {
	if t == nil || t.caller == nil || tool == "" || !t.caller.Has(tool) {
		return "", fmt.Errorf("%w: %q", ErrNoTool, tool)
	}
	out, err := t.caller.Call(ctx, tool, args)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(pickField(out, fields...))
	if text == "" {
		return "", fmt.Errorf("tool %s returned no text", tool)
	}
	return text, nil
}

// pickField extracts the first non-empty named field when the tool replied
// with a JSON object, and otherwise returns the reply as is.
func pickField(out string, fields ...string) string {
	trimmed := strings.TrimSpace(out)
	if !strings.HasPrefix(trimmed, "{") {
		return trimmed
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return trimmed
	}
	if inner, ok := obj["result"].(map[string]any); ok {
		obj = inner
	} else if s, ok := obj["result"].(string); ok {
		return s
	}
	for _, f := range fields {
		if s, ok := obj[f].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
