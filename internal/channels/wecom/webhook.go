package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

const webhookBase = "https://qyapi.weixin.qq.com/cgi-bin/webhook/send"

// Webhook pushes markdown messages through a group robot webhook. It is
// the fallback when a passive stream can no longer be polled.
type Webhook struct {
	url  string
	http *http.Client
}

// NewWebhook returns nil when neither key nor rawURL is set.
func NewWebhook(key, rawURL string, httpClient *http.Client) *Webhook {
	if rawURL == "" && key == "" {
		return nil
	}
	if rawURL == "" {
		rawURL = webhookBase + "?key=" + url.QueryEscape(key)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Webhook{url: rawURL, http: httpClient}
}

type webhookResult struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// SendMarkdown posts content as a markdown message.
func (w *Webhook) SendMarkdown(ctx context.Context, content string) error {
	body, err := json.Marshal(map[string]any{
		"msgtype":  "markdown",
		"markdown": map[string]string{"content": truncateUTF8(content, maxContentBytes)},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("wecom webhook: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("wecom webhook: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wecom webhook: status %d: %s", resp.StatusCode, raw)
	}
	var res webhookResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("wecom webhook: decode response: %w", err)
	}
	if res.ErrCode != 0 {
		return fmt.Errorf("wecom webhook: errcode %d: %s", res.ErrCode, res.ErrMsg)
	}
	return nil
}
