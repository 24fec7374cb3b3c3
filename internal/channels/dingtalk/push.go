package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/wkin-t/dingtalk-ai-bot/pkg/protocol"
)

const (
	msgKeyText     = "sampleText"
	msgKeyMarkdown = "sampleMarkdown"

	defaultPushTitle     = "通知"
	defaultImageMsgKey   = "sampleImageMsg"
	defaultImageMsgParam = `{"photoURL":"@{mediaId}"}`
)

// SendGroupMessage sends a robot message into a group conversation.
func (c *Client) SendGroupMessage(ctx context.Context, conversationID, msgKey, msgParam string) error {
	body := map[string]string{
		"openConversationId": conversationID,
		"robotCode":          c.robotCode,
		"msgKey":             msgKey,
		"msgParam":           msgParam,
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1.0/robot/groupMessages/send", body, nil); err != nil {
		return fmt.Errorf("send group message: %w", err)
	}
	return nil
}

// SendPrivateChatMessage sends a robot message into a one-to-one conversation.
func (c *Client) SendPrivateChatMessage(ctx context.Context, conversationID, msgKey, msgParam string) error {
	body := map[string]string{
		"openConversationId": conversationID,
		"robotCode":          c.robotCode,
		"msgKey":             msgKey,
		"msgParam":           msgParam,
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1.0/robot/privateChatMessages/send", body, nil); err != nil {
		return fmt.Errorf("send private message: %w", err)
	}
	return nil
}

// UploadMedia stores a file on the legacy media host and returns its
// media id. The token is refreshed once on 401.
func (c *Client) UploadMedia(ctx context.Context, data []byte, fileType, filename string) (string, error) {
	for attempt := 0; ; attempt++ {
		tok, err := c.accessToken(ctx)
		if err != nil {
			return "", err
		}
		id, err := c.upload(ctx, tok, data, fileType, filename)
		if attempt == 0 && isAuthError(err) {
			c.clearToken()
			continue
		}
		return id, err
	}
}

func (c *Client) upload(ctx context.Context, token string, data []byte, fileType, filename string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("type", fileType); err != nil {
		return "", err
	}
	part, err := mw.CreateFormFile("media", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	u := c.oapiBase + "/media/upload?access_token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		return "", &APIError{Status: resp.StatusCode, Msg: strings.TrimSpace(string(raw))}
	}
	var out struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
		MediaID string `json:"media_id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("upload media: decode: %w", err)
	}
	if out.ErrCode != 0 || out.MediaID == "" {
		return "", fmt.Errorf("upload media: errcode %d: %s", out.ErrCode, out.ErrMsg)
	}
	return out.MediaID, nil
}

// Push delivers an operator message outside of any conversation turn.
func (a *Adapter) Push(ctx context.Context, m protocol.PushMessage) error {
	key, param, err := a.pushPayload(ctx, m)
	if err != nil {
		return err
	}
	if m.Group {
		return a.client.SendGroupMessage(ctx, m.ConversationID, key, param)
	}
	return a.client.SendPrivateChatMessage(ctx, m.ConversationID, key, param)
}

func (a *Adapter) pushPayload(ctx context.Context, m protocol.PushMessage) (key, param string, err error) {
	var v any
	switch m.Kind {
	case protocol.PushText:
		key, v = msgKeyText, map[string]string{"content": m.Content}
	case protocol.PushMarkdown:
		title := m.Title
		if title == "" {
			title = defaultPushTitle
		}
		key, v = msgKeyMarkdown, map[string]string{"title": title, "text": m.Content}
	case protocol.PushImage:
		id, err := a.client.UploadMedia(ctx, m.Image, "image", "image.png")
		if err != nil {
			return "", "", err
		}
		key = a.cfg.ImageMsgKey
		tpl := a.cfg.ImageMsgParam
		if key == "" {
			key = defaultImageMsgKey
		}
		if tpl == "" {
			tpl = defaultImageMsgParam
		}
		return key, strings.ReplaceAll(tpl, "{mediaId}", id), nil
	default:
		return "", "", errors.New("dingtalk: unsupported push kind " + m.Kind)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", "", err
	}
	return key, string(raw), nil
}
