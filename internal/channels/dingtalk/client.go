package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const (
	tokenEndpoint     = "/v1.0/oauth2/accessToken"
	defaultOAPIBase   = "https://oapi.dingtalk.com"
	tokenExpiryBuffer = 5 * time.Minute
	maxDownloadBytes  = 50 << 20
)

// APIError is a non-2xx OpenAPI response.
type APIError struct {
	Status int
	Code   string
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dingtalk api: status %d: %s %s", e.Status, e.Code, e.Msg)
}

func isAuthError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && (ae.Status == http.StatusUnauthorized || ae.Status == http.StatusForbidden)
}

// Client is a minimal DingTalk OpenAPI client. It refreshes the app access
// token on demand and once more after an authentication failure. Transient
// failures are retried by the shared outbound transport.
type Client struct {
	baseURL   string
	oapiBase  string // legacy host, media upload only
	appKey    string
	appSecret string
	robotCode string
	http      *http.Client

	group    singleflight.Group
	mu       sync.Mutex
	token    string
	tokenExp time.Time
	now      func() time.Time
}

// NewClient creates a client. httpClient is the shared outbound chain.
func NewClient(baseURL, appKey, appSecret, robotCode string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:   baseURL,
		oapiBase:  defaultOAPIBase,
		appKey:    appKey,
		appSecret: appSecret,
		robotCode: robotCode,
		http:      httpClient,
		now:       time.Now,
	}
}

// --- Token management ---

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.now().Before(c.tokenExp) {
		tok := c.token
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	// Concurrent callers share one refresh.
	v, err, _ := c.group.Do("token", func() (any, error) {
		var out struct {
			AccessToken string `json:"accessToken"`
			ExpireIn    int    `json:"expireIn"`
		}
		body := map[string]string{"appKey": c.appKey, "appSecret": c.appSecret}
		if err := c.send(ctx, http.MethodPost, tokenEndpoint, "", body, &out); err != nil {
			return "", fmt.Errorf("dingtalk: access token: %w", err)
		}
		if out.AccessToken == "" {
			return "", errors.New("dingtalk: access token: empty token")
		}
		ttl := time.Duration(out.ExpireIn)*time.Second - tokenExpiryBuffer
		if ttl < 30*time.Second {
			ttl = 30 * time.Second
		}
		c.mu.Lock()
		c.token = out.AccessToken
		c.tokenExp = c.now().Add(ttl)
		c.mu.Unlock()
		return out.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) clearToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExp = time.Time{}
	c.mu.Unlock()
}

// --- Generic helpers ---

// doJSON performs an authenticated call, refreshing the token once on 401/403.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	tok, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	err = c.send(ctx, method, path, tok, body, out)
	if isAuthError(err) {
		c.clearToken()
		if tok, err = c.accessToken(ctx); err != nil {
			return err
		}
		err = c.send(ctx, method, path, tok, body, out)
	}
	return err
}

func (c *Client) send(ctx context.Context, method, path, token string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("x-acs-dingtalk-access-token", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("dingtalk %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &e)
		return &APIError{Status: resp.StatusCode, Code: e.Code, Msg: e.Message}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// --- AI card ---

// CardTarget is where a card is delivered.
type CardTarget struct {
	ConversationID string
	Group          bool
	StaffID        string   // single chat recipient
	AtUserIDs      []string // group mentions
}

// CreateAndDeliver creates a card instance and delivers it. It returns the
// outTrackId that later updates refer to.
func (c *Client) CreateAndDeliver(ctx context.Context, templateID string, target CardTarget, params map[string]string) (string, error) {
	trackID := uuid.NewString()
	body := map[string]any{
		"cardTemplateId": templateID,
		"outTrackId":     trackID,
		"callbackType":   "STREAM",
		"cardData":       map[string]any{"cardParamMap": params},
	}
	if target.Group {
		at := make(map[string]string, len(target.AtUserIDs))
		for _, id := range target.AtUserIDs {
			at[id] = id
		}
		body["openSpaceId"] = "dtv1.card//im_group." + target.ConversationID
		body["imGroupOpenDeliverModel"] = map[string]any{"robotCode": c.robotCode, "atUserIds": at}
		body["imGroupOpenSpaceModel"] = map[string]any{"supportForward": true}
	} else {
		body["openSpaceId"] = "dtv1.card//im_robot." + target.StaffID
		body["imRobotOpenDeliverModel"] = map[string]any{"spaceType": "IM_ROBOT", "robotCode": c.robotCode}
		body["imRobotOpenSpaceModel"] = map[string]any{"supportForward": true}
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1.0/card/instances/createAndDeliver", body, nil); err != nil {
		return "", fmt.Errorf("create card: %w", err)
	}
	return trackID, nil
}

// StreamUpdate replaces (isFull) or appends to one card variable.
func (c *Client) StreamUpdate(ctx context.Context, trackID, key, content string, isFull, isFinalize, isError bool) error {
	body := map[string]any{
		"outTrackId": trackID,
		"guid":       uuid.NewString(),
		"key":        key,
		"content":    content,
		"isFull":     isFull,
		"isFinalize": isFinalize,
		"isError":    isError,
	}
	if err := c.doJSON(ctx, http.MethodPut, "/v1.0/card/streaming", body, nil); err != nil {
		return fmt.Errorf("stream card: %w", err)
	}
	return nil
}

// UpdateCard sets card variables by key.
func (c *Client) UpdateCard(ctx context.Context, trackID string, params map[string]string) error {
	body := map[string]any{
		"outTrackId":        trackID,
		"cardData":          map[string]any{"cardParamMap": params},
		"cardUpdateOptions": map[string]any{"updateCardDataByKey": true},
	}
	if err := c.doJSON(ctx, http.MethodPut, "/v1.0/card/instances", body, nil); err != nil {
		return fmt.Errorf("update card: %w", err)
	}
	return nil
}

// --- Files and webhooks ---

// DownloadFile resolves a message download code and fetches the bytes.
func (c *Client) DownloadFile(ctx context.Context, downloadCode string) ([]byte, error) {
	var out struct {
		DownloadURL string `json:"downloadUrl"`
	}
	body := map[string]string{"downloadCode": downloadCode, "robotCode": c.robotCode}
	if err := c.doJSON(ctx, http.MethodPost, "/v1.0/robot/messageFiles/download", body, &out); err != nil {
		return nil, fmt.Errorf("resolve download code: %w", err)
	}
	if out.DownloadURL == "" {
		return nil, errors.New("resolve download code: empty url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, out.DownloadURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
}

// SendMarkdown posts a markdown message to a conversation's session webhook.
func (c *Client) SendMarkdown(ctx context.Context, webhook, title, text string) error {
	if webhook == "" {
		return errors.New("dingtalk: no session webhook")
	}
	payload, _ := json.Marshal(map[string]any{
		"msgtype":  "markdown",
		"markdown": map[string]string{"title": title, "text": text},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("session webhook: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("session webhook: decode: %w", err)
	}
	if out.ErrCode != 0 {
		return fmt.Errorf("session webhook: errcode %d: %s", out.ErrCode, out.ErrMsg)
	}
	return nil
}
