package config

import "time"

// ChannelsConfig contains per-platform configuration.
type ChannelsConfig struct {
	DingTalk DingTalkConfig `json:"dingtalk"`
	WeCom    WeComConfig    `json:"wecom"`
}

// DingTalkConfig configures the stream-mode robot.
// ClientSecret is read from the environment only.
type DingTalkConfig struct {
	Enabled        bool                `json:"enabled"`
	ClientID       string              `json:"client_id"`
	ClientSecret   string              `json:"-"`
	RobotCode      string              `json:"robot_code,omitempty"` // defaults to ClientID
	CardTemplateID string              `json:"card_template_id"`
	APIBase        string              `json:"api_base,omitempty"`
	OAPIBase       string              `json:"oapi_base,omitempty"` // legacy host for media upload
	AllowFrom      FlexibleStringSlice `json:"allow_from,omitempty"`
	RequireMention *bool               `json:"require_mention,omitempty"` // require @bot in groups (default true)
	ImageMsgKey    string              `json:"image_msg_key,omitempty"`   // pushed image template (default "sampleImageMsg")
	ImageMsgParam  string              `json:"image_msg_param,omitempty"` // msgParam JSON, "{mediaId}" is substituted
}

// MentionRequired reports whether group messages must @-mention the bot.
func (d DingTalkConfig) MentionRequired() bool {
	return d.RequireMention == nil || *d.RequireMention
}

// Robot returns the robot code, falling back to the client id.
func (d DingTalkConfig) Robot() string {
	if d.RobotCode != "" {
		return d.RobotCode
	}
	return d.ClientID
}

// WeComConfig configures the WeCom intelligent-bot callback.
// Token, EncodingAESKey and WebhookKey are read from the environment only.
type WeComConfig struct {
	Enabled               bool                `json:"enabled"`
	Token                 string              `json:"-"`
	EncodingAESKey        string              `json:"-"`
	ReceiveID             string              `json:"receive_id,omitempty"`
	StrictReceiver        *bool               `json:"strict_receiver,omitempty"` // default true when receive_id is set
	TimestampToleranceSec int                 `json:"timestamp_tolerance_sec"`   // 0 disables the replay check
	CallbackPath          string              `json:"callback_path"`
	StreamStyle           string              `json:"stream_style,omitempty"` // "stream" (default) or "stream_with_template_card"
	WebhookKey            string              `json:"-"`
	WebhookURL            string              `json:"webhook_url,omitempty"`
	AllowFrom             FlexibleStringSlice `json:"allow_from,omitempty"`
}

// Strict reports whether the decrypted receiver id must match ReceiveID.
func (w WeComConfig) Strict() bool {
	if w.ReceiveID == "" {
		return false
	}
	return w.StrictReceiver == nil || *w.StrictReceiver
}

// TimestampTolerance returns the replay window.
func (w WeComConfig) TimestampTolerance() time.Duration {
	return time.Duration(w.TimestampToleranceSec) * time.Second
}
