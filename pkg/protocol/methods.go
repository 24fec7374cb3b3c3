package protocol

// HTTP routes served by the gateway.
const (
	RouteHealth   = "/health"
	RouteMetrics  = "/metrics"
	RouteEvents   = "/ws"
	RouteSessions = "/api/sessions"
	RoutePush     = "/api/dingtalk/push"
)

// Frame is one message on the /ws event tap.
type Frame struct {
	Type    string      `json:"type"` // always "event"
	Seq     uint64      `json:"seq"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// FrameTypeEvent is the Frame.Type of broadcast events.
const FrameTypeEvent = "event"

// SessionView is the admin API representation of one session.
type SessionView struct {
	Key     string         `json:"key"`
	Entries []SessionEntry `json:"entries"`
}

// SessionEntry is one history entry in a SessionView.
type SessionEntry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Tokens    int    `json:"token_estimate"`
}

// Push target and message types.
const (
	PushTargetGroup  = "group"
	PushTargetSingle = "single"

	PushText     = "text"
	PushMarkdown = "markdown"
	PushImage    = "image"
)

// PushRequest is the body of a proactive push. TargetType defaults to
// "group" and MessageType to "markdown".
type PushRequest struct {
	TargetType     string `json:"target_type,omitempty"`
	ConversationID string `json:"conversation_id"`
	MessageType    string `json:"message_type,omitempty"`
	Title          string `json:"title,omitempty"`
	Content        string `json:"content,omitempty"`
	ImageBase64    string `json:"image_base64,omitempty"`
}

// PushMessage is a validated PushRequest.
type PushMessage struct {
	Group          bool
	ConversationID string
	Kind           string // PushText, PushMarkdown or PushImage
	Title          string
	Content        string
	Image          []byte
}

// PushResult is the push endpoint's response body.
type PushResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
