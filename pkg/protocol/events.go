package protocol

// Event names broadcast on the bus and streamed to /ws observers.
const (
	EventTurnStarted  = "turn.started"
	EventTurnPartial  = "turn.partial"
	EventTurnFinal    = "turn.final"
	EventTurnFailed   = "turn.failed"
	EventTurnRetrying = "turn.retrying"
	EventCommand      = "command"
	EventSessionSwept = "session.swept"
	EventShutdown     = "shutdown"
)

// TurnEvent is the payload of every turn.* event. Text fields are
// cumulative snapshots; observers that only want the latest state can
// overwrite on each partial.
type TurnEvent struct {
	SessionKey string `json:"session_key"`
	TurnID     string `json:"turn_id"`
	Platform   string `json:"platform"`
	Model      string `json:"model,omitempty"`
	Thinking   string `json:"thinking_level,omitempty"`
	Search     bool   `json:"enable_search,omitempty"`
	State      string `json:"state,omitempty"`
	Text       string `json:"text,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
	Members    int    `json:"members,omitempty"` // merged messages in the turn
}

// CommandEvent is the payload of a command event.
type CommandEvent struct {
	SessionKey string `json:"session_key"`
	Command    string `json:"command"`
	Cancelled  bool   `json:"cancelled,omitempty"` // an in-flight turn was stopped
}
