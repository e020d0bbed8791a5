package ws

// Event type constants for WebSocket messages.
const (
	EventTurnFinished = "turn.finished"
	EventTurnError    = "turn.error"
	EventRunStatus    = "run.status"
	EventRunAlert     = "run.alert"
)

// TurnFinishedEvent is broadcast when a turn settles.
type TurnFinishedEvent struct {
	TurnID  string `json:"turn_id"`
	MetaID  string `json:"meta_id"`
	Stopped bool   `json:"stopped"`
}

// TurnErrorEvent is broadcast when a turn fails.
type TurnErrorEvent struct {
	TurnID string `json:"turn_id"`
	MetaID string `json:"meta_id"`
	Error  string `json:"error"`
}

// RunStatusEvent is broadcast on every assistant run status transition.
type RunStatusEvent struct {
	RunID    string `json:"run_id"`
	ThreadID string `json:"thread_id"`
	TurnID   string `json:"turn_id"`
	Status   string `json:"status"`
}

// RunAlertEvent is broadcast when a run ends in a failure-class status.
type RunAlertEvent struct {
	RunID     string `json:"run_id"`
	TurnID    string `json:"turn_id"`
	Status    string `json:"status"`
	LastError string `json:"last_error,omitempty"`
}
