// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for the turn/run pipeline.
const (
	// SubjectCmdExecute carries command batches to out-of-process plugin
	// workers: {turn_id, batch_id, cmds}.
	SubjectCmdExecute = "turns.cmd.execute"

	// SubjectCmdResult carries worker results back: {turn_id, batch_id, results}.
	SubjectCmdResult = "turns.cmd.result"

	// SubjectTurnStop broadcasts a cooperative stop for a turn.
	SubjectTurnStop = "turns.stop"

	// SubjectRunStatus carries assistant run status transitions.
	SubjectRunStatus = "runs.status"
)

// CmdExecutePayload is published on SubjectCmdExecute.
type CmdExecutePayload struct {
	TurnID  string `json:"turn_id"`
	BatchID string `json:"batch_id"`
	Cmds    []byte `json:"cmds"` // JSON array of normalized commands
}

// CmdResultPayload is published on SubjectCmdResult.
type CmdResultPayload struct {
	TurnID  string `json:"turn_id"`
	BatchID string `json:"batch_id"`
	Results []byte `json:"results"` // JSON array of correlation results
}
