// Package trajectory defines the port for the append-only record of what
// happened during a turn: dispatched events, tool calls, and results.
package trajectory

import (
	"context"
	"encoding/json"
	"time"
)

// Kind identifies the kind of trajectory record.
type Kind string

const (
	KindTurnStarted  Kind = "turn.started"
	KindEvent        Kind = "turn.event"
	KindToolCalled   Kind = "turn.tool_called"
	KindToolResult   Kind = "turn.tool_result"
	KindReplyFlushed Kind = "turn.reply_flushed"
	KindTurnFinished Kind = "turn.finished"
	KindRunStatus    Kind = "run.status"
)

// Record is a single immutable entry in a turn's trajectory.
type Record struct {
	ID        string          `json:"id"`
	TurnID    string          `json:"turn_id"`
	MetaID    string          `json:"meta_id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store is the port interface for appending and loading trajectory records.
type Store interface {
	// Append persists a new record.
	Append(ctx context.Context, rec *Record) error

	// ListByTurn returns all records for a turn, oldest first.
	ListByTurn(ctx context.Context, turnID string) ([]Record, error)

	// ListByMeta returns all records for a conversation, oldest first.
	ListByMeta(ctx context.Context, metaID string) ([]Record, error)
}
