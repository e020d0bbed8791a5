// Package run defines the provider-side assistant run entity and its
// polled status lifecycle.
package run

import (
	"fmt"
	"time"

	"github.com/convoke-ai/convoke/internal/domain"
	"github.com/convoke-ai/convoke/internal/domain/toolcall"
)

// Status represents the provider-reported state of an assistant run.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusInProgress     Status = "in_progress"
	StatusRequiresAction Status = "requires_action"
	StatusCancelling     Status = "cancelling"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
	StatusExpired        Status = "expired"
)

// terminal statuses end the polling loop.
var terminal = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
	StatusExpired:   true,
}

// failure statuses unlock input and surface an alert; no automatic retry.
var failure = map[Status]bool{
	StatusFailed:    true,
	StatusCancelled: true,
	StatusExpired:   true,
}

// Terminal reports whether the status ends the run lifecycle.
func (s Status) Terminal() bool { return terminal[s] }

// Failure reports whether the status is a failure-class terminal state.
func (s Status) Failure() bool { return failure[s] }

// transitions lists the statuses reachable from each non-terminal status.
var transitions = map[Status][]Status{
	StatusQueued:         {StatusInProgress, StatusCancelling, StatusCancelled, StatusFailed, StatusExpired},
	StatusInProgress:     {StatusRequiresAction, StatusCompleted, StatusCancelling, StatusCancelled, StatusFailed, StatusExpired},
	StatusRequiresAction: {StatusInProgress, StatusCancelling, StatusCancelled, StatusExpired, StatusFailed},
	StatusCancelling:     {StatusCancelled, StatusCompleted, StatusFailed, StatusExpired},
}

// CanTransition reports whether moving from one status to another is a
// legal lifecycle step. Staying in place is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Run represents one assistant run correlated to a turn.
type Run struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	TurnID    string    `json:"turn_id"`
	Status    Status    `json:"status"`
	LastError string    `json:"last_error,omitempty"`
	TokensIn  int       `json:"tokens_in,omitempty"`
	TokensOut int       `json:"tokens_out,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks required correlation fields.
func (r *Run) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: run id is required", domain.ErrValidation)
	}
	if r.ThreadID == "" {
		return fmt.Errorf("%w: thread_id is required", domain.ErrValidation)
	}
	return nil
}

// RequiredAction carries the tool calls a run is blocked on. Mirrors the
// provider's required_action.submit_tool_outputs shape.
type RequiredAction struct {
	ToolCalls []toolcall.NativeCall `json:"tool_calls"`
}
