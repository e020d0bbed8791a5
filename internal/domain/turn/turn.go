// Package turn defines the Turn domain entity: one conversation turn as it
// flows through the dispatch pipeline, from user input or model output to
// executed tool results and reply re-injection.
package turn

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/convoke-ai/convoke/internal/domain"
	"github.com/convoke-ai/convoke/internal/domain/mode"
	"github.com/convoke-ai/convoke/internal/domain/toolcall"
)

// Turn is the mutable record for one conversation turn. It is created when
// a user message or expert delegation begins, mutated by the pipeline, and
// persisted at turn boundaries.
type Turn struct {
	ID     string    `json:"id"`
	MetaID string    `json:"meta_id"` // owning conversation
	Mode   mode.Mode `json:"mode"`
	Model  string    `json:"model,omitempty"`

	Input  string `json:"input"`
	Output string `json:"output,omitempty"`

	// Cmds are commands queued for plugin execution this turn.
	Cmds []toolcall.Cmd `json:"cmds,omitempty"`
	// ToolCalls are normalized calls pending provider acknowledgement.
	ToolCalls []toolcall.ToolCall `json:"tool_calls,omitempty"`
	// Results accumulate tool outputs produced by plugins.
	Results []toolcall.Result `json:"results,omitempty"`
	// Extra optionally carries raw content that replaces the JSON result
	// list when a single batch is flushed.
	Extra string `json:"extra,omitempty"`

	Reply    bool `json:"reply"`    // a plugin produced a result awaiting re-injection
	Internal bool `json:"internal"` // must resolve synchronously, hidden from transcript
	SubCall  bool `json:"sub_call"` // produced by an expert delegation
	Hidden   bool `json:"hidden"`
	Stopped  bool `json:"stopped"` // cooperative stop observed mid-flight

	RunID    string `json:"run_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	PrevID   string `json:"prev_id,omitempty"` // snapshot chaining across reply sends

	TokensIn  int `json:"tokens_in,omitempty"`
	TokensOut int `json:"tokens_out,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a turn for the given conversation and mode.
func New(metaID string, m mode.Mode) *Turn {
	now := time.Now().UTC()
	return &Turn{
		ID:        uuid.NewString(),
		MetaID:    metaID,
		Mode:      m,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks required fields and mode validity.
func (t *Turn) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: turn id is required", domain.ErrValidation)
	}
	if t.MetaID == "" {
		return fmt.Errorf("%w: meta_id is required", domain.ErrValidation)
	}
	if t.Mode != "" && !mode.Valid(t.Mode) {
		return fmt.Errorf("%w: unknown mode %q", domain.ErrValidation, t.Mode)
	}
	return nil
}

// HasCmds reports whether any commands are queued for execution.
func (t *Turn) HasCmds() bool { return len(t.Cmds) > 0 }

// AppendResults adds tool outputs to the accumulator and marks the turn as
// awaiting reply re-injection.
func (t *Turn) AppendResults(results []toolcall.Result) {
	t.Results = append(t.Results, results...)
	t.Reply = true
	t.UpdatedAt = time.Now().UTC()
}

// ResultsJSON serializes the accumulated results in insertion order, in the
// correlation format consumed by toolcall.OutputsFor.
func (t *Turn) ResultsJSON() (string, error) {
	data, err := json.Marshal(t.Results)
	if err != nil {
		return "", fmt.Errorf("marshal turn results: %w", err)
	}
	return string(data), nil
}

// ReplyChild creates the follow-up turn that re-enters the input pipeline
// after a reply flush. The parent becomes the previous snapshot.
func (t *Turn) ReplyChild(input string) *Turn {
	child := New(t.MetaID, t.Mode)
	child.Model = t.Model
	child.Input = input
	child.Reply = true
	child.Internal = t.Internal
	child.Hidden = t.Hidden
	child.PrevID = t.ID
	child.ThreadID = t.ThreadID
	return child
}
