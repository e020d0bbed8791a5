// Package provider defines the ports toward LLM providers: the synchronous
// chat bridge and the assistant-run API used by the polled lifecycle.
package provider

import (
	"context"

	"github.com/convoke-ai/convoke/internal/domain/command"
	"github.com/convoke-ai/convoke/internal/domain/mode"
	"github.com/convoke-ai/convoke/internal/domain/run"
	"github.com/convoke-ai/convoke/internal/domain/toolcall"
)

// Message is one history entry sent to the provider.
type Message struct {
	Role       string `json:"role"` // "user", "assistant", "system", "tool"
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Request is the bridge call surface. The pipeline treats the call as an
// opaque synchronous operation that may run on a worker goroutine.
type Request struct {
	MetaID       string
	Mode         mode.Mode
	Model        string
	SystemPrompt string
	Input        string
	History      []Message
	Stream       bool
	// Tools carries native function definitions; empty when the legacy
	// text syntax is in effect.
	Tools []command.FunctionDef
}

// Response is the bridge result populated from the provider reply.
type Response struct {
	Output    string
	ToolCalls []toolcall.NativeCall
	TokensIn  int
	TokensOut int
}

// Bridge is the synchronous model-call port.
type Bridge interface {
	Call(ctx context.Context, req *Request) (*Response, error)
}

// RunState is one polled snapshot of an assistant run.
type RunState struct {
	Status         run.Status
	LastError      string
	RequiredAction *run.RequiredAction
	TokensIn       int
	TokensOut      int
}

// AssistantAPI is the port for provider-side assistant runs.
type AssistantAPI interface {
	// EnsureThread returns the given thread ID, creating a fresh thread
	// when it is empty.
	EnsureThread(ctx context.Context, threadID string) (string, error)

	// StartRun appends the input message to the thread and starts a run.
	StartRun(ctx context.Context, threadID, input, instructions string) (runID string, err error)

	// RetrieveRun fetches the current state of a run.
	RetrieveRun(ctx context.Context, threadID, runID string) (*RunState, error)

	// SubmitToolOutputs acknowledges every pending tool call of a run
	// blocked in requires_action.
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []toolcall.Output) error

	// LatestMessage returns the newest assistant message on a thread.
	LatestMessage(ctx context.Context, threadID string) (string, error)

	// CancelRun requests cancellation of an active run.
	CancelRun(ctx context.Context, threadID, runID string) error
}
