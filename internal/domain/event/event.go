// Package event defines the dispatch envelope routed through the plugin
// bus: a named event with a typed, handler-mutable payload and an optional
// reference to the in-flight turn.
package event

import (
	"github.com/convoke-ai/convoke/internal/domain/command"
	"github.com/convoke-ai/convoke/internal/domain/toolcall"
	"github.com/convoke-ai/convoke/internal/domain/turn"
)

// Name identifies the kind of pipeline event.
type Name string

const (
	UserSend     Name = "user.send"     // raw user input, before any processing
	InputBefore  Name = "input.before"  // input about to enter the pipeline
	CtxBefore    Name = "ctx.before"    // turn assembled, before the model call
	CtxAfter     Name = "ctx.after"     // model output available on the turn
	CtxEnd       Name = "ctx.end"       // turn fully settled
	ModeBefore   Name = "mode.before"   // mode may be rewritten by handlers
	ModelBefore  Name = "model.before"  // model may be rewritten by handlers
	SystemPrompt Name = "system.prompt" // system prompt under construction
	CmdSyntax    Name = "cmd.syntax"    // plugins contribute command descriptors
	CmdExecute   Name = "cmd.execute"   // plugins execute queued commands
	ForceStop    Name = "force.stop"    // user-initiated cooperative stop
)

// Payload is the typed, per-kind event data. Handlers mutate it in place;
// this is the mechanism by which plugins alter prompts, modes, and command
// sets before and after model calls. Implementations are pointer types.
type Payload interface{ payload() }

// Text carries a single mutable string (system prompt, mode id, model id).
type Text struct {
	Value string
}

func (*Text) payload() {}

// Syntax collects command descriptors from plugins and carries the prompt
// they are appended to.
type Syntax struct {
	Prompt string
	Cmds   []command.Descriptor
}

func (*Syntax) payload() {}

// Execute carries the normalized command batch for plugin execution.
// Plugins append the outputs they produce to Results; the pipeline hands
// the accumulated batch to the reply stack after the dispatch pass.
type Execute struct {
	Cmds    []toolcall.Cmd
	Results []toolcall.Result
}

func (*Execute) payload() {}

// Event is the envelope dispatched to every registered plugin. Created per
// dispatch call and discarded afterwards; never persisted.
type Event struct {
	Name Name
	Ctx  *turn.Turn
	Data Payload

	// Extra is the escape hatch for genuinely dynamic plugin-specific
	// values that no typed payload covers.
	Extra map[string]any

	// Stop short-circuits the dispatch pass once set by any handler.
	Stop bool
	// Internal marks events that must be handled synchronously and kept
	// out of the user-visible transcript.
	Internal bool
	// Silent suppresses dispatch logging for this instance regardless of
	// the global setting.
	Silent bool
}

// New creates an event envelope for the given turn (ctx may be nil).
func New(name Name, ctx *turn.Turn) *Event {
	return &Event{Name: name, Ctx: ctx}
}

// WithText attaches a mutable text payload.
func (e *Event) WithText(value string) *Event {
	e.Data = &Text{Value: value}
	return e
}

// WithSyntax attaches a syntax-collection payload.
func (e *Event) WithSyntax(prompt string, cmds []command.Descriptor) *Event {
	e.Data = &Syntax{Prompt: prompt, Cmds: cmds}
	return e
}

// WithExecute attaches a command-execution payload.
func (e *Event) WithExecute(cmds []toolcall.Cmd) *Event {
	e.Data = &Execute{Cmds: cmds}
	return e
}

// Set stores a dynamic value in the escape-hatch map.
func (e *Event) Set(key string, value any) {
	if e.Extra == nil {
		e.Extra = make(map[string]any)
	}
	e.Extra[key] = value
}

// Get reads a dynamic value from the escape-hatch map.
func (e *Event) Get(key string) (any, bool) {
	v, ok := e.Extra[key]
	return v, ok
}
