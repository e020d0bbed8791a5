// Package mode defines the conversation modes a turn can run under.
package mode

// Mode selects the pipeline variant for a turn.
type Mode string

const (
	ModeChat       Mode = "chat"
	ModeCompletion Mode = "completion"
	ModeAssistant  Mode = "assistant" // provider-side assistant runs with polled lifecycle
	ModeAgent      Mode = "agent"     // legacy autonomous agent loop
	ModeExpert     Mode = "expert"    // expert-orchestration (manager delegates to presets)
)

// valid is the set of recognized modes.
var valid = map[Mode]bool{
	ModeChat:       true,
	ModeCompletion: true,
	ModeAssistant:  true,
	ModeAgent:      true,
	ModeExpert:     true,
}

// Valid reports whether m is a recognized mode.
func Valid(m Mode) bool { return valid[m] }

// Synchronous reports whether the mode forbids deferring command execution:
// assistant runs, agent loops, and expert orchestration all require tool
// results to resolve before the next model turn.
func Synchronous(m Mode) bool {
	return m == ModeAssistant || m == ModeAgent || m == ModeExpert
}
