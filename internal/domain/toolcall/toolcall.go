// Package toolcall normalizes the heterogeneous tool-call encodings produced
// by models and providers into a single representation. The rest of the
// pipeline only ever sees the normalized ToolCall / Cmd types; every source
// encoding enters through Parse or one of the typed Unpack helpers.
package toolcall

// Cmd is a normalized command request extracted from model output.
type Cmd struct {
	Cmd    string         `json:"cmd"`
	Params map[string]any `json:"params"`
}

// Function is the invocation half of a normalized tool call. Arguments are
// always fully decoded; callers never see raw JSON strings.
type Function struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolCall is the normalized form of a single tool invocation, regardless of
// whether it arrived as a native provider object, an agent-kit object, or
// legacy delimiter text.
type ToolCall struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

// Result pairs an executed command with its output, as produced by the
// plugin execution layer and re-injected into the conversation.
type Result struct {
	Request Cmd `json:"request"`
	Result  any `json:"result"`
}

// Output acknowledges one pending tool call toward the provider API.
// Providers require every call in a batch to be answered, so unmatched
// calls carry an empty output rather than being omitted.
type Output struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}
