package toolcall

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Source identifies the encoding a batch of tool calls arrived in.
type Source string

const (
	// SourceNative is the provider's function-calling wire shape;
	// arguments arrive as a JSON string.
	SourceNative Source = "native"
	// SourceKit is the agent-kit shape; arguments arrive already decoded.
	SourceKit Source = "kit"
	// SourceText is the legacy delimiter syntax embedded in output text.
	SourceText Source = "text"
)

// NativeCall mirrors the provider function-calling object.
type NativeCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// KitCall mirrors the agent-kit tool selection object.
type KitCall struct {
	ToolID   string         `json:"tool_id"`
	ToolName string         `json:"tool_name"`
	Kwargs   map[string]any `json:"tool_kwargs"`
}

// Parse is the single entry point for normalizing raw tool-call data.
// For SourceNative and SourceKit, raw is a JSON array of the respective
// wire objects; for SourceText it is plain model output text.
func Parse(src Source, raw []byte) ([]ToolCall, error) {
	switch src {
	case SourceNative:
		var calls []NativeCall
		if err := json.Unmarshal(raw, &calls); err != nil {
			return nil, fmt.Errorf("decode native tool calls: %w", err)
		}
		return UnpackNative(calls), nil
	case SourceKit:
		var calls []KitCall
		if err := json.Unmarshal(raw, &calls); err != nil {
			return nil, fmt.Errorf("decode kit tool calls: %w", err)
		}
		return UnpackKit(calls), nil
	case SourceText:
		return FromCmds(ExtractCmds(string(raw))), nil
	default:
		return nil, fmt.Errorf("unknown tool call source %q", src)
	}
}

// UnpackNative normalizes provider function-calling objects. A call whose
// arguments fail to decode is dropped; the rest of the batch survives.
func UnpackNative(calls []NativeCall) []ToolCall {
	out := make([]ToolCall, 0, len(calls))
	for i := range calls {
		args := map[string]any{}
		if raw := calls[i].Function.Arguments; raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				slog.Error("dropping tool call with malformed arguments",
					"call_id", calls[i].ID,
					"function", calls[i].Function.Name,
					"error", err,
				)
				continue
			}
		}
		out = append(out, ToolCall{
			ID:   calls[i].ID,
			Type: "function",
			Function: Function{
				Name:      calls[i].Function.Name,
				Arguments: args,
			},
		})
	}
	return out
}

// UnpackKit normalizes agent-kit tool calls. Kwargs are already decoded,
// so no per-item parse failure is possible here.
func UnpackKit(calls []KitCall) []ToolCall {
	out := make([]ToolCall, 0, len(calls))
	for i := range calls {
		args := calls[i].Kwargs
		if args == nil {
			args = map[string]any{}
		}
		out = append(out, ToolCall{
			ID:   calls[i].ToolID,
			Type: "function",
			Function: Function{
				Name:      calls[i].ToolName,
				Arguments: args,
			},
		})
	}
	return out
}

// FromCmds reconstructs tool calls from normalized commands, assigning fresh
// IDs. Used when legacy-syntax commands must flow through call-correlated
// paths such as reply submission.
func FromCmds(cmds []Cmd) []ToolCall {
	out := make([]ToolCall, 0, len(cmds))
	for _, c := range cmds {
		args := c.Params
		if args == nil {
			args = map[string]any{}
		}
		out = append(out, ToolCall{
			ID:   uuid.NewString(),
			Type: "function",
			Function: Function{
				Name:      c.Cmd,
				Arguments: args,
			},
		})
	}
	return out
}

// ToCmds converts normalized tool calls into commands for plugin dispatch.
func ToCmds(calls []ToolCall) []Cmd {
	out := make([]Cmd, 0, len(calls))
	for i := range calls {
		out = append(out, Cmd{
			Cmd:    calls[i].Function.Name,
			Params: calls[i].Function.Arguments,
		})
	}
	return out
}
