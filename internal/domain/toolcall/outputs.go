package toolcall

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// OutputsFor correlates a batch of pending tool calls against the JSON
// array of results produced by the plugin execution layer. Every pending
// call appears exactly once in the returned slice; calls with no matching
// result carry an empty output, because the provider rejects batches that
// leave a call unacknowledged.
//
// Matching is by command name (result.request.cmd against the call's
// function name), not by an echoed call ID. When one turn issues the same
// command twice, both calls receive the first matching result.
func OutputsFor(pending []ToolCall, resultsJSON string) []Output {
	var results []Result
	if resultsJSON != "" {
		if err := json.Unmarshal([]byte(resultsJSON), &results); err != nil {
			slog.Error("malformed tool results payload, answering with empty outputs", "error", err)
			results = nil
		}
	}

	outputs := make([]Output, 0, len(pending))
	for i := range pending {
		outputs = append(outputs, Output{
			ToolCallID: pending[i].ID,
			Output:     matchResult(pending[i].Function.Name, results),
		})
	}
	return outputs
}

// matchResult returns the serialized result for the first entry matching
// the given command name, or "" when none matches.
func matchResult(name string, results []Result) string {
	for i := range results {
		if results[i].Request.Cmd != name {
			continue
		}
		switch v := results[i].Result.(type) {
		case string:
			return v
		case nil:
			return ""
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return fmt.Sprintf("%v", v)
			}
			return string(data)
		}
	}
	return ""
}
