package toolcall

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
)

// Delimiter wraps command JSON in the legacy text wire format:
// ~###~{"cmd": "<name>", "params": {...}}~###~
const Delimiter = "~###~"

// cmdPattern is a fast pre-check for at least one well-formed block.
// (?s) lets the object span lines; the match is non-greedy so prose between
// two blocks is never swallowed.
var cmdPattern = regexp.MustCompile(`(?s)` + regexp.QuoteMeta(Delimiter) + `\s*\{.*?\}\s*` + regexp.QuoteMeta(Delimiter))

// HasCmds reports whether text contains at least one legacy command block.
func HasCmds(text string) bool {
	return cmdPattern.MatchString(text)
}

// ExtractCmds returns every command embedded in text, in left-to-right
// order. Malformed chunks are skipped, never fatal: a model appending a
// truncated block must not cost us the calls already parsed.
//
// Two historical encodings are accepted and normalized:
//
//	{"cmd": "name", "params": {...}}
//	{"name": {...}} or {"name": {"params": {...}}}
func ExtractCmds(text string) []Cmd {
	var cmds []Cmd
	for _, chunk := range strings.Split(text, Delimiter) {
		chunk = strings.TrimSpace(chunk)
		if !strings.HasPrefix(chunk, "{") || !strings.HasSuffix(chunk, "}") {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(chunk), &obj); err != nil {
			slog.Debug("skipping malformed command chunk", "error", err)
			continue
		}
		if c, ok := normalizeObject(obj); ok {
			cmds = append(cmds, c)
		}
	}
	return cmds
}

// normalizeObject converts a decoded JSON object into a Cmd.
func normalizeObject(obj map[string]any) (Cmd, bool) {
	if name, ok := obj["cmd"].(string); ok {
		return Cmd{Cmd: name, Params: paramsOf(obj)}, true
	}
	// Shorthand: a single top-level key is the command name.
	if len(obj) != 1 {
		return Cmd{}, false
	}
	for name, v := range obj {
		body, ok := v.(map[string]any)
		if !ok {
			return Cmd{}, false
		}
		if p, ok := body["params"].(map[string]any); ok {
			return Cmd{Cmd: name, Params: p}, true
		}
		return Cmd{Cmd: name, Params: body}, true
	}
	return Cmd{}, false
}

func paramsOf(obj map[string]any) map[string]any {
	if p, ok := obj["params"].(map[string]any); ok {
		return p
	}
	return map[string]any{}
}

// PackCmds renders commands back into the legacy wire format. The output
// round-trips through ExtractCmds.
func PackCmds(cmds []Cmd) string {
	var b strings.Builder
	for _, c := range cmds {
		if c.Params == nil {
			c.Params = map[string]any{}
		}
		data, err := json.Marshal(c)
		if err != nil {
			slog.Error("pack command failed", "cmd", c.Cmd, "error", err)
			continue
		}
		b.WriteString(Delimiter)
		b.Write(data)
		b.WriteString(Delimiter)
	}
	return b.String()
}
