package turn_test

import (
	"encoding/json"
	"testing"

	"github.com/convoke-ai/convoke/internal/domain/mode"
	"github.com/convoke-ai/convoke/internal/domain/toolcall"
	"github.com/convoke-ai/convoke/internal/domain/turn"
)

func TestNew(t *testing.T) {
	tn := turn.New("meta-1", mode.ModeChat)
	if tn.ID == "" {
		t.Error("expected generated id")
	}
	if tn.MetaID != "meta-1" || tn.Mode != mode.ModeChat {
		t.Errorf("unexpected turn: %#v", tn)
	}
	if err := tn.Validate(); err != nil {
		t.Fatalf("new turn should validate: %v", err)
	}
}

func TestValidate_UnknownMode(t *testing.T) {
	tn := turn.New("meta-1", mode.Mode("bogus"))
	if err := tn.Validate(); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestAppendResults(t *testing.T) {
	tn := turn.New("meta-1", mode.ModeChat)
	tn.AppendResults([]toolcall.Result{
		{Request: toolcall.Cmd{Cmd: "a"}, Result: "one"},
	})
	tn.AppendResults([]toolcall.Result{
		{Request: toolcall.Cmd{Cmd: "b"}, Result: "two"},
	})
	if !tn.Reply {
		t.Error("appending results must mark the turn as awaiting reply")
	}
	if len(tn.Results) != 2 || tn.Results[0].Request.Cmd != "a" {
		t.Errorf("results must preserve insertion order: %#v", tn.Results)
	}
}

func TestResultsJSON_CorrelationFormat(t *testing.T) {
	tn := turn.New("meta-1", mode.ModeChat)
	tn.AppendResults([]toolcall.Result{
		{Request: toolcall.Cmd{Cmd: "ls", Params: map[string]any{}}, Result: "a.txt"},
	})

	raw, err := tn.ResultsJSON()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded []struct {
		Request struct {
			Cmd string `json:"cmd"`
		} `json:"request"`
		Result any `json:"result"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		t.Fatalf("results JSON does not decode: %v", err)
	}
	if len(decoded) != 1 || decoded[0].Request.Cmd != "ls" || decoded[0].Result != "a.txt" {
		t.Errorf("unexpected correlation payload: %s", raw)
	}
}

func TestReplyChild(t *testing.T) {
	parent := turn.New("meta-1", mode.ModeAgent)
	parent.Model = "gpt-4o"
	parent.ThreadID = "thread-1"
	parent.Hidden = true

	child := parent.ReplyChild(`[{"request":{"cmd":"ls"},"result":"ok"}]`)
	if child.ID == parent.ID {
		t.Error("child must get a fresh id")
	}
	if !child.Reply {
		t.Error("child must be marked as a reply send")
	}
	if child.PrevID != parent.ID {
		t.Errorf("child.PrevID = %q, want parent id", child.PrevID)
	}
	if child.Model != "gpt-4o" || child.ThreadID != "thread-1" || !child.Hidden {
		t.Errorf("child must inherit model/thread/visibility: %#v", child)
	}
}
