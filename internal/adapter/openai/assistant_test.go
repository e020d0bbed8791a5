package openai_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/convoke-ai/convoke/internal/domain/run"
	"github.com/convoke-ai/convoke/internal/domain/toolcall"
)

func TestEnsureThreadCreatesWhenEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/threads" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if beta := r.Header.Get("OpenAI-Beta"); beta != "assistants=v2" {
			t.Fatalf("missing beta header, got %q", beta)
		}
		_, _ = w.Write([]byte(`{"id": "thread_1"}`))
	}))
	defer srv.Close()

	client := testClient(srv.URL)
	id, err := client.EnsureThread(context.Background(), "")
	if err != nil {
		t.Fatalf("EnsureThread failed: %v", err)
	}
	if id != "thread_1" {
		t.Fatalf("unexpected thread id: %q", id)
	}
}

func TestEnsureThreadKeepsExisting(t *testing.T) {
	// No server: an existing thread must not trigger any request.
	client := testClient("http://127.0.0.1:0")
	id, err := client.EnsureThread(context.Background(), "thread_9")
	if err != nil || id != "thread_9" {
		t.Fatalf("expected passthrough, got %q %v", id, err)
	}
}

func TestStartRunAppendsMessageThenStarts(t *testing.T) {
	var paths []string
	var runBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/threads/thread_1/runs" {
			data, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(data, &runBody)
		}
		_, _ = w.Write([]byte(`{"id": "run_1", "status": "queued"}`))
	}))
	defer srv.Close()

	client := testClient(srv.URL)
	runID, err := client.StartRun(context.Background(), "thread_1", "do the thing", "be careful")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if runID != "run_1" {
		t.Fatalf("unexpected run id: %q", runID)
	}

	if len(paths) != 2 || paths[0] != "/threads/thread_1/messages" || paths[1] != "/threads/thread_1/runs" {
		t.Fatalf("unexpected request order: %v", paths)
	}
	if runBody["assistant_id"] != "asst_1" {
		t.Fatalf("run must carry the configured assistant, got %v", runBody)
	}
	if runBody["instructions"] != "be careful" {
		t.Fatalf("run must carry instructions, got %v", runBody)
	}
}

func TestStartRunWithoutAssistantID(t *testing.T) {
	client := testClientNoAssistant(t)
	if _, err := client.StartRun(context.Background(), "thread_1", "x", ""); err == nil {
		t.Fatal("expected error without assistant_id")
	}
}

func TestRetrieveRunMapsRequiredAction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/threads/thread_1/runs/run_1" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{
			"id": "run_1",
			"status": "requires_action",
			"required_action": {"submit_tool_outputs": {"tool_calls": [{
				"id": "call-1",
				"type": "function",
				"function": {"name": "read_file", "arguments": "{}"}
			}]}},
			"usage": {"prompt_tokens": 5, "completion_tokens": 2}
		}`))
	}))
	defer srv.Close()

	state, err := testClient(srv.URL).RetrieveRun(context.Background(), "thread_1", "run_1")
	if err != nil {
		t.Fatalf("RetrieveRun failed: %v", err)
	}

	if state.Status != run.StatusRequiresAction {
		t.Fatalf("unexpected status: %s", state.Status)
	}
	if state.RequiredAction == nil || len(state.RequiredAction.ToolCalls) != 1 {
		t.Fatalf("required action lost: %+v", state.RequiredAction)
	}
	if state.TokensIn != 5 || state.TokensOut != 2 {
		t.Fatalf("usage lost: %d/%d", state.TokensIn, state.TokensOut)
	}
}

func TestRetrieveRunMapsLastError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"id": "run_1",
			"status": "failed",
			"last_error": {"code": "server_error", "message": "backend exploded"}
		}`))
	}))
	defer srv.Close()

	state, err := testClient(srv.URL).RetrieveRun(context.Background(), "thread_1", "run_1")
	if err != nil {
		t.Fatalf("RetrieveRun failed: %v", err)
	}
	if state.Status != run.StatusFailed || state.LastError != "backend exploded" {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestSubmitToolOutputs(t *testing.T) {
	var body map[string][]toolcall.Output
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/threads/thread_1/runs/run_1/submit_tool_outputs" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		_, _ = w.Write([]byte(`{"id": "run_1", "status": "in_progress"}`))
	}))
	defer srv.Close()

	outputs := []toolcall.Output{
		{ToolCallID: "call-1", Output: "file contents"},
		{ToolCallID: "call-2", Output: ""},
	}
	if err := testClient(srv.URL).SubmitToolOutputs(context.Background(), "thread_1", "run_1", outputs); err != nil {
		t.Fatalf("SubmitToolOutputs failed: %v", err)
	}

	got := body["tool_outputs"]
	if len(got) != 2 || got[0].ToolCallID != "call-1" || got[1].Output != "" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestLatestMessagePicksAssistantText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/threads/thread_1/messages" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"data": [{
			"role": "assistant",
			"content": [
				{"type": "image_file"},
				{"type": "text", "text": {"value": "final answer"}}
			]
		}]}`))
	}))
	defer srv.Close()

	msg, err := testClient(srv.URL).LatestMessage(context.Background(), "thread_1")
	if err != nil {
		t.Fatalf("LatestMessage failed: %v", err)
	}
	if msg != "final answer" {
		t.Fatalf("unexpected message: %q", msg)
	}
}

func TestCancelRun(t *testing.T) {
	var cancelled bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/threads/thread_1/runs/run_1/cancel" {
			cancelled = true
		}
		_, _ = w.Write([]byte(`{"id": "run_1", "status": "cancelling"}`))
	}))
	defer srv.Close()

	if err := testClient(srv.URL).CancelRun(context.Background(), "thread_1", "run_1"); err != nil {
		t.Fatalf("CancelRun failed: %v", err)
	}
	if !cancelled {
		t.Fatal("cancel endpoint not hit")
	}
}
