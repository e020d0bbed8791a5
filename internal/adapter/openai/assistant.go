package openai

import (
	"context"
	"fmt"

	"github.com/convoke-ai/convoke/internal/domain/run"
	"github.com/convoke-ai/convoke/internal/domain/toolcall"
	"github.com/convoke-ai/convoke/internal/port/provider"
)

type apiRun struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
	RequiredAction *struct {
		SubmitToolOutputs struct {
			ToolCalls []toolcall.NativeCall `json:"tool_calls"`
		} `json:"submit_tool_outputs"`
	} `json:"required_action"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// EnsureThread returns the given thread ID, creating a fresh thread when it
// is empty.
func (c *Client) EnsureThread(ctx context.Context, threadID string) (string, error) {
	if threadID != "" {
		return threadID, nil
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.postJSON(ctx, "/threads", map[string]any{}, &resp); err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	return resp.ID, nil
}

// StartRun appends the input message to the thread and starts a run with the
// configured assistant.
func (c *Client) StartRun(ctx context.Context, threadID, input, instructions string) (string, error) {
	if c.assistantID == "" {
		return "", fmt.Errorf("start run: assistant_id is not configured")
	}

	msg := map[string]any{"role": "user", "content": input}
	if err := c.postJSON(ctx, "/threads/"+threadID+"/messages", msg, nil); err != nil {
		return "", fmt.Errorf("append message: %w", err)
	}

	body := map[string]any{"assistant_id": c.assistantID}
	if instructions != "" {
		body["instructions"] = instructions
	}
	var resp apiRun
	if err := c.postJSON(ctx, "/threads/"+threadID+"/runs", body, &resp); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return resp.ID, nil
}

// RetrieveRun fetches the current state of a run.
func (c *Client) RetrieveRun(ctx context.Context, threadID, runID string) (*provider.RunState, error) {
	var resp apiRun
	if err := c.getJSON(ctx, "/threads/"+threadID+"/runs/"+runID, &resp); err != nil {
		return nil, fmt.Errorf("retrieve run: %w", err)
	}

	state := &provider.RunState{Status: run.Status(resp.Status)}
	if resp.LastError != nil {
		state.LastError = resp.LastError.Message
	}
	if resp.RequiredAction != nil {
		state.RequiredAction = &run.RequiredAction{
			ToolCalls: resp.RequiredAction.SubmitToolOutputs.ToolCalls,
		}
	}
	if resp.Usage != nil {
		state.TokensIn = resp.Usage.PromptTokens
		state.TokensOut = resp.Usage.CompletionTokens
	}
	return state, nil
}

// SubmitToolOutputs acknowledges every pending tool call of a blocked run.
func (c *Client) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []toolcall.Output) error {
	body := map[string]any{"tool_outputs": outputs}
	path := "/threads/" + threadID + "/runs/" + runID + "/submit_tool_outputs"
	if err := c.postJSON(ctx, path, body, nil); err != nil {
		return fmt.Errorf("submit tool outputs: %w", err)
	}
	return nil
}

// LatestMessage returns the newest assistant message on a thread.
func (c *Client) LatestMessage(ctx context.Context, threadID string) (string, error) {
	var resp struct {
		Data []struct {
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text struct {
					Value string `json:"value"`
				} `json:"text"`
			} `json:"content"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, "/threads/"+threadID+"/messages?limit=1&order=desc", &resp); err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}

	for _, m := range resp.Data {
		if m.Role != "assistant" {
			continue
		}
		for _, part := range m.Content {
			if part.Type == "text" {
				return part.Text.Value, nil
			}
		}
	}
	return "", nil
}

// CancelRun requests cancellation of an active run.
func (c *Client) CancelRun(ctx context.Context, threadID, runID string) error {
	path := "/threads/" + threadID + "/runs/" + runID + "/cancel"
	if err := c.postJSON(ctx, path, map[string]any{}, nil); err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	return nil
}
