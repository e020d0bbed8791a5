package openai

import (
	"context"
	"fmt"

	"github.com/convoke-ai/convoke/internal/domain/command"
	"github.com/convoke-ai/convoke/internal/domain/toolcall"
	"github.com/convoke-ai/convoke/internal/port/provider"
)

type chatMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

type chatTool struct {
	Type     string              `json:"type"`
	Function command.FunctionDef `json:"function"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Tools    []chatTool    `json:"tools,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string                `json:"content"`
			ToolCalls []toolcall.NativeCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Call performs one synchronous chat completion round-trip.
func (c *Client) Call(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body := chatRequest{Model: req.Model}

	if req.SystemPrompt != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.History {
		body.Messages = append(body.Messages, chatMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Input})

	for i := range req.Tools {
		body.Tools = append(body.Tools, chatTool{Type: "function", Function: req.Tools[i]})
	}

	var resp chatResponse
	if err := c.postJSON(ctx, "/chat/completions", body, &resp); err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: empty choices")
	}

	return &provider.Response{
		Output:    resp.Choices[0].Message.Content,
		ToolCalls: resp.Choices[0].Message.ToolCalls,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
	}, nil
}
