// Package llm is the chat-completion contract used by the assisted
// proposer, plus an OpenAI-compatible HTTP client.
//
// Nothing in this package is trusted: its output is only ever a proposal
// that the kernel gate still has to approve.
package llm

import (
	"context"
	"encoding/json"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client performs one chat completion, optionally offering tools.
type Client interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, options *SamplingOptions) (*Response, error)
}

type SamplingOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	Seed        int64   `json:"seed"`
}

type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type Response struct {
	Model     string     `json:"model,omitempty"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls"`
}

// ToolCall keeps the arguments as raw JSON so callers can decode them into
// typed structs without float64 round trips.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// FindTool returns the first call to the named tool.
func (r *Response) FindTool(name string) (ToolCall, bool) {
	if r == nil {
		return ToolCall{}, false
	}
	for _, tc := range r.ToolCalls {
		if tc.Name == name {
			return tc, true
		}
	}
	return ToolCall{}, false
}
