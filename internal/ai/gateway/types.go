// Package gateway is the uniform model-call interface over the OpenAI-style
// and Claude-style upstreams. Both variants share one retry policy and one
// streaming reassembly path, and the envelope a stream assembles is the one
// the batch call returns for the same response.
package gateway

import (
	"context"
	"encoding/json"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons after normalization.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
	FinishFiltered  = "content_filter"
)

type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type Options struct {
	Model       string
	Temperature *float64
	MaxTokens   int
	// DisableTools forbids tool use. Backends whose APIs need the
	// definitions to accept tool history still send them.
	DisableTools bool
}

type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type Response struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
	Usage        Usage      `json:"usage"`
}

// ToolCallDelta is one streamed fragment of a tool call. Name and Arguments
// are fragments to be concatenated per Index.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Delta is delivered to the stream callback once per upstream frame that
// carries text or a tool-call fragment.
type Delta struct {
	Content  string         `json:"content,omitempty"`
	ToolCall *ToolCallDelta `json:"tool_call,omitempty"`
}

// Gateway calls one upstream provider.
//
// StreamCall invokes onDelta synchronously from the read loop; it is never
// called concurrently and never after StreamCall returns.
type Gateway interface {
	Provider() string
	Call(ctx context.Context, msgs []Message, tools []ToolDef, opts Options) (Response, error)
	StreamCall(ctx context.Context, msgs []Message, tools []ToolDef, opts Options, onDelta func(Delta)) (Response, error)
}

// ArgumentsJSON returns the tool call arguments as JSON, "{}" when empty.
func (tc ToolCall) ArgumentsJSON() json.RawMessage {
	if len(tc.Arguments) == 0 {
		return json.RawMessage("{}")
	}
	return json.RawMessage(tc.Arguments)
}
