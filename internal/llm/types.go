package llm

import (
	"context"
	"encoding/json"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Tool choice policies.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceRequired = "required"
	ToolChoiceNone     = "none"
)

// Message is one turn of a model conversation. ToolCalls is set on
// assistant turns that request tools; ToolCallID ties a tool-result turn
// back to its request.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolSpec describes a callable tool offered to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// TokenUsage reports prompt and completion token counts for one call.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Request is a single chat call. ResponseSchema, when set, constrains the
// model to emit JSON matching the schema.
type Request struct {
	Messages       []Message       `json:"messages"`
	Tools          []ToolSpec      `json:"tools,omitempty"`
	ToolChoice     string          `json:"tool_choice,omitempty"`
	ResponseSchema json.RawMessage `json:"response_schema,omitempty"`
}

// Response carries model text or tool-invocation requests, never both
// meaningfully populated at once.
type Response struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     TokenUsage `json:"usage"`
}

// HasToolCalls reports whether the model requested any tools.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// Client is the synchronous model capability consumed by the pipeline.
type Client interface {
	Chat(ctx context.Context, req Request) (*Response, error)
}

// StreamingClient is the streaming variant; onDelta receives raw text
// fragments as they arrive, and the final Response aggregates the whole.
type StreamingClient interface {
	ChatStream(ctx context.Context, req Request, onDelta func(delta string)) (*Response, error)
}
