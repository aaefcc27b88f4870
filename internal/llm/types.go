// Package llm provides the reasoning backend client.
package llm

import (
	"context"
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents a chat message for the backend.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	ID       string `json:"id,omitempty"` // Provider-assigned ID, required for tool_result correlation
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

// ChatResponse is the provider-neutral response. Wire format conversion
// happens at the provider boundary (anthropic.go).
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int
}

// StreamCallback receives incremental text deltas during a streaming
// response. The stream is lazy, finite, and non-restartable: deltas
// arrive in order and stop when the call returns. Cancelling the
// request context stops the underlying backend call, not just delivery.
type StreamCallback func(delta string)

// Client is the interface the reasoning backend provider implements.
// Kept narrow so tests can substitute a fake.
type Client interface {
	// ChatStream sends a chat request. If callback is non-nil, text
	// deltas are streamed to it before the final response returns.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
