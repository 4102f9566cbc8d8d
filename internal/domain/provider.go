package domain

import "context"

// CompletionProvider is the contract the orchestrator has with the LLM backend.
type CompletionProvider interface {
	// Chat performs a single blocking completion request.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream performs a streaming completion request, delivering incremental
	// chunks on out. The implementation closes out before returning, so callers
	// can range over it and then collect the error.
	ChatStream(ctx context.Context, req ChatRequest, out chan<- StreamChunk) error

	Name() string
}

type ChatRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolSchema
	MaxTokens   int
	Temperature float64
}

type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string // stop | tool_calls | length
	Usage        Usage
}

// HasToolCalls reports whether the model requested tool execution.
func (r *ChatResponse) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one incremental piece of a streaming completion. A chunk may
// carry a content fragment, tool-call deltas, a finish reason, or any mix;
// none of the fields is guaranteed to be set.
type StreamChunk struct {
	Content      string          `json:"content,omitempty"`
	ToolDeltas   []ToolCallDelta `json:"tool_deltas,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
}

// ToolCallDelta is a fragment of a tool call as it arrives on the stream. Only
// the first fragment of a call usually carries ID and Name; Arguments is a raw
// text fragment that must be concatenated in arrival order.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ToolSchema declares one invocable tool to the completion provider.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}
