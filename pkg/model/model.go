// Package model defines the contract with the model-invocation service the
// runtime consumes. The runtime never implements a provider itself; callers
// inject a Client and workers route every model call through it.
package model

import "context"

// Message is one entry of a conversation
type Message struct {
	Role       string                 `json:"role"`
	Content    string                 `json:"content"`
	ToolCalls  []ToolCall             `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ToolCall is a tool invocation requested by the model
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolSchema describes one tool advertised to the model
type ToolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Usage tracks token consumption of one model call
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// DeltaKind distinguishes streamed chunk channels
type DeltaKind string

const (
	DeltaText     DeltaKind = "text"
	DeltaThinking DeltaKind = "thinking"
)

// Delta is one streamed increment of model output
type Delta struct {
	CallID string    `json:"call_id"`
	Kind   DeltaKind `json:"kind"`
	Text   string    `json:"text"`
}

// Request contains the parameters of one model call
type Request struct {
	CallID       string       `json:"call_id"`
	Model        string       `json:"model"`
	Messages     []Message    `json:"messages"`
	Tools        []ToolSchema `json:"tools,omitempty"`
	SystemPrompt string       `json:"system_prompt,omitempty"`
	MaxTokens    int          `json:"max_tokens,omitempty"`
}

// Response is the outcome of one model call: either final text or a set of
// tool calls, never both interpreted at once (tool calls win when present).
type Response struct {
	CallID    string     `json:"call_id"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
}

// DeltaFunc receives streamed increments during a call. Implementations must
// not block; deltas are a display side channel only.
type DeltaFunc func(Delta)

// Client is the consumed model-invocation service
type Client interface {
	// Complete runs one model call over the conversation. onDelta may be nil.
	Complete(ctx context.Context, req Request, onDelta DeltaFunc) (*Response, error)

	// Name returns the client/provider name for logging and usage reports
	Name() string
}
