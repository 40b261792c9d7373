// Package llm defines the Provider interface for chat completion with tool
// calling. The segmented call flow drives it turn by turn: each caller
// utterance becomes a user message, tool calls are executed by the caller and
// answered with tool messages, and the loop repeats until the model replies
// with plain text.
package llm

import "context"

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest is a single chat completion call.
type CompletionRequest struct {
	// Messages is the conversation so far, oldest first.
	Messages []Message

	// Tools the model may call.
	Tools []ToolDefinition

	// ToolChoice is "auto", "none" or "required". Empty means provider default.
	ToolChoice string

	// Temperature, zero means provider default.
	Temperature float64

	// MaxTokens caps the reply, zero means provider default.
	MaxTokens int

	// SystemPrompt is prepended as a system message when non-empty.
	SystemPrompt string
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Provider is a chat completion backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
