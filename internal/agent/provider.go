// Package agent implements the per-thread brain: chat history, system
// prompt, tool registry, token budgeting, and the unified streaming
// workflow loop that drives model calls and tool execution.
package agent

import (
	"context"
	"encoding/json"

	"github.com/pinnokio/brain/pkg/models"
)

// LLMProvider is the model port. Complete starts a completion and returns
// a channel of chunks; the channel is closed after the final chunk. Chunks
// arrive in provider order.
type LLMProvider interface {
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
	Name() string
}

// CompletionRequest describes one model call.
type CompletionRequest struct {
	// Model identifies the provider-specific model name.
	Model string

	// System is the system prompt, passed out-of-band where the provider
	// supports it.
	System string

	// Messages is the conversation history, oldest first.
	Messages []models.Message

	// Tools the model may call. Empty disables tool use.
	Tools []ToolDefinition

	// MaxTokens caps the response length. Zero uses the provider default.
	MaxTokens int

	// Temperature, when positive, overrides the provider default.
	Temperature float64

	// ForceTool, when set, instructs the model to call that tool and
	// nothing else.
	ForceTool string
}

// ToolDefinition is the schema-bearing descriptor handed to providers.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolCall is a completed tool invocation request from the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolUseStart announces that the model began emitting a tool call, before
// its input has fully streamed.
type ToolUseStart struct {
	ID   string
	Name string
}

// CompletionChunk is one streaming event from a provider.
type CompletionChunk struct {
	// Text is a delta of assistant text.
	Text string

	// ToolUseStart fires once per tool call, when its name is known.
	ToolUseStart *ToolUseStart

	// ToolCall carries a fully accumulated tool invocation.
	ToolCall *ToolCall

	// Done marks the final chunk of the stream.
	Done bool

	// Err carries a stream failure; Done is set alongside it.
	Err error

	// Token usage, reported on the final chunks when known.
	InputTokens  int
	OutputTokens int

	// StopReason is the provider's stop reason, when reported.
	StopReason string
}
