// Package models provides domain types shared across the brain service.
package models

import (
	"time"
)

// ChatMode selects the system-prompt builder and the tool set for a thread.
type ChatMode string

const (
	ModeGeneral      ChatMode = "general_chat"
	ModeOnboarding   ChatMode = "onboarding_chat"
	ModeAPBookkeeper ChatMode = "apbookeeper_chat"
	ModeRouter       ChatMode = "router_chat"
	ModeBanker       ChatMode = "banker_chat"
	ModeTask         ChatMode = "task_execution"
)

// OnboardingLike reports whether the mode attaches a worker follow-up
// listener on enter/load.
func (m ChatMode) OnboardingLike() bool {
	switch m {
	case ModeOnboarding, ModeAPBookkeeper, ModeRouter, ModeBanker:
		return true
	}
	return false
}

// CardIntermediation reports whether worker CARD/TOOL/WAITING_MESSAGE events
// switch the thread into intermediation mode.
func (m ChatMode) CardIntermediation() bool {
	switch m {
	case ModeAPBookkeeper, ModeRouter, ModeBanker:
		return true
	}
	return false
}

// Container returns the RTDB container segment for thread messages.
func (m ChatMode) Container() string {
	if m.CardIntermediation() {
		return "active_chats"
	}
	return "chats"
}

// Valid reports whether the mode is one of the known chat modes.
func (m ChatMode) Valid() bool {
	switch m {
	case ModeGeneral, ModeOnboarding, ModeAPBookkeeper, ModeRouter, ModeBanker, ModeTask:
		return true
	}
	return false
}

// Role indicates the author of a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BlockType discriminates history content blocks.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one typed element of a structured history message.
// Exactly the fields for its Type are set.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text payload (BlockText).
	Text string `json:"text,omitempty"`

	// Tool use (BlockToolUse).
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// Tool result (BlockToolResult).
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message is one entry of a brain's chat history. Content carries plain
// text; Blocks carries structured tool traffic. A message uses one or the
// other, never both.
type Message struct {
	Role    Role           `json:"role"`
	Content string         `json:"content,omitempty"`
	Blocks  []ContentBlock `json:"blocks,omitempty"`
	At      time.Time      `json:"at,omitempty"`
}

// NewTextMessage builds a plain-text history message.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Content: text, At: time.Now().UTC()}
}

// NewBlockMessage builds a structured history message.
func NewBlockMessage(role Role, blocks ...ContentBlock) Message {
	return Message{Role: role, Blocks: blocks, At: time.Now().UTC()}
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result content block answering the given
// tool_use ID.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// PlainText flattens the message to its textual content: Content when set,
// otherwise the concatenated text blocks.
func (m Message) PlainText() string {
	if m.Content != "" {
		return m.Content
	}
	var out string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// HasToolUse reports whether the message carries at least one tool_use block.
func (m Message) HasToolUse() bool {
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse {
			return true
		}
	}
	return false
}
