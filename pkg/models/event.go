package models

import (
	"fmt"
	"strings"
)

// EventType identifies a server→client WebSocket event. Canonical names
// only; legacy names are normalized by the gateway on broadcast.
type EventType string

const (
	// Model streaming lifecycle.
	EventStreamStart EventType = "llm.stream_start"
	EventStreamDelta EventType = "llm.stream_delta"
	EventStreamEnd   EventType = "llm.stream_end"
	EventLLMError    EventType = "llm.error"

	// Tool execution lifecycle.
	EventToolUseStart    EventType = "llm.tool_use_start"
	EventToolUseProgress EventType = "llm.tool_use_progress"
	EventToolUseComplete EventType = "llm.tool_use_complete"
	EventToolUseError    EventType = "llm.tool_use_error"

	// Assistant message bookkeeping.
	EventPlaceholder       EventType = "assistant_message_placeholder"
	EventMessageDirect     EventType = "llm_message_direct"
	EventStreamInterrupted EventType = "llm_stream_interrupted"

	// Worker channel passthrough.
	EventCard                EventType = "CARD"
	EventTool                EventType = "TOOL"
	EventFollowMessage       EventType = "FOLLOW_MESSAGE"
	EventCloseIntermediation EventType = "CLOSE_INTERMEDIATION"
	EventCardClicked         EventType = "CARD_CLICKED_PINNOKIO"
	EventWaitingMessage      EventType = "WAITING_MESSAGE"
	EventWorkflow            EventType = "WORKFLOW"
	EventWorkflowChecklist   EventType = "WORKFLOW_CHECKLIST"
	EventWorkflowStepUpdate  EventType = "WORKFLOW_STEP_UPDATE"
	EventCommand             EventType = "CMMD"

	// Intermediation control.
	EventSystemIntermediation EventType = "SYSTEM_MESSAGE_INTERMEDIATION"
	EventIntermediationState  EventType = "RPC_INTERMEDIATION_STATE"
)

// Event is the wire shape of every server→client WebSocket message.
type Event struct {
	Type    EventType      `json:"type"`
	Channel string         `json:"channel,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// NewEvent builds an event for a channel.
func NewEvent(t EventType, channel string, payload map[string]any) Event {
	return Event{Type: t, Channel: channel, Payload: payload}
}

// ChatChannel builds the per-thread channel name.
func ChatChannel(userID, tenantID, threadKey string) string {
	return fmt.Sprintf("chat:%s:%s:%s", userID, tenantID, threadKey)
}

// IsChatChannel reports whether the channel names a chat thread, meaning
// its events are buffered for disconnected users.
func IsChatChannel(channel string) bool {
	return strings.HasPrefix(channel, "chat:")
}

// ParseChatChannel splits a chat channel into its parts. ok is false when
// the channel is not of the chat:<user>:<tenant>:<thread> form.
func ParseChatChannel(channel string) (userID, tenantID, threadKey string, ok bool) {
	parts := strings.SplitN(channel, ":", 4)
	if len(parts) != 4 || parts[0] != "chat" {
		return "", "", "", false
	}
	return parts[1], parts[2], parts[3], true
}
