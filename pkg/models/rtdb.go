package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType classifies records on RTDB message channels. Worker jobs and
// the brain service publish the same record shape with different types.
type MessageType string

const (
	TypeMessage             MessageType = "MESSAGE"
	TypeCard                MessageType = "CARD"
	TypeTool                MessageType = "TOOL"
	TypeFollowMessage       MessageType = "FOLLOW_MESSAGE"
	TypeCloseIntermediation MessageType = "CLOSE_INTERMEDIATION"
	TypeCardClicked         MessageType = "CARD_CLICKED_PINNOKIO"
	TypeMessagePinnokio     MessageType = "MESSAGE_PINNOKIO"
	TypeWaitingMessage      MessageType = "WAITING_MESSAGE"
	TypeWorkflow            MessageType = "WORKFLOW"
	TypeCommand             MessageType = "CMMD"
)

// SenderPinnokio identifies records authored by the brain service itself,
// as opposed to the user or a worker job.
const SenderPinnokio = "pinnokio"

// RTDBMessage is a record on a thread or job-chat channel. Content is
// either a plain string or a decoded JSON object.
type RTDBMessage struct {
	ID             string         `json:"id"`
	MessageType    MessageType    `json:"message_type"`
	Content        any            `json:"content"`
	Timestamp      string         `json:"timestamp"`
	SenderID       string         `json:"sender_id"`
	Read           bool           `json:"read"`
	LocalProcessed bool           `json:"local_processed"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// DecodeRTDBMessage converts a raw RTDB value (a decoded JSON object) into
// an RTDBMessage. Unknown fields are ignored; numeric timestamps are kept
// as their decimal string form.
func DecodeRTDBMessage(key string, raw any) (RTDBMessage, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return RTDBMessage{}, fmt.Errorf("message %s: expected object, got %T", key, raw)
	}
	msg := RTDBMessage{ID: key}
	if id, ok := obj["id"].(string); ok && id != "" {
		msg.ID = id
	}
	if mt, ok := obj["message_type"].(string); ok {
		msg.MessageType = MessageType(mt)
	}
	msg.Content = obj["content"]
	switch ts := obj["timestamp"].(type) {
	case string:
		msg.Timestamp = ts
	case float64:
		msg.Timestamp = fmt.Sprintf("%.0f", ts)
	case json.Number:
		msg.Timestamp = ts.String()
	}
	if s, ok := obj["sender_id"].(string); ok {
		msg.SenderID = s
	}
	if r, ok := obj["read"].(bool); ok {
		msg.Read = r
	}
	if lp, ok := obj["local_processed"].(bool); ok {
		msg.LocalProcessed = lp
	}
	if md, ok := obj["metadata"].(map[string]any); ok {
		msg.Metadata = md
	}
	return msg, nil
}

// Text extracts the human-readable text of the record's content. A JSON
// string (or object) carrying {message:{argumentText}} yields the inner
// text; anything else yields the raw string form.
func (m RTDBMessage) Text() string {
	return ExtractArgumentText(m.Content)
}

// ExtractArgumentText applies the content extraction rule: if the value is
// (or parses as) a JSON object with message.argumentText, return that;
// otherwise return the raw string rendering.
func ExtractArgumentText(content any) string {
	switch c := content.(type) {
	case nil:
		return ""
	case string:
		var obj map[string]any
		if err := json.Unmarshal([]byte(c), &obj); err == nil {
			if inner := argumentTextOf(obj); inner != "" {
				return inner
			}
		}
		return c
	case map[string]any:
		if inner := argumentTextOf(c); inner != "" {
			return inner
		}
		b, err := json.Marshal(c)
		if err != nil {
			return fmt.Sprintf("%v", c)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", c)
	}
}

func argumentTextOf(obj map[string]any) string {
	msg, ok := obj["message"].(map[string]any)
	if !ok {
		return ""
	}
	text, _ := msg["argumentText"].(string)
	return text
}

// WrapArgumentText encodes text as the JSON string stored in assistant
// message records: {"message":{"argumentText":<text>}}.
func WrapArgumentText(text string) string {
	b, err := json.Marshal(map[string]any{
		"message": map[string]any{"argumentText": text},
	})
	if err != nil {
		return text
	}
	return string(b)
}

// AssistantRecord builds the RTDB record for an assistant message.
func AssistantRecord(id, text, senderID string, metadata map[string]any) map[string]any {
	rec := map[string]any{
		"id":              id,
		"content":         WrapArgumentText(text),
		"sender_id":       senderID,
		"timestamp":       NowTimestamp(),
		"message_type":    string(TypeMessage),
		"read":            false,
		"local_processed": false,
	}
	if metadata != nil {
		rec["metadata"] = metadata
	}
	return rec
}

// NowTimestamp returns the canonical record timestamp (RFC 3339, UTC).
func NowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
