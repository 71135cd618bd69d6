package models

import (
	"encoding/json"
	"testing"
)

func TestExtractArgumentText(t *testing.T) {
	tests := []struct {
		name    string
		content any
		want    string
	}{
		{
			name:    "json string with argumentText",
			content: `{"message":{"argumentText":"inner text"}}`,
			want:    "inner text",
		},
		{
			name:    "plain string",
			content: "just a message",
			want:    "just a message",
		},
		{
			name:    "json string without argumentText",
			content: `{"other":"field"}`,
			want:    `{"other":"field"}`,
		},
		{
			name: "decoded object with argumentText",
			content: map[string]any{
				"message": map[string]any{"argumentText": "from object"},
			},
			want: "from object",
		},
		{
			name:    "nil content",
			content: nil,
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractArgumentText(tt.content); got != tt.want {
				t.Errorf("ExtractArgumentText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWrapArgumentText_RoundTrip(t *testing.T) {
	wrapped := WrapArgumentText("final reply")
	var obj map[string]any
	if err := json.Unmarshal([]byte(wrapped), &obj); err != nil {
		t.Fatalf("wrapped content is not valid JSON: %v", err)
	}
	if got := ExtractArgumentText(wrapped); got != "final reply" {
		t.Errorf("round trip = %q, want %q", got, "final reply")
	}
}

func TestDecodeRTDBMessage(t *testing.T) {
	raw := map[string]any{
		"id":           "m1",
		"message_type": "CARD",
		"content":      "card body",
		"timestamp":    "2025-03-01T10:00:00Z",
		"sender_id":    "worker-1",
		"read":         true,
	}
	msg, err := DecodeRTDBMessage("push-key", raw)
	if err != nil {
		t.Fatalf("DecodeRTDBMessage() error = %v", err)
	}
	if msg.ID != "m1" {
		t.Errorf("ID = %q, want %q (record id wins over push key)", msg.ID, "m1")
	}
	if msg.MessageType != TypeCard {
		t.Errorf("MessageType = %q, want %q", msg.MessageType, TypeCard)
	}
	if !msg.Read {
		t.Error("Read = false, want true")
	}

	// Push key fills in when the record has no id.
	msg2, err := DecodeRTDBMessage("push-key", map[string]any{"message_type": "MESSAGE"})
	if err != nil {
		t.Fatalf("DecodeRTDBMessage() error = %v", err)
	}
	if msg2.ID != "push-key" {
		t.Errorf("ID = %q, want %q", msg2.ID, "push-key")
	}

	// Numeric timestamps keep a sortable decimal form.
	msg3, err := DecodeRTDBMessage("k", map[string]any{"timestamp": float64(1740800000000)})
	if err != nil {
		t.Fatalf("DecodeRTDBMessage() error = %v", err)
	}
	if msg3.Timestamp != "1740800000000" {
		t.Errorf("Timestamp = %q, want %q", msg3.Timestamp, "1740800000000")
	}

	if _, err := DecodeRTDBMessage("k", "not an object"); err == nil {
		t.Error("DecodeRTDBMessage() on non-object: expected error")
	}
}

func TestParseChatChannel(t *testing.T) {
	user, tenant, thread, ok := ParseChatChannel("chat:u1:ten1:t1")
	if !ok {
		t.Fatal("ParseChatChannel() ok = false, want true")
	}
	if user != "u1" || tenant != "ten1" || thread != "t1" {
		t.Errorf("parts = %q %q %q", user, tenant, thread)
	}

	if _, _, _, ok := ParseChatChannel("notify:u1"); ok {
		t.Error("ParseChatChannel() on non-chat channel: ok = true, want false")
	}
	if _, _, _, ok := ParseChatChannel("chat:u1:t1"); ok {
		t.Error("ParseChatChannel() with missing part: ok = true, want false")
	}
}
