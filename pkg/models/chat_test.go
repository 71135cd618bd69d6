package models

import (
	"testing"
)

func TestChatMode_OnboardingLike(t *testing.T) {
	tests := []struct {
		mode ChatMode
		want bool
	}{
		{ModeGeneral, false},
		{ModeOnboarding, true},
		{ModeAPBookkeeper, true},
		{ModeRouter, true},
		{ModeBanker, true},
		{ModeTask, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			if got := tt.mode.OnboardingLike(); got != tt.want {
				t.Errorf("OnboardingLike() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChatMode_Container(t *testing.T) {
	tests := []struct {
		mode ChatMode
		want string
	}{
		{ModeGeneral, "chats"},
		{ModeOnboarding, "chats"},
		{ModeAPBookkeeper, "active_chats"},
		{ModeRouter, "active_chats"},
		{ModeBanker, "active_chats"},
		{ModeTask, "chats"},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			if got := tt.mode.Container(); got != tt.want {
				t.Errorf("Container() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessage_PlainText(t *testing.T) {
	plain := NewTextMessage(RoleUser, "hello")
	if got := plain.PlainText(); got != "hello" {
		t.Errorf("PlainText() = %q, want %q", got, "hello")
	}

	blocks := NewBlockMessage(RoleAssistant,
		TextBlock("part one "),
		ToolUseBlock("tu1", "GET_JOBS", nil),
		TextBlock("part two"),
	)
	if got := blocks.PlainText(); got != "part one part two" {
		t.Errorf("PlainText() = %q, want %q", got, "part one part two")
	}
	if !blocks.HasToolUse() {
		t.Error("HasToolUse() = false, want true")
	}
	if plain.HasToolUse() {
		t.Error("HasToolUse() = true, want false")
	}
}
