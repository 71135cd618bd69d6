package providers

import (
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		wantName string
		wantErr  bool
	}{
		{
			name:     "anthropic",
			opts:     Options{Type: "anthropic", APIKey: "test-key", Model: "claude-sonnet-4-20250514"},
			wantName: "anthropic",
		},
		{
			name:     "openai",
			opts:     Options{Type: "openai", APIKey: "sk-test", Model: "gpt-4o"},
			wantName: "openai",
		},
		{
			name:     "groq uses the openai driver",
			opts:     Options{Type: "groq", APIKey: "gsk-test", Model: "llama-3.3-70b-versatile"},
			wantName: "groq",
		},
		{
			name:    "unknown type",
			opts:    Options{Type: "cohere", APIKey: "k"},
			wantErr: true,
		},
		{
			name:    "missing key",
			opts:    Options{Type: "anthropic"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := New(tt.opts)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if provider.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", provider.Name(), tt.wantName)
			}
		})
	}
}

func TestNewPassesRetrySettings(t *testing.T) {
	provider, err := New(Options{
		Type:       "openai",
		APIKey:     "sk-test",
		Model:      "gpt-4o",
		MaxRetries: 7,
		RetryDelay: 250 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	oai, ok := provider.(*OpenAIProvider)
	if !ok {
		t.Fatalf("expected *OpenAIProvider, got %T", provider)
	}
	if oai.maxRetries != 7 {
		t.Errorf("maxRetries = %d, want 7", oai.maxRetries)
	}
	if oai.retryDelay != 250*time.Millisecond {
		t.Errorf("retryDelay = %v", oai.retryDelay)
	}
}
