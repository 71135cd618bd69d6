package providers

import (
	"fmt"
	"time"

	"github.com/pinnokio/brain/internal/agent"
)

// Options selects and configures one provider instance.
type Options struct {
	// Type is anthropic, openai, or groq.
	Type       string
	APIKey     string
	BaseURL    string
	Model      string
	MaxRetries int
	RetryDelay time.Duration
}

// New builds the provider named by opts.Type. Groq shares the OpenAI
// driver with its own default base URL.
func New(opts Options) (agent.LLMProvider, error) {
	switch opts.Type {
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:       opts.APIKey,
			BaseURL:      opts.BaseURL,
			MaxRetries:   opts.MaxRetries,
			RetryDelay:   opts.RetryDelay,
			DefaultModel: opts.Model,
		})
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			Name:         "openai",
			APIKey:       opts.APIKey,
			BaseURL:      opts.BaseURL,
			MaxRetries:   opts.MaxRetries,
			RetryDelay:   opts.RetryDelay,
			DefaultModel: opts.Model,
		})
	case "groq":
		baseURL := opts.BaseURL
		if baseURL == "" {
			baseURL = GroqBaseURL
		}
		return NewOpenAIProvider(OpenAIConfig{
			Name:         "groq",
			APIKey:       opts.APIKey,
			BaseURL:      baseURL,
			MaxRetries:   opts.MaxRetries,
			RetryDelay:   opts.RetryDelay,
			DefaultModel: opts.Model,
		})
	default:
		return nil, fmt.Errorf("unknown provider type %q", opts.Type)
	}
}
