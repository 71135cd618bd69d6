package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pinnokio/brain/internal/agent"
	"github.com/pinnokio/brain/pkg/models"
)

// GroqBaseURL is the OpenAI-compatible endpoint Groq exposes.
const GroqBaseURL = "https://api.groq.com/openai/v1"

// OpenAIProvider drives any OpenAI-compatible chat completions API. With a
// Groq base URL it serves as the Groq provider unchanged.
type OpenAIProvider struct {
	client       *openai.Client
	name         string
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	// Name is the provider identifier used in logs and routing,
	// "openai" by default.
	Name string

	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewOpenAIProvider validates the config and builds the SDK client.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openai.GPT4o
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		name:         cfg.Name,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *OpenAIProvider) Name() string { return p.name }

// Complete starts a streaming completion. Creation errors are returned
// inline; stream errors arrive as chunks.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chunks := make(chan *agent.CompletionChunk)

	go func() {
		defer close(chunks)

		request := p.buildRequest(req)

		var stream *openai.ChatCompletionStream
		var err error
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream, err = p.client.CreateChatCompletionStream(ctx, request)
			if err == nil {
				break
			}
			wrapped := p.wrapError(err, request.Model)
			if !IsRetryable(wrapped) {
				chunks <- &agent.CompletionChunk{Done: true, Err: wrapped}
				return
			}
			if attempt < p.maxRetries {
				select {
				case <-ctx.Done():
					chunks <- &agent.CompletionChunk{Done: true, Err: ctx.Err()}
					return
				case <-time.After(p.retryDelay * time.Duration(attempt+1)):
				}
			}
		}
		if err != nil {
			chunks <- &agent.CompletionChunk{Done: true, Err: fmt.Errorf("%s: max retries exceeded: %w", p.name, p.wrapError(err, request.Model))}
			return
		}
		defer stream.Close()

		p.processStream(stream, chunks, request.Model)
	}()

	return chunks, nil
}

func (p *OpenAIProvider) buildRequest(req *agent.CompletionRequest) openai.ChatCompletionRequest {
	request := openai.ChatCompletionRequest{
		Model:         p.model(req.Model),
		Messages:      convertOpenAIMessages(req.System, req.Messages),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		request.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		request.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		request.Tools = convertOpenAITools(req.Tools)
	}
	if req.ForceTool != "" {
		request.ToolChoice = openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: req.ForceTool},
		}
	}
	return request
}

// pendingToolCall accumulates a streamed tool call; the API fragments
// arguments across deltas keyed by index.
type pendingToolCall struct {
	id      string
	name    string
	args    strings.Builder
	started bool
}

func (p *OpenAIProvider) processStream(stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk, model string) {
	pending := map[int]*pendingToolCall{}
	flushed := false
	var inputTokens, outputTokens int
	var stopReason string

	flush := func() {
		if flushed || len(pending) == 0 {
			return
		}
		indexes := make([]int, 0, len(pending))
		for idx := range pending {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			tc := pending[idx]
			args := tc.args.String()
			if args == "" {
				args = "{}"
			}
			chunks <- &agent.CompletionChunk{
				ToolCall: &agent.ToolCall{ID: tc.id, Name: tc.name, Input: json.RawMessage(args)},
			}
		}
		flushed = true
	}

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			flush()
			chunks <- &agent.CompletionChunk{
				Done:         true,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
				StopReason:   stopReason,
			}
			return
		}
		if err != nil {
			chunks <- &agent.CompletionChunk{Done: true, Err: p.wrapError(err, model)}
			return
		}

		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- &agent.CompletionChunk{Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			entry, ok := pending[idx]
			if !ok {
				entry = &pendingToolCall{}
				pending[idx] = entry
			}
			if tc.ID != "" {
				entry.id = tc.ID
			}
			if tc.Function.Name != "" {
				entry.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				entry.args.WriteString(tc.Function.Arguments)
			}
			if !entry.started && entry.name != "" {
				entry.started = true
				chunks <- &agent.CompletionChunk{
					ToolUseStart: &agent.ToolUseStart{ID: entry.id, Name: entry.name},
				}
			}
		}

		if choice.FinishReason != "" {
			stopReason = string(choice.FinishReason)
			if choice.FinishReason == openai.FinishReasonToolCalls {
				flush()
			}
		}
	}
}

// convertOpenAIMessages maps block-based history onto the chat completions
// shape: the system prompt leads, tool calls ride on assistant messages,
// and every tool result becomes its own tool-role message.
func convertOpenAIMessages(system string, messages []models.Message) []openai.ChatCompletionMessage {
	var result []openai.ChatCompletionMessage
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.PlainText(),
			})

		case models.RoleAssistant:
			out := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			var text strings.Builder
			for _, block := range msg.Blocks {
				switch block.Type {
				case models.BlockText:
					text.WriteString(block.Text)
				case models.BlockToolUse:
					args := "{}"
					if block.Input != nil {
						if data, err := json.Marshal(block.Input); err == nil {
							args = string(data)
						}
					}
					out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
						ID:   block.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      block.Name,
							Arguments: args,
						},
					})
				}
			}
			if len(msg.Blocks) == 0 {
				text.WriteString(msg.Content)
			}
			out.Content = text.String()
			if out.Content != "" || len(out.ToolCalls) > 0 {
				result = append(result, out)
			}

		default:
			// Tool results must come back as tool-role messages; any plain
			// text in the same turn becomes a user message.
			var text strings.Builder
			if len(msg.Blocks) == 0 {
				text.WriteString(msg.Content)
			}
			for _, block := range msg.Blocks {
				switch block.Type {
				case models.BlockText:
					text.WriteString(block.Text)
				case models.BlockToolResult:
					result = append(result, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						Content:    block.Content,
						ToolCallID: block.ToolUseID,
					})
				}
			}
			if text.Len() > 0 {
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: text.String(),
				})
			}
		}
	}

	return result
}

func convertOpenAITools(tools []agent.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		schema := tool.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		})
	}
	return result
}

func (p *OpenAIProvider) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var existing *ProviderError
	if errors.As(err, &existing) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		perr := (&ProviderError{Provider: p.name, Model: model, Cause: err, Reason: FailUnknown}).
			WithStatus(apiErr.HTTPStatusCode).
			WithMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			perr = perr.WithCode(code)
		}
		return perr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return (&ProviderError{Provider: p.name, Model: model, Cause: err, Reason: FailUnknown}).
			WithStatus(reqErr.HTTPStatusCode).
			WithMessage(reqErr.Error())
	}

	return NewProviderError(p.name, model, err)
}
