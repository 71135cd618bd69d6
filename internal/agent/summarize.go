package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/pinnokio/brain/pkg/models"
)

// summarizePrompt instructs the compaction call. The reply becomes a
// system-prompt section, so it asks for a compact third-person digest.
const summarizePrompt = `Summarize the conversation so far for your own future reference. ` +
	`Capture: the user's goals and constraints, decisions made, tool actions taken with their outcomes, ` +
	`open items, and any figures or identifiers that must survive. ` +
	`Be terse and factual; no preamble.`

// Summarizer compacts a brain's context once the token budget is hit. The
// summary replaces the history inside the system prompt; the user-visible
// stream is never interrupted.
type Summarizer struct {
	provider  LLMProvider
	maxTokens int
}

// NewSummarizer builds a summarizer bounded to maxTokens per summary.
func NewSummarizer(provider LLMProvider, maxTokens int) *Summarizer {
	if maxTokens <= 0 {
		maxTokens = 500
	}
	return &Summarizer{provider: provider, maxTokens: maxTokens}
}

// Compact produces a summary of the brain's history with a non-streaming,
// tool-free model call, installs it in the system prompt, and replaces the
// history with the trailing turn the loop still needs. On error the brain
// is left untouched.
func (s *Summarizer) Compact(ctx context.Context, brain *Brain) error {
	history := brain.History()
	tail := trailingTurn(history)
	head := history[:len(history)-len(tail)]
	if len(head) == 0 {
		return nil
	}

	// A prior summary still covers the turns before the last compaction;
	// feed it back in so nothing falls off the edge.
	messages := make([]models.Message, 0, len(head)+2)
	if prior := brain.Summary(); prior != "" {
		messages = append(messages, models.NewTextMessage(models.RoleUser,
			"Summary of the conversation before this point:\n"+prior))
	}
	messages = append(messages, head...)
	messages = append(messages, models.NewTextMessage(models.RoleUser, summarizePrompt))

	req := &CompletionRequest{
		Model:     brain.Model(),
		System:    "You compress conversations into operator notes.",
		Messages:  messages,
		MaxTokens: s.maxTokens,
	}
	summary, err := collectText(ctx, s.provider, req)
	if err != nil {
		return fmt.Errorf("summarize thread %s: %w", brain.ThreadKey, err)
	}
	if strings.TrimSpace(summary) == "" {
		return fmt.Errorf("summarize thread %s: empty summary", brain.ThreadKey)
	}

	brain.SetSummary(strings.TrimSpace(summary))
	brain.LoadHistory(tail)
	return nil
}

// trailingTurn returns the shortest valid suffix that must survive
// compaction: the user message awaiting a reply, together with the
// assistant tool_use turn its tool_results answer.
func trailingTurn(history []models.Message) []models.Message {
	n := len(history)
	if n == 0 {
		return nil
	}
	last := history[n-1]
	if last.Role != models.RoleUser {
		return nil
	}
	for _, b := range last.Blocks {
		if b.Type == models.BlockToolResult {
			if n >= 2 && history[n-2].Role == models.RoleAssistant && history[n-2].HasToolUse() {
				return history[n-2:]
			}
			break
		}
	}
	return history[n-1:]
}

// collectText runs a completion and concatenates its text chunks.
func collectText(ctx context.Context, provider LLMProvider, req *CompletionRequest) (string, error) {
	chunks, err := provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		sb.WriteString(chunk.Text)
	}
	return sb.String(), nil
}
