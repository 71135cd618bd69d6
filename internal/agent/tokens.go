package agent

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/pinnokio/brain/pkg/models"
)

// perMessageOverhead approximates the per-message framing tokens the chat
// format adds around content.
const perMessageOverhead = 4

// TokenCounter counts tokens with tiktoken, falling back to a bytes/4
// estimate when the encoding for a model is unavailable (offline runs,
// unknown model names).
type TokenCounter struct {
	mu        sync.RWMutex
	encodings map[string]*tiktoken.Tiktoken
}

// NewTokenCounter creates a counter with an empty encoding cache.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{encodings: map[string]*tiktoken.Tiktoken{}}
}

func (c *TokenCounter) encodingFor(model string) *tiktoken.Tiktoken {
	c.mu.RLock()
	enc, ok := c.encodings[model]
	c.mu.RUnlock()
	if ok {
		return enc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodings[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	c.encodings[model] = enc
	return enc
}

// Count returns the token count of text for a model.
func (c *TokenCounter) Count(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := c.encodingFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len(text)/4 + 1
}

// CountMessages totals a history, including per-message overhead and the
// textual rendering of tool traffic.
func (c *TokenCounter) CountMessages(model string, msgs []models.Message) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead
		total += c.Count(model, m.Content)
		for _, b := range m.Blocks {
			switch b.Type {
			case models.BlockText:
				total += c.Count(model, b.Text)
			case models.BlockToolUse:
				total += c.Count(model, b.Name)
				if len(b.Input) > 0 {
					total += c.countAny(model, b.Input)
				}
			case models.BlockToolResult:
				total += c.Count(model, b.Content)
			}
		}
	}
	return total
}

func (c *TokenCounter) countAny(model string, input map[string]any) int {
	total := 0
	for k, v := range input {
		total += c.Count(model, k)
		if s, ok := v.(string); ok {
			total += c.Count(model, s)
		} else {
			total += 4
		}
	}
	return total
}
