package agent

import (
	"testing"

	"github.com/pinnokio/brain/pkg/models"
)

func TestTokenCounterCount(t *testing.T) {
	c := NewTokenCounter()
	if got := c.Count("any-model", ""); got != 0 {
		t.Errorf("empty text = %d tokens", got)
	}
	short := c.Count("any-model", "hello")
	long := c.Count("any-model", "hello hello hello hello hello hello hello hello")
	if short <= 0 || long <= short {
		t.Errorf("counts not monotonic: short=%d long=%d", short, long)
	}
}

func TestTokenCounterMessages(t *testing.T) {
	c := NewTokenCounter()
	msgs := []models.Message{
		models.NewTextMessage(models.RoleUser, "what is the balance"),
		models.NewBlockMessage(models.RoleAssistant,
			models.TextBlock("checking"),
			models.ToolUseBlock("tc1", "GET_BALANCE", map[string]any{"account": "main"}),
		),
		models.NewBlockMessage(models.RoleUser,
			models.ToolResultBlock("tc1", `{"balance": 120.50}`, false),
		),
	}
	total := c.CountMessages("any-model", msgs)
	if total <= 3*perMessageOverhead {
		t.Errorf("total = %d, want content counted beyond overhead", total)
	}

	// Tool traffic must contribute: dropping the input shrinks the count.
	slim := []models.Message{
		msgs[0],
		models.NewBlockMessage(models.RoleAssistant, models.TextBlock("checking")),
		msgs[2],
	}
	if c.CountMessages("any-model", slim) >= total {
		t.Error("tool_use input not contributing to the count")
	}
}

func TestTokenCounterEncodingCache(t *testing.T) {
	c := NewTokenCounter()
	first := c.Count("gpt-4o", "cache me")
	second := c.Count("gpt-4o", "cache me")
	if first != second {
		t.Errorf("counts diverged across cache hit: %d vs %d", first, second)
	}
}
