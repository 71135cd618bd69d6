package agent

import (
	"strings"
	"testing"

	"github.com/pinnokio/brain/pkg/models"
)

func testBrain() *Brain {
	return NewBrain(BrainConfig{
		UserID:     "u1",
		TenantID:   "t1",
		ThreadKey:  "general_chat",
		Mode:       models.ModeGeneral,
		BasePrompt: "base prompt",
		Model:      "test-model",
	})
}

func TestBrainSystemPromptComposition(t *testing.T) {
	b := testBrain()

	if got := b.SystemPrompt(); got != "base prompt" {
		t.Fatalf("SystemPrompt = %q", got)
	}

	b.SetSummary("earlier we discussed invoices")
	prompt := b.SystemPrompt()
	if !strings.Contains(prompt, "## Conversation summary") ||
		!strings.Contains(prompt, "earlier we discussed invoices") {
		t.Errorf("summary section missing: %q", prompt)
	}

	b.AppendSystemLog("job-1", "2026-01-02T10:00:00Z", "step 1 done")
	b.AppendSystemLog("job-1", "2026-01-02T10:05:00Z", "step 2 done")
	b.AppendSystemLog("job-2", "", "second job started")
	prompt = b.SystemPrompt()
	if !strings.Contains(prompt, "## Background activity (job-1)") {
		t.Errorf("job-1 section missing: %q", prompt)
	}
	if !strings.Contains(prompt, "2026-01-02T10:00:00Z | step 1 done\n2026-01-02T10:05:00Z | step 2 done") {
		t.Errorf("log lines not ordered or formatted: %q", prompt)
	}
	if strings.Index(prompt, "job-1") > strings.Index(prompt, "job-2") {
		t.Error("sections must keep first-seen order")
	}

	// Entries without a timestamp carry the payload alone.
	if !strings.Contains(prompt, "\nsecond job started") {
		t.Errorf("plain payload missing: %q", prompt)
	}
}

func TestBrainPromptOverride(t *testing.T) {
	b := testBrain()
	b.SetPromptOverride("override prompt")
	if got := b.SystemPrompt(); !strings.HasPrefix(got, "override prompt") {
		t.Errorf("override not applied: %q", got)
	}
	b.SetPromptOverride("")
	if got := b.SystemPrompt(); !strings.HasPrefix(got, "base prompt") {
		t.Errorf("override not cleared: %q", got)
	}
}

func TestBrainSystemLogTrimming(t *testing.T) {
	b := testBrain()
	line := strings.Repeat("x", 500)
	for i := 0; i < 30; i++ {
		b.AppendSystemLog("job-1", "", line)
	}
	prompt := b.SystemPrompt()
	start := strings.Index(prompt, "## Background activity (job-1)\n")
	if start < 0 {
		t.Fatal("section missing")
	}
	section := prompt[start+len("## Background activity (job-1)\n"):]
	if len(section) > maxSystemLogSection {
		t.Errorf("section length %d exceeds bound %d", len(section), maxSystemLogSection)
	}
	// Trimming drops whole lines from the front, so the section must not
	// start mid-line.
	if strings.HasPrefix(section, "x") && len(strings.SplitN(section, "\n", 2)[0]) != 500 {
		t.Errorf("section starts with a partial line: %q", section[:40])
	}
}

func TestBrainSetSystemLogReplaces(t *testing.T) {
	b := testBrain()
	b.AppendSystemLog("job-1", "", "old line")
	b.SetSystemLog("job-1", "replayed buffer")
	prompt := b.SystemPrompt()
	if strings.Contains(prompt, "old line") {
		t.Errorf("old content survived replacement: %q", prompt)
	}
	if !strings.Contains(prompt, "replayed buffer") {
		t.Errorf("replacement missing: %q", prompt)
	}
}

func TestBrainAppendAssistantTurnBadJSON(t *testing.T) {
	b := testBrain()
	b.AppendAssistantTurn("thinking", []ToolCall{
		{ID: "tc1", Name: "BROKEN", Input: []byte(`{not json`)},
	})
	history := b.History()
	if len(history) != 1 {
		t.Fatalf("history = %+v", history)
	}
	var toolUse *models.ContentBlock
	for i := range history[0].Blocks {
		if history[0].Blocks[i].Type == models.BlockToolUse {
			toolUse = &history[0].Blocks[i]
		}
	}
	if toolUse == nil {
		t.Fatal("tool_use block missing")
	}
	if toolUse.Input["_raw"] != `{not json` {
		t.Errorf("raw input not preserved: %+v", toolUse.Input)
	}
}

func TestBrainTaskSection(t *testing.T) {
	b := testBrain()
	b.BindTask(&models.TaskData{
		TaskID:        "task-1",
		Mission:       models.Mission{Title: "Reconcile March", Description: "match bank lines"},
		ExecutionPlan: "1. pull statements\n2. match",
	})
	prompt := b.SystemPrompt()
	for _, want := range []string{"## Active task execution", "Reconcile March", "match bank lines", "CREATE_CHECKLIST", "TERMINATE_TASK"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("task section missing %q: %q", want, prompt)
		}
	}
}

func TestBrainWaitingEventStash(t *testing.T) {
	b := testBrain()
	if got := b.TakeWaitingEvent(); got != "" {
		t.Errorf("empty stash returned %q", got)
	}
	b.StashWaitingEvent("first")
	b.StashWaitingEvent("second")
	if got := b.TakeWaitingEvent(); got != "second" {
		t.Errorf("stash keeps latest, got %q", got)
	}
	if got := b.TakeWaitingEvent(); got != "" {
		t.Errorf("take must clear, got %q", got)
	}
}

func TestBrainContextStaleFlag(t *testing.T) {
	b := testBrain()
	if b.ConsumeContextStale() {
		t.Error("fresh brain must not be stale")
	}
	b.MarkContextStale()
	if !b.ConsumeContextStale() {
		t.Error("stale flag lost")
	}
	if b.ConsumeContextStale() {
		t.Error("consume must clear the flag")
	}
}

func TestBrainCompletionRequestSnapshot(t *testing.T) {
	b := testBrain()
	b.AppendUser("question")
	req := b.CompletionRequest(512)
	if req.Model != "test-model" || req.MaxTokens != 512 {
		t.Errorf("req = %+v", req)
	}
	if req.System != "base prompt" {
		t.Errorf("System = %q", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].PlainText() != "question" {
		t.Errorf("Messages = %+v", req.Messages)
	}

	// The snapshot must not alias live history.
	b.AppendAssistantText("answer")
	if len(req.Messages) != 1 {
		t.Error("request history aliased the brain's slice")
	}
}
