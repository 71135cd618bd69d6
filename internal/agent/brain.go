package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pinnokio/brain/pkg/models"
)

// maxSystemLogSection bounds one job's system-log section so a chatty
// worker cannot crowd out the prompt.
const maxSystemLogSection = 6000

// Brain holds one thread's conversational context: history, system prompt,
// tool set, side-channel logs from worker jobs, and any in-flight approval
// proposal or task binding. A brain is owned by exactly one session and is
// driven by at most one workflow at a time; the listener engine appends
// system logs concurrently, so all state is guarded.
type Brain struct {
	mu sync.Mutex

	UserID    string
	TenantID  string
	ThreadKey string

	mode       models.ChatMode
	history    []models.Message
	basePrompt string
	override   string
	summary    string

	logOrder []string
	logs     map[string]string

	pendingWaiting string
	proposal       *models.ApprovalProposal
	task           *models.TaskData

	registry     *Registry
	counter      *TokenCounter
	model        string
	contextStale bool
}

// BrainConfig carries what a new brain needs from its session.
type BrainConfig struct {
	UserID     string
	TenantID   string
	ThreadKey  string
	Mode       models.ChatMode
	BasePrompt string
	Registry   *Registry
	Counter    *TokenCounter
	Model      string
}

// NewBrain creates a brain with an empty history.
func NewBrain(cfg BrainConfig) *Brain {
	counter := cfg.Counter
	if counter == nil {
		counter = NewTokenCounter()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	return &Brain{
		UserID:     cfg.UserID,
		TenantID:   cfg.TenantID,
		ThreadKey:  cfg.ThreadKey,
		mode:       cfg.Mode,
		basePrompt: cfg.BasePrompt,
		registry:   registry,
		counter:    counter,
		model:      cfg.Model,
		logs:       map[string]string{},
	}
}

// Registry returns the brain's tool set.
func (b *Brain) Registry() *Registry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registry
}

// Model returns the model name the brain converses with.
func (b *Brain) Model() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.model
}

// Mode returns the brain's current chat mode.
func (b *Brain) Mode() models.ChatMode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// SetMode swaps the chat mode, base prompt, and tool set together; called
// when a session refresh propagates a new mode to live brains.
func (b *Brain) SetMode(mode models.ChatMode, basePrompt string, registry *Registry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mode = mode
	b.basePrompt = basePrompt
	if registry != nil {
		b.registry = registry
	}
}

// SetPromptOverride replaces the base prompt for the next calls only.
func (b *Brain) SetPromptOverride(prompt string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.override = prompt
}

// SetBasePrompt replaces the standing base prompt.
func (b *Brain) SetBasePrompt(prompt string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.basePrompt = prompt
}

// AppendUser adds a plain user message.
func (b *Brain) AppendUser(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, models.NewTextMessage(models.RoleUser, text))
}

// AppendAssistantText adds a text-only assistant message.
func (b *Brain) AppendAssistantText(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, models.NewTextMessage(models.RoleAssistant, text))
}

// AppendAssistantTurn adds an assistant message carrying the turn's text
// and its tool_use blocks, preserving the block invariant that every
// tool_use is answered in the next user turn.
func (b *Brain) AppendAssistantTurn(text string, calls []ToolCall) {
	blocks := make([]models.ContentBlock, 0, len(calls)+1)
	if text != "" {
		blocks = append(blocks, models.TextBlock(text))
	}
	for _, c := range calls {
		input := map[string]any{}
		if len(c.Input) > 0 {
			// Invalid JSON is preserved verbatim for the transcript.
			if err := json.Unmarshal(c.Input, &input); err != nil {
				input = map[string]any{"_raw": string(c.Input)}
			}
		}
		blocks = append(blocks, models.ToolUseBlock(c.ID, c.Name, input))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, models.NewBlockMessage(models.RoleAssistant, blocks...))
}

// AppendToolResults adds the user turn answering the previous assistant
// tool_use blocks.
func (b *Brain) AppendToolResults(results ...models.ContentBlock) {
	if len(results) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, models.NewBlockMessage(models.RoleUser, results...))
}

// History returns a copy of the chat history.
func (b *Brain) History() []models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Message, len(b.history))
	copy(out, b.history)
	return out
}

// HistoryLen reports the number of history messages.
func (b *Brain) HistoryLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.history)
}

// LoadHistory replaces the history wholesale, used when a brain is created
// from persisted thread messages.
func (b *Brain) LoadHistory(msgs []models.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = make([]models.Message, len(msgs))
	copy(b.history, msgs)
}

// ClearHistory drops all history messages.
func (b *Brain) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}

// SetSummary installs the conversation summary embedded into the system
// prompt after compaction.
func (b *Brain) SetSummary(summary string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.summary = summary
}

// Summary returns the installed conversation summary, if any.
func (b *Brain) Summary() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.summary
}

// AppendSystemLog extends the per-job system-log section embedded in the
// system prompt. Sections are bounded; the oldest lines are trimmed first.
func (b *Brain) AppendSystemLog(id, ts, payload string) {
	entry := payload
	if ts != "" {
		entry = ts + " | " + payload
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.logs[id]; !ok {
		b.logOrder = append(b.logOrder, id)
	}
	section := b.logs[id]
	if section != "" {
		section += "\n"
	}
	section += entry
	if len(section) > maxSystemLogSection {
		section = section[len(section)-maxSystemLogSection:]
		if idx := strings.IndexByte(section, '\n'); idx >= 0 {
			section = section[idx+1:]
		}
	}
	b.logs[id] = section
}

// SetSystemLog replaces a job's system-log section wholesale, used when the
// listener re-injects its concatenated buffer.
func (b *Brain) SetSystemLog(id, section string) {
	if len(section) > maxSystemLogSection {
		section = section[len(section)-maxSystemLogSection:]
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.logs[id]; !ok {
		b.logOrder = append(b.logOrder, id)
	}
	b.logs[id] = section
}

// SystemPrompt composes the live system prompt: base (or override), the
// summary section, per-job system logs, and the task-execution section.
func (b *Brain) SystemPrompt() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.composePromptLocked()
}

func (b *Brain) composePromptLocked() string {
	var sb strings.Builder
	base := b.basePrompt
	if b.override != "" {
		base = b.override
	}
	sb.WriteString(base)

	if b.summary != "" {
		sb.WriteString("\n\n## Conversation summary\n")
		sb.WriteString(b.summary)
	}
	for _, id := range b.logOrder {
		section := b.logs[id]
		if section == "" {
			continue
		}
		fmt.Fprintf(&sb, "\n\n## Background activity (%s)\n%s", id, section)
	}
	if b.task != nil {
		sb.WriteString("\n\n")
		sb.WriteString(taskPromptSection(b.task))
	}
	return sb.String()
}

// StashWaitingEvent records the latest waiting-context block from the
// worker channel.
func (b *Brain) StashWaitingEvent(payload string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pendingWaiting = payload
}

// TakeWaitingEvent returns and clears the stashed waiting event.
func (b *Brain) TakeWaitingEvent() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.pendingWaiting
	b.pendingWaiting = ""
	return p
}

// SetProposal holds the pending UPDATE_CONTEXT proposal.
func (b *Brain) SetProposal(p *models.ApprovalProposal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.proposal = p
}

// Proposal returns the pending proposal, if any.
func (b *Brain) Proposal() *models.ApprovalProposal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.proposal
}

// ClearProposal drops the pending proposal.
func (b *Brain) ClearProposal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.proposal = nil
}

// BindTask attaches a scheduled-task execution record.
func (b *Brain) BindTask(task *models.TaskData) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.task = task
}

// Task returns the bound task record, if any.
func (b *Brain) Task() *models.TaskData {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.task
}

// MarkContextStale flags that tenant context must be re-resolved before
// the next use; set by invalidate_user_context.
func (b *Brain) MarkContextStale() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contextStale = true
}

// ConsumeContextStale reports and clears the stale flag.
func (b *Brain) ConsumeContextStale() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	stale := b.contextStale
	b.contextStale = false
	return stale
}

// TotalContextTokens counts the live context: system prompt plus history.
func (b *Brain) TotalContextTokens() int {
	b.mu.Lock()
	prompt := b.composePromptLocked()
	history := make([]models.Message, len(b.history))
	copy(history, b.history)
	model := b.model
	counter := b.counter
	b.mu.Unlock()

	return counter.Count(model, prompt) + counter.CountMessages(model, history)
}

// CompletionRequest snapshots the brain into a provider request.
func (b *Brain) CompletionRequest(maxTokens int) *CompletionRequest {
	b.mu.Lock()
	prompt := b.composePromptLocked()
	history := make([]models.Message, len(b.history))
	copy(history, b.history)
	model := b.model
	registry := b.registry
	b.mu.Unlock()

	return &CompletionRequest{
		Model:     model,
		System:    prompt,
		Messages:  history,
		Tools:     registry.Definitions(),
		MaxTokens: maxTokens,
	}
}

func taskPromptSection(task *models.TaskData) string {
	var sb strings.Builder
	sb.WriteString("## Active task execution\n")
	fmt.Fprintf(&sb, "Mission: %s\n", task.Mission.Title)
	if task.Mission.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", task.Mission.Description)
	}
	if task.ExecutionPlan != "" {
		fmt.Fprintf(&sb, "Plan:\n%s\n", task.ExecutionPlan)
	}
	if task.LastExecutionReport != "" {
		fmt.Fprintf(&sb, "Last execution report:\n%s\n", task.LastExecutionReport)
	}
	sb.WriteString("Workflow requirement: call CREATE_CHECKLIST first, report progress with UPDATE_STEP after each step, and finish with TERMINATE_TASK carrying your conclusion.")
	return sb.String()
}
