package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pinnokio/brain/pkg/models"
)

// Meta tool names the workflow gives loop-level meaning to.
const (
	ToolTerminateTask    = "TERMINATE_TASK"
	ToolUpdateContext    = "UPDATE_CONTEXT"
	ToolCreateTask       = "CREATE_TASK"
	ToolCreateChecklist  = "CREATE_CHECKLIST"
	ToolUpdateStep       = "UPDATE_STEP"
	ToolSubmitWaitingRsp = "SUBMIT_WAITING_RESPONSE"
)

// StreamSink receives the user-visible events of a workflow run. The
// manager backs it with the WebSocket hub; implementations must not block.
type StreamSink interface {
	Event(t models.EventType, payload map[string]any)
}

// Recorder persists the assistant message's terminal states in RTDB.
type Recorder interface {
	// Finalize writes the completed message.
	Finalize(ctx context.Context, text string, meta RunMeta) error
	// Interrupt preserves partial text after a cancellation.
	Interrupt(ctx context.Context, text string) error
	// Fail marks the message errored.
	Fail(ctx context.Context, failure error) error
}

// RunMeta is the terminal metadata of a run.
type RunMeta struct {
	Turns            int
	MissionCompleted bool
	Summarized       bool
}

// RunInput parameterizes one workflow invocation. The same loop serves
// user messages, scheduled task executions, and worker-callback resumes;
// only Content and EnableStreaming differ.
type RunInput struct {
	Brain              *Brain
	Content            string
	AssistantMessageID string
	EnableStreaming    bool
	SystemPrompt       string
	// ForceTool requires the model to invoke the named tool on the first
	// turn; later turns choose freely.
	ForceTool string
	Sink      StreamSink
	Recorder  Recorder
}

// RunResult reports what a finished run produced.
type RunResult struct {
	Text             string
	Turns            int
	MissionCompleted bool
	Summarized       bool
	Interrupted      bool
}

// WorkflowConfig bounds every run.
type WorkflowConfig struct {
	// MaxTurns caps loop iterations per invocation.
	MaxTurns int
	// TokenBudget triggers summarization when the live context reaches it.
	TokenBudget int
	// MaxTokens caps each model response; zero uses the provider default.
	MaxTokens int
}

// Workflow drives the unified agentic loop for one provider.
type Workflow struct {
	provider   LLMProvider
	summarizer *Summarizer
	cfg        WorkflowConfig
	logger     *slog.Logger
}

// NewWorkflow builds a workflow engine. A nil logger uses the default.
func NewWorkflow(provider LLMProvider, summarizer *Summarizer, cfg WorkflowConfig, logger *slog.Logger) *Workflow {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 20
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 80000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{provider: provider, summarizer: summarizer, cfg: cfg, logger: logger}
}

// nopSink drops events; used when streaming is off.
type nopSink struct{}

func (nopSink) Event(models.EventType, map[string]any) {}

// nopRecorder drops terminal writes; used by callers that persist
// elsewhere (forced tool calls, tests).
type nopRecorder struct{}

func (nopRecorder) Finalize(context.Context, string, RunMeta) error { return nil }
func (nopRecorder) Interrupt(context.Context, string) error        { return nil }
func (nopRecorder) Fail(context.Context, error) error              { return nil }

// Run executes the loop until the mission completes, a turn produces no
// tool calls, the turn cap is hit, the context is cancelled, or the
// provider fails. Terminal persistence and terminal events always happen,
// including on cancellation.
func (w *Workflow) Run(ctx context.Context, in RunInput) (*RunResult, error) {
	brain := in.Brain
	if brain == nil {
		return nil, errors.New("workflow: brain is required")
	}
	sink := in.Sink
	if sink == nil || !in.EnableStreaming {
		sink = nopSink{}
	}
	recorder := in.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if in.SystemPrompt != "" {
		brain.SetPromptOverride(in.SystemPrompt)
		defer brain.SetPromptOverride("")
	}
	if in.Content != "" {
		brain.AppendUser(in.Content)
	}

	log := w.logger.With(
		"user_id", brain.UserID,
		"thread_key", brain.ThreadKey,
		"message_id", in.AssistantMessageID,
	)

	sink.Event(models.EventStreamStart, map[string]any{"message_id": in.AssistantMessageID})

	var acc strings.Builder
	res := &RunResult{}
	registry := brain.Registry()

	emitText := func(chunk string) {
		if chunk == "" {
			return
		}
		acc.WriteString(chunk)
		sink.Event(models.EventStreamDelta, map[string]any{
			"message_id": in.AssistantMessageID,
			"chunk":      chunk,
		})
	}

	for turn := 0; turn < w.cfg.MaxTurns; turn++ {
		res.Turns = turn + 1

		if total := brain.TotalContextTokens(); total >= w.cfg.TokenBudget && w.summarizer != nil {
			log.Info("token budget reached, compacting", "tokens", total, "budget", w.cfg.TokenBudget)
			if err := w.summarizer.Compact(ctx, brain); err != nil {
				// The provider may still cope; a failed compaction must
				// not kill a live stream.
				log.Warn("compaction failed", "error", err)
			} else {
				res.Summarized = true
			}
		}

		req := brain.CompletionRequest(w.cfg.MaxTokens)
		if turn == 0 && in.ForceTool != "" {
			req.ForceTool = in.ForceTool
		}
		chunks, err := w.provider.Complete(ctx, req)
		if err != nil {
			return w.failRun(ctx, in, sink, recorder, res, &acc, fmt.Errorf("provider %s: %w", w.provider.Name(), err))
		}

		var turnText strings.Builder
		var calls []ToolCall
		var streamErr error
		for chunk := range chunks {
			if chunk.Err != nil {
				streamErr = chunk.Err
				continue
			}
			if chunk.Text != "" {
				turnText.WriteString(chunk.Text)
				emitText(chunk.Text)
			}
			if chunk.ToolUseStart != nil {
				sink.Event(models.EventToolUseStart, map[string]any{
					"message_id": in.AssistantMessageID,
					"tool_name":  chunk.ToolUseStart.Name,
				})
			}
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
		}
		if ctx.Err() != nil {
			return w.interruptRun(ctx, in, sink, recorder, res, &acc)
		}
		if streamErr != nil {
			return w.failRun(ctx, in, sink, recorder, res, &acc, streamErr)
		}

		if len(calls) == 0 {
			// A tool-free turn means the model is done.
			if turnText.Len() > 0 {
				brain.AppendAssistantText(turnText.String())
			}
			break
		}

		brain.AppendAssistantTurn(turnText.String(), calls)
		results := make([]models.ContentBlock, 0, len(calls))
		for _, call := range calls {
			results = append(results, w.executeCall(ctx, brain, registry, call, in, sink, emitText, res))
			if ctx.Err() != nil {
				brain.AppendToolResults(results...)
				return w.interruptRun(ctx, in, sink, recorder, res, &acc)
			}
		}
		// The matching tool_result lands before the loop can stop, so a
		// TERMINATE_TASK turn still leaves the history well formed.
		brain.AppendToolResults(results...)

		if res.MissionCompleted {
			break
		}
	}

	res.Text = acc.String()
	if err := recorder.Finalize(context.WithoutCancel(ctx), res.Text, RunMeta{
		Turns:            res.Turns,
		MissionCompleted: res.MissionCompleted,
		Summarized:       res.Summarized,
	}); err != nil {
		log.Error("finalize write failed", "error", err)
	}
	sink.Event(models.EventStreamEnd, map[string]any{
		"message_id":        in.AssistantMessageID,
		"turns":             res.Turns,
		"mission_completed": res.MissionCompleted,
	})
	return res, nil
}

// executeCall runs one tool call and returns its tool_result block.
func (w *Workflow) executeCall(ctx context.Context, brain *Brain, registry *Registry, call ToolCall, in RunInput, sink StreamSink, emitText func(string), res *RunResult) models.ContentBlock {
	if call.Name == ToolTerminateTask {
		res.MissionCompleted = true
		if conclusion := stringField(call.Input, "conclusion"); conclusion != "" {
			emitText(conclusion)
		}
	}

	kind, _ := registry.Kind(call.Name)
	out, ok := registry.Execute(ctx, brain, call)
	if !ok {
		sink.Event(models.EventToolUseError, map[string]any{
			"message_id": in.AssistantMessageID,
			"tool_name":  call.Name,
			"error":      out,
		})
		w.logger.Warn("tool call failed", "tool", call.Name, "thread_key", brain.ThreadKey, "detail", out)
		return models.ToolResultBlock(call.ID, out, true)
	}

	if kind == KindLPT {
		emitText(fmt.Sprintf("\n\n%s is now running in the background; its result will arrive in this thread.", call.Name))
	}
	sink.Event(models.EventToolUseComplete, map[string]any{
		"message_id": in.AssistantMessageID,
		"tool_name":  call.Name,
	})
	return models.ToolResultBlock(call.ID, out, false)
}

func (w *Workflow) interruptRun(ctx context.Context, in RunInput, sink StreamSink, recorder Recorder, res *RunResult, acc *strings.Builder) (*RunResult, error) {
	res.Text = acc.String()
	res.Interrupted = true
	if err := recorder.Interrupt(context.WithoutCancel(ctx), res.Text); err != nil {
		w.logger.Error("interrupt write failed", "error", err, "message_id", in.AssistantMessageID)
	}
	sink.Event(models.EventStreamInterrupted, map[string]any{"message_id": in.AssistantMessageID})
	return res, context.Cause(ctx)
}

func (w *Workflow) failRun(ctx context.Context, in RunInput, sink StreamSink, recorder Recorder, res *RunResult, acc *strings.Builder, failure error) (*RunResult, error) {
	res.Text = acc.String()
	if err := recorder.Fail(context.WithoutCancel(ctx), failure); err != nil {
		w.logger.Error("failure write failed", "error", err, "message_id", in.AssistantMessageID)
	}
	sink.Event(models.EventLLMError, map[string]any{
		"message_id": in.AssistantMessageID,
		"error":      failure.Error(),
	})
	return res, failure
}

// ForcedToolCall runs a single tool-only turn that requires the model to
// invoke toolName, returning the decoded input it produced. The brain's
// history is read but never modified.
func (w *Workflow) ForcedToolCall(ctx context.Context, brain *Brain, instruction, toolName string) (map[string]any, error) {
	tool, ok := brain.Registry().Get(toolName)
	if !ok {
		return nil, fmt.Errorf("forced tool %s not registered", toolName)
	}
	schema := tool.Schema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	req := brain.CompletionRequest(w.cfg.MaxTokens)
	req.Messages = append(req.Messages, models.NewTextMessage(models.RoleUser, instruction))
	req.Tools = []ToolDefinition{{Name: tool.Name, Description: tool.Description, InputSchema: schema}}
	req.ForceTool = toolName

	chunks, err := w.provider.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("forced %s call: %w", toolName, err)
	}
	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		if chunk.ToolCall != nil && chunk.ToolCall.Name == toolName {
			input := map[string]any{}
			if len(chunk.ToolCall.Input) > 0 {
				if err := json.Unmarshal(chunk.ToolCall.Input, &input); err != nil {
					return nil, fmt.Errorf("forced %s call: decode input: %w", toolName, err)
				}
			}
			return input, nil
		}
	}
	return nil, fmt.Errorf("forced %s call: model returned no tool invocation", toolName)
}

func stringField(raw json.RawMessage, key string) string {
	if len(raw) == 0 {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	s, _ := obj[key].(string)
	return s
}
