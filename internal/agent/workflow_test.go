package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/pinnokio/brain/pkg/models"
)

// scriptProvider plays back canned chunk sequences, one per Complete call.
type scriptProvider struct {
	responses    [][]CompletionChunk
	calls        int32
	completeFunc func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
	lastRequest  *CompletionRequest
}

func (p *scriptProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.lastRequest = req
	if p.completeFunc != nil {
		return p.completeFunc(ctx, req)
	}

	call := int(atomic.AddInt32(&p.calls, 1)) - 1
	ch := make(chan *CompletionChunk, 16)
	go func() {
		defer close(ch)
		if call >= len(p.responses) {
			ch <- &CompletionChunk{Done: true}
			return
		}
		for i := range p.responses[call] {
			chunk := p.responses[call][i]
			select {
			case ch <- &chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *scriptProvider) Name() string { return "script" }

type sinkEvent struct {
	Type    models.EventType
	Payload map[string]any
}

// captureSink records every event it receives.
type captureSink struct {
	events []sinkEvent
}

func (s *captureSink) Event(t models.EventType, payload map[string]any) {
	s.events = append(s.events, sinkEvent{Type: t, Payload: payload})
}

func (s *captureSink) ofType(t models.EventType) []sinkEvent {
	var out []sinkEvent
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// captureRecorder records terminal writes.
type captureRecorder struct {
	finalText   string
	finalMeta   RunMeta
	finalized   bool
	interrupted bool
	partialText string
	failed      error
}

func (r *captureRecorder) Finalize(_ context.Context, text string, meta RunMeta) error {
	r.finalized = true
	r.finalText = text
	r.finalMeta = meta
	return nil
}

func (r *captureRecorder) Interrupt(_ context.Context, text string) error {
	r.interrupted = true
	r.partialText = text
	return nil
}

func (r *captureRecorder) Fail(_ context.Context, failure error) error {
	r.failed = failure
	return nil
}

func newWorkflowBrain(t *testing.T, registry *Registry) *Brain {
	t.Helper()
	return NewBrain(BrainConfig{
		UserID:     "u1",
		TenantID:   "t1",
		ThreadKey:  "general_chat",
		Mode:       models.ModeGeneral,
		BasePrompt: "You are the tenant assistant.",
		Registry:   registry,
		Model:      "test-model",
	})
}

func toolCallChunk(id, name, input string) CompletionChunk {
	return CompletionChunk{ToolCall: &ToolCall{ID: id, Name: name, Input: json.RawMessage(input)}}
}

func TestWorkflowTextOnlyTurn(t *testing.T) {
	provider := &scriptProvider{responses: [][]CompletionChunk{
		{{Text: "Hello "}, {Text: "world"}, {Done: true}},
	}}
	wf := NewWorkflow(provider, nil, WorkflowConfig{MaxTurns: 5, TokenBudget: 80000}, nil)
	brain := newWorkflowBrain(t, nil)
	sink := &captureSink{}
	rec := &captureRecorder{}

	res, err := wf.Run(context.Background(), RunInput{
		Brain:              brain,
		Content:            "hi",
		AssistantMessageID: "m1",
		EnableStreaming:    true,
		Sink:               sink,
		Recorder:           rec,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Turns != 1 {
		t.Errorf("Turns = %d, want 1", res.Turns)
	}
	if res.Text != "Hello world" {
		t.Errorf("Text = %q, want %q", res.Text, "Hello world")
	}
	if !rec.finalized || rec.finalText != "Hello world" {
		t.Errorf("finalize = (%v, %q), want (true, Hello world)", rec.finalized, rec.finalText)
	}

	var streamed strings.Builder
	for _, e := range sink.ofType(models.EventStreamDelta) {
		streamed.WriteString(e.Payload["chunk"].(string))
	}
	if streamed.String() != rec.finalText {
		t.Errorf("concatenated deltas %q != final text %q", streamed.String(), rec.finalText)
	}
	if len(sink.ofType(models.EventStreamStart)) != 1 || len(sink.ofType(models.EventStreamEnd)) != 1 {
		t.Errorf("want exactly one stream_start and stream_end, got %+v", sink.events)
	}

	history := brain.History()
	if len(history) != 2 || history[0].Role != models.RoleUser || history[1].Role != models.RoleAssistant {
		t.Fatalf("history = %+v, want user+assistant", history)
	}
}

func TestWorkflowToolRoundTrip(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(Tool{
		Name:        "ECHO",
		Description: "echoes its input",
		Kind:        KindSPT,
		Schema:      json.RawMessage(`{"type":"object","properties":{"value":{"type":"string"}},"required":["value"]}`),
		Handler: func(_ context.Context, inv *Invocation) (any, error) {
			return map[string]any{"echo": inv.Input["value"]}, nil
		},
	})
	provider := &scriptProvider{responses: [][]CompletionChunk{
		{
			{ToolUseStart: &ToolUseStart{ID: "tc1", Name: "ECHO"}},
			toolCallChunk("tc1", "ECHO", `{"value":"hi"}`),
			{Done: true},
		},
		{{Text: "echoed"}, {Done: true}},
	}}
	wf := NewWorkflow(provider, nil, WorkflowConfig{MaxTurns: 5, TokenBudget: 80000}, nil)
	brain := newWorkflowBrain(t, registry)
	sink := &captureSink{}

	res, err := wf.Run(context.Background(), RunInput{
		Brain:              brain,
		Content:            "echo hi",
		AssistantMessageID: "m1",
		EnableStreaming:    true,
		Sink:               sink,
		Recorder:           &captureRecorder{},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Turns != 2 {
		t.Errorf("Turns = %d, want 2", res.Turns)
	}
	if len(sink.ofType(models.EventToolUseStart)) != 1 || len(sink.ofType(models.EventToolUseComplete)) != 1 {
		t.Errorf("tool events missing: %+v", sink.events)
	}

	history := brain.History()
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4", len(history))
	}
	if !history[1].HasToolUse() {
		t.Errorf("second message should carry tool_use, got %+v", history[1])
	}
	resultMsg := history[2]
	if resultMsg.Role != models.RoleUser || len(resultMsg.Blocks) != 1 {
		t.Fatalf("tool result message malformed: %+v", resultMsg)
	}
	block := resultMsg.Blocks[0]
	if block.Type != models.BlockToolResult || block.ToolUseID != "tc1" || block.IsError {
		t.Errorf("tool result block = %+v", block)
	}
	if !strings.Contains(block.Content, "hi") {
		t.Errorf("tool result content = %q, want echo of input", block.Content)
	}
}

func TestWorkflowToolSchemaRejection(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(Tool{
		Name:   "STRICT",
		Kind:   KindSPT,
		Schema: json.RawMessage(`{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"]}`),
		Handler: func(context.Context, *Invocation) (any, error) {
			return "ok", nil
		},
	})
	provider := &scriptProvider{responses: [][]CompletionChunk{
		{toolCallChunk("tc1", "STRICT", `{"n":"not a number"}`), {Done: true}},
		{{Text: "recovered"}, {Done: true}},
	}}
	wf := NewWorkflow(provider, nil, WorkflowConfig{MaxTurns: 5, TokenBudget: 80000}, nil)
	brain := newWorkflowBrain(t, registry)
	sink := &captureSink{}

	if _, err := wf.Run(context.Background(), RunInput{
		Brain:              brain,
		Content:            "go",
		AssistantMessageID: "m1",
		EnableStreaming:    true,
		Sink:               sink,
		Recorder:           &captureRecorder{},
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(sink.ofType(models.EventToolUseError)) != 1 {
		t.Errorf("want one tool_use_error event, got %+v", sink.events)
	}
	history := brain.History()
	block := history[2].Blocks[0]
	if !block.IsError {
		t.Errorf("tool result should be an error block, got %+v", block)
	}
}

func TestWorkflowTerminateTask(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(Tool{
		Name: ToolTerminateTask,
		Kind: KindMeta,
		Handler: func(context.Context, *Invocation) (any, error) {
			return "acknowledged", nil
		},
	})
	provider := &scriptProvider{responses: [][]CompletionChunk{
		{
			{Text: "Wrapping up. "},
			toolCallChunk("tc1", ToolTerminateTask, `{"conclusion":"All steps finished."}`),
			{Done: true},
		},
	}}
	wf := NewWorkflow(provider, nil, WorkflowConfig{MaxTurns: 5, TokenBudget: 80000}, nil)
	brain := newWorkflowBrain(t, registry)
	sink := &captureSink{}
	rec := &captureRecorder{}

	res, err := wf.Run(context.Background(), RunInput{
		Brain:              brain,
		Content:            "finish it",
		AssistantMessageID: "m1",
		EnableStreaming:    true,
		Sink:               sink,
		Recorder:           rec,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.MissionCompleted || res.Turns != 1 {
		t.Errorf("res = %+v, want mission completed in one turn", res)
	}
	if !strings.Contains(res.Text, "All steps finished.") {
		t.Errorf("conclusion missing from text: %q", res.Text)
	}
	if !rec.finalMeta.MissionCompleted {
		t.Errorf("finalize meta = %+v, want MissionCompleted", rec.finalMeta)
	}

	// The terminate turn still records its tool_result.
	history := brain.History()
	last := history[len(history)-1]
	if last.Role != models.RoleUser || len(last.Blocks) == 0 || last.Blocks[0].Type != models.BlockToolResult {
		t.Errorf("last history message should be the tool_result, got %+v", last)
	}

	var streamed strings.Builder
	for _, e := range sink.ofType(models.EventStreamDelta) {
		streamed.WriteString(e.Payload["chunk"].(string))
	}
	if streamed.String() != res.Text {
		t.Errorf("deltas %q != final %q", streamed.String(), res.Text)
	}
}

func TestWorkflowLPTReceiptNotice(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(Tool{
		Name: "LAUNCH_REPORT",
		Kind: KindLPT,
		Handler: func(context.Context, *Invocation) (any, error) {
			return map[string]any{"status": "queued", "job_id": "job-7"}, nil
		},
	})
	provider := &scriptProvider{responses: [][]CompletionChunk{
		{toolCallChunk("tc1", "LAUNCH_REPORT", `{}`), {Done: true}},
		{{Text: "Launched."}, {Done: true}},
	}}
	wf := NewWorkflow(provider, nil, WorkflowConfig{MaxTurns: 5, TokenBudget: 80000}, nil)
	brain := newWorkflowBrain(t, registry)
	rec := &captureRecorder{}

	res, err := wf.Run(context.Background(), RunInput{
		Brain:              brain,
		Content:            "run the report",
		AssistantMessageID: "m1",
		EnableStreaming:    true,
		Sink:               &captureSink{},
		Recorder:           rec,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(res.Text, "running in the background") {
		t.Errorf("queued notice missing from text: %q", res.Text)
	}
	if !strings.Contains(rec.finalText, "running in the background") {
		t.Errorf("queued notice missing from persisted text: %q", rec.finalText)
	}
}

func TestWorkflowStreamingDisabled(t *testing.T) {
	provider := &scriptProvider{responses: [][]CompletionChunk{
		{{Text: "quiet"}, {Done: true}},
	}}
	wf := NewWorkflow(provider, nil, WorkflowConfig{MaxTurns: 5, TokenBudget: 80000}, nil)
	sink := &captureSink{}
	rec := &captureRecorder{}

	res, err := wf.Run(context.Background(), RunInput{
		Brain:              newWorkflowBrain(t, nil),
		Content:            "hi",
		AssistantMessageID: "m1",
		EnableStreaming:    false,
		Sink:               sink,
		Recorder:           rec,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sink.events) != 0 {
		t.Errorf("sink should stay silent when streaming is off, got %+v", sink.events)
	}
	if res.Text != "quiet" || rec.finalText != "quiet" {
		t.Errorf("persistence must not depend on streaming: res=%q rec=%q", res.Text, rec.finalText)
	}
}

func TestWorkflowProviderCreationError(t *testing.T) {
	provider := &scriptProvider{
		completeFunc: func(context.Context, *CompletionRequest) (<-chan *CompletionChunk, error) {
			return nil, errors.New("boom")
		},
	}
	wf := NewWorkflow(provider, nil, WorkflowConfig{MaxTurns: 5, TokenBudget: 80000}, nil)
	sink := &captureSink{}
	rec := &captureRecorder{}

	_, err := wf.Run(context.Background(), RunInput{
		Brain:              newWorkflowBrain(t, nil),
		Content:            "hi",
		AssistantMessageID: "m1",
		EnableStreaming:    true,
		Sink:               sink,
		Recorder:           rec,
	})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v, want provider failure", err)
	}
	if rec.failed == nil {
		t.Error("recorder.Fail not called")
	}
	if len(sink.ofType(models.EventLLMError)) != 1 {
		t.Errorf("want one llm.error event, got %+v", sink.events)
	}
}

func TestWorkflowMidStreamError(t *testing.T) {
	provider := &scriptProvider{responses: [][]CompletionChunk{
		{{Text: "partial"}, {Err: errors.New("upstream reset"), Done: true}},
	}}
	wf := NewWorkflow(provider, nil, WorkflowConfig{MaxTurns: 5, TokenBudget: 80000}, nil)
	rec := &captureRecorder{}

	_, err := wf.Run(context.Background(), RunInput{
		Brain:              newWorkflowBrain(t, nil),
		Content:            "hi",
		AssistantMessageID: "m1",
		Recorder:           rec,
	})
	if err == nil || !strings.Contains(err.Error(), "upstream reset") {
		t.Fatalf("err = %v, want stream failure", err)
	}
	if rec.failed == nil {
		t.Error("recorder.Fail not called")
	}
}

func TestWorkflowCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	provider := &scriptProvider{
		completeFunc: func(ctx context.Context, _ *CompletionRequest) (<-chan *CompletionChunk, error) {
			ch := make(chan *CompletionChunk, 1)
			go func() {
				defer close(ch)
				ch <- &CompletionChunk{Text: "partial answer"}
				<-ctx.Done()
			}()
			return ch, nil
		},
	}
	wf := NewWorkflow(provider, nil, WorkflowConfig{MaxTurns: 5, TokenBudget: 80000}, nil)
	sink := &captureSink{}
	rec := &captureRecorder{}

	go func() {
		// Let the first chunk land, then stop the stream.
		cancel()
	}()

	res, err := wf.Run(ctx, RunInput{
		Brain:              newWorkflowBrain(t, nil),
		Content:            "hi",
		AssistantMessageID: "m1",
		EnableStreaming:    true,
		Sink:               sink,
		Recorder:           rec,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res == nil || !res.Interrupted {
		t.Fatalf("res = %+v, want Interrupted", res)
	}
	if !rec.interrupted {
		t.Error("recorder.Interrupt not called")
	}
	if rec.partialText != res.Text {
		t.Errorf("partial text mismatch: rec=%q res=%q", rec.partialText, res.Text)
	}
	if len(sink.ofType(models.EventStreamInterrupted)) != 1 {
		t.Errorf("want one interrupted event, got %+v", sink.events)
	}
	if len(sink.ofType(models.EventStreamEnd)) != 0 {
		t.Errorf("stream_end must not fire on cancellation: %+v", sink.events)
	}
}

func TestWorkflowMaxTurnsCap(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(Tool{
		Name: "LOOP",
		Kind: KindSPT,
		Handler: func(context.Context, *Invocation) (any, error) {
			return "again", nil
		},
	})
	turnScript := []CompletionChunk{toolCallChunk("tc", "LOOP", `{}`), {Done: true}}
	provider := &scriptProvider{responses: [][]CompletionChunk{
		turnScript, turnScript, turnScript, turnScript, turnScript,
	}}
	wf := NewWorkflow(provider, nil, WorkflowConfig{MaxTurns: 3, TokenBudget: 80000}, nil)
	rec := &captureRecorder{}

	res, err := wf.Run(context.Background(), RunInput{
		Brain:              newWorkflowBrain(t, registry),
		Content:            "spin",
		AssistantMessageID: "m1",
		Recorder:           rec,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Turns != 3 {
		t.Errorf("Turns = %d, want cap of 3", res.Turns)
	}
	if !rec.finalized {
		t.Error("capped run must still finalize")
	}
}

func TestWorkflowBudgetTriggersCompaction(t *testing.T) {
	summaryProvider := &scriptProvider{responses: [][]CompletionChunk{
		{{Text: "compacted notes"}, {Done: true}},
	}}
	mainProvider := &scriptProvider{responses: [][]CompletionChunk{
		{{Text: "answer"}, {Done: true}},
	}}
	wf := NewWorkflow(mainProvider, NewSummarizer(summaryProvider, 0), WorkflowConfig{MaxTurns: 5, TokenBudget: 1}, nil)

	brain := newWorkflowBrain(t, nil)
	brain.LoadHistory([]models.Message{
		models.NewTextMessage(models.RoleUser, "old question"),
		models.NewTextMessage(models.RoleAssistant, "old answer"),
	})

	res, err := wf.Run(context.Background(), RunInput{
		Brain:              brain,
		Content:            "new question",
		AssistantMessageID: "m1",
		Recorder:           &captureRecorder{},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Summarized {
		t.Error("res.Summarized = false, want compaction")
	}
	if brain.Summary() != "compacted notes" {
		t.Errorf("Summary = %q", brain.Summary())
	}
	history := brain.History()
	if len(history) != 2 {
		t.Fatalf("history = %+v, want kept user message plus answer", history)
	}
	if history[0].PlainText() != "new question" {
		t.Errorf("pending user message lost in compaction: %+v", history[0])
	}
}

func TestWorkflowCompactionFailureIsNonFatal(t *testing.T) {
	summaryProvider := &scriptProvider{
		completeFunc: func(context.Context, *CompletionRequest) (<-chan *CompletionChunk, error) {
			return nil, errors.New("summary backend down")
		},
	}
	mainProvider := &scriptProvider{responses: [][]CompletionChunk{
		{{Text: "still works"}, {Done: true}},
	}}
	wf := NewWorkflow(mainProvider, NewSummarizer(summaryProvider, 0), WorkflowConfig{MaxTurns: 5, TokenBudget: 1}, nil)

	brain := newWorkflowBrain(t, nil)
	brain.LoadHistory([]models.Message{
		models.NewTextMessage(models.RoleUser, "old question"),
		models.NewTextMessage(models.RoleAssistant, "old answer"),
	})

	res, err := wf.Run(context.Background(), RunInput{
		Brain:              brain,
		Content:            "new question",
		AssistantMessageID: "m1",
		Recorder:           &captureRecorder{},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Summarized {
		t.Error("failed compaction must not report Summarized")
	}
	if res.Text != "still works" {
		t.Errorf("Text = %q", res.Text)
	}
}

func TestForcedToolCall(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(Tool{
		Name:   ToolSubmitWaitingRsp,
		Kind:   KindMeta,
		Schema: json.RawMessage(`{"type":"object","properties":{"response_to_application":{"type":"string"},"user_summary":{"type":"string"}},"required":["response_to_application","user_summary"]}`),
		Handler: func(context.Context, *Invocation) (any, error) {
			return "unused by forced calls", nil
		},
	})
	provider := &scriptProvider{responses: [][]CompletionChunk{
		{
			toolCallChunk("tc1", ToolSubmitWaitingRsp, `{"response_to_application":"TERMINATE","user_summary":"done"}`),
			{Done: true},
		},
	}}
	wf := NewWorkflow(provider, nil, WorkflowConfig{MaxTurns: 5, TokenBudget: 80000}, nil)
	brain := newWorkflowBrain(t, registry)
	brain.AppendUser("original context")
	before := brain.HistoryLen()

	input, err := wf.ForcedToolCall(context.Background(), brain, "submit the waiting response", ToolSubmitWaitingRsp)
	if err != nil {
		t.Fatalf("ForcedToolCall: %v", err)
	}
	if input["response_to_application"] != "TERMINATE" || input["user_summary"] != "done" {
		t.Errorf("input = %+v", input)
	}
	if brain.HistoryLen() != before {
		t.Errorf("forced call must not touch history: %d -> %d", before, brain.HistoryLen())
	}
	if provider.lastRequest.ForceTool != ToolSubmitWaitingRsp {
		t.Errorf("ForceTool = %q", provider.lastRequest.ForceTool)
	}
	if len(provider.lastRequest.Tools) != 1 || provider.lastRequest.Tools[0].Name != ToolSubmitWaitingRsp {
		t.Errorf("forced request must restrict the tool set, got %+v", provider.lastRequest.Tools)
	}
}

func TestForcedToolCallNoInvocation(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(Tool{
		Name:    ToolSubmitWaitingRsp,
		Kind:    KindMeta,
		Handler: func(context.Context, *Invocation) (any, error) { return nil, nil },
	})
	provider := &scriptProvider{responses: [][]CompletionChunk{
		{{Text: "I refuse to call tools"}, {Done: true}},
	}}
	wf := NewWorkflow(provider, nil, WorkflowConfig{}, nil)
	brain := newWorkflowBrain(t, registry)

	if _, err := wf.ForcedToolCall(context.Background(), brain, "do it", ToolSubmitWaitingRsp); err == nil {
		t.Fatal("want error when the model skips the forced tool")
	}
}
