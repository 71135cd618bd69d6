package manager

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pinnokio/brain/internal/agent"
	"github.com/pinnokio/brain/pkg/models"
)

func TestWorkflowCallbackResumesThread(t *testing.T) {
	env := newEnv(t)
	env.initSession(t, models.ModeGeneral)
	env.session(t).EnterChat("t1")

	var gotContent string
	base := &scriptProvider{responses: [][]agent.CompletionChunk{textTurn("The export is ready; I saved the link.")}}
	env.provider.completeFunc = func(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
		if len(req.Messages) > 0 {
			gotContent = req.Messages[len(req.Messages)-1].PlainText()
		}
		return base.Complete(ctx, req)
	}

	res, err := env.m.HandleWorkflowCallback(context.Background(), WorkflowCallback{
		UserID:    "u1",
		TenantID:  "acme",
		ThreadKey: "t1",
		ChatMode:  models.ModeGeneral,
		TaskName:  "EXPORT_LEDGER",
		Response:  "Exported 412 entries to ledger_2026-08.csv.",
	})
	if err != nil {
		t.Fatalf("HandleWorkflowCallback: %v", err)
	}
	if !res.Success || res.AssistantMessageID == "" {
		t.Fatalf("callback result = %+v", res)
	}
	env.waitIdle(t)

	if !strings.Contains(gotContent, `"EXPORT_LEDGER"`) || !strings.Contains(gotContent, "412 entries") {
		t.Fatalf("continuation content = %q", gotContent)
	}
	if !strings.Contains(gotContent, "Continue assisting the user") {
		t.Fatalf("continuation content missing chat guidance: %q", gotContent)
	}

	rec := env.messageRecord(t, "chats", "t1", res.AssistantMessageID)
	if got := recordStatus(rec); got != statusComplete {
		t.Fatalf("terminal status = %q", got)
	}
	if n := len(env.hub.broadcastOfType(models.EventPlaceholder)); n != 1 {
		t.Fatalf("placeholder events = %d, want 1 for an on-thread user", n)
	}
}

func TestWorkflowCallbackStepReminderDuringTask(t *testing.T) {
	env := newEnv(t)
	env.initSession(t, models.ModeTask)
	sess := env.session(t)

	brain := env.m.newBrain(sess, "task_xyz", models.ModeTask)
	brain.BindTask(&models.TaskData{
		TaskID:      "xyz",
		ExecutionID: "exec-1",
		Checklist: &models.Checklist{Steps: []models.ChecklistStep{
			{ID: "step_1", Title: "Export ledger", Status: models.StepInProgress},
		}},
	})
	sess.PutBrain("task_xyz", brain)

	var gotContent string
	base := &scriptProvider{responses: [][]agent.CompletionChunk{textTurn("Recording the outcome.")}}
	env.provider.completeFunc = func(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
		if len(req.Messages) > 0 {
			gotContent = req.Messages[len(req.Messages)-1].PlainText()
		}
		return base.Complete(ctx, req)
	}

	res, err := env.m.HandleWorkflowCallback(context.Background(), WorkflowCallback{
		UserID:    "u1",
		TenantID:  "acme",
		ThreadKey: "task_xyz",
		ChatMode:  models.ModeTask,
		TaskName:  "EXPORT_LEDGER",
		StepID:    "step_1",
		Response:  "done",
	})
	if err != nil {
		t.Fatalf("HandleWorkflowCallback: %v", err)
	}
	env.waitIdle(t)

	if !res.Success {
		t.Fatalf("callback result = %+v", res)
	}
	if !strings.Contains(gotContent, "UPDATE_STEP on step_1") {
		t.Fatalf("task continuation = %q, want the checklist reminder", gotContent)
	}
}

func TestWorkflowCallbackRejectsBusyThread(t *testing.T) {
	env := newEnv(t)
	env.initSession(t, models.ModeGeneral)

	release := make(chan struct{})
	env.provider.completeFunc = func(ctx context.Context, _ *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
		ch := make(chan *agent.CompletionChunk, 1)
		go func() {
			defer close(ch)
			select {
			case <-release:
				ch <- &agent.CompletionChunk{Text: "done", Done: true}
			case <-ctx.Done():
			}
		}()
		return ch, nil
	}

	if _, err := env.m.SendMessage(context.Background(), "u1", "acme", "t1", "start", models.ModeGeneral, "", ""); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	_, err := env.m.HandleWorkflowCallback(context.Background(), WorkflowCallback{
		UserID: "u1", TenantID: "acme", ThreadKey: "t1", Response: "late result",
	})
	if !errors.Is(err, agent.ErrStreamActive) {
		t.Fatalf("busy-thread callback error = %v, want ErrStreamActive", err)
	}

	close(release)
	env.waitIdle(t)
}

func TestWorkflowCallbackValidation(t *testing.T) {
	env := newEnv(t)
	env.initSession(t, models.ModeGeneral)

	if _, err := env.m.HandleWorkflowCallback(context.Background(), WorkflowCallback{
		UserID: "u1", TenantID: "acme", ThreadKey: "t1", Response: "  ",
	}); err == nil {
		t.Fatal("expected error for empty response")
	}
	if _, err := env.m.HandleWorkflowCallback(context.Background(), WorkflowCallback{
		TenantID: "acme", ThreadKey: "t1", Response: "x",
	}); err == nil {
		t.Fatal("expected error for missing user_id")
	}
}
