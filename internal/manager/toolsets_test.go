package manager

import (
	"context"
	"strings"
	"testing"

	"github.com/pinnokio/brain/internal/agent"
	"github.com/pinnokio/brain/internal/rtdb"
	"github.com/pinnokio/brain/pkg/models"
)

const updateContextInput = `{
	"context_type": "accounting",
	"service_name": "apbookeeper",
	"operations": [
		{"section_type": "end", "operation": "add", "new_content": "VAT category: reduced rate for food items."}
	]
}`

func TestUpdateContextAppliesAfterApproval(t *testing.T) {
	env := newEnv(t)
	env.initSession(t, models.ModeGeneral)
	env.session(t).EnterChat("t1")
	env.contexts.docs[docKey("acme", "accounting", "apbookeeper")] = "Chart of accounts: standard."

	env.provider.responses = [][]agent.CompletionChunk{
		toolTurn("c1", agent.ToolUpdateContext, updateContextInput),
		textTurn("The accounting context now covers the reduced VAT rate."),
	}
	env.answerNextCard(t, "approve")

	res, err := env.m.SendMessage(context.Background(), "u1", "acme", "t1", "note the reduced VAT rule", models.ModeGeneral, "", "")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	env.waitIdle(t)

	doc := env.contexts.get("acme", "accounting", "apbookeeper")
	if doc == "Chart of accounts: standard." {
		t.Fatal("approved operation did not reach the context store")
	}
	if want := "VAT category: reduced rate for food items."; !strings.Contains(doc, want) {
		t.Fatalf("context document = %q, missing %q", doc, want)
	}

	rec := env.messageRecord(t, "chats", "t1", res.AssistantMessageID)
	if got := recordStatus(rec); got != statusComplete {
		t.Fatalf("terminal status = %q", got)
	}
	if cards := env.hub.publishedOfType(models.EventCard); len(cards) != 1 {
		t.Fatalf("published %d cards, want 1", len(cards))
	}
}

func TestUpdateContextRejectedLeavesDocumentAlone(t *testing.T) {
	env := newEnv(t)
	env.initSession(t, models.ModeGeneral)
	env.contexts.docs[docKey("acme", "accounting", "apbookeeper")] = "original"

	env.provider.responses = [][]agent.CompletionChunk{
		toolTurn("c1", agent.ToolUpdateContext, updateContextInput),
		textTurn("Understood, leaving the context as it is."),
	}
	env.answerNextCard(t, "reject")

	if _, err := env.m.SendMessage(context.Background(), "u1", "acme", "t1", "update it", models.ModeGeneral, "", ""); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	env.waitIdle(t)

	if doc := env.contexts.get("acme", "accounting", "apbookeeper"); doc != "original" {
		t.Fatalf("rejected proposal changed the document to %q", doc)
	}
}

func TestCreateTaskSavedAfterApproval(t *testing.T) {
	env := newEnv(t)
	env.initSession(t, models.ModeGeneral)

	env.provider.responses = [][]agent.CompletionChunk{
		toolTurn("c1", agent.ToolCreateTask, `{
			"title": "Weekly reconciliation",
			"description": "Reconcile bank statements against the ledger.",
			"cron_spec": "0 9 * * MON",
			"execution_plan": "1. Pull statements. 2. Match entries."
		}`),
		textTurn("Scheduled for Mondays at 09:00."),
	}
	env.answerNextCard(t, "approve")

	if _, err := env.m.SendMessage(context.Background(), "u1", "acme", "t1", "schedule it", models.ModeGeneral, "", ""); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	env.waitIdle(t)

	saved := env.tasks.savedTasks()
	if len(saved) != 1 {
		t.Fatalf("saved %d tasks, want 1", len(saved))
	}
	task := saved[0]
	if task.TaskID == "" || task.CronSpec != "0 9 * * MON" {
		t.Fatalf("saved task = %+v", task)
	}
	if task.UserID != "u1" || task.TenantID != "acme" {
		t.Fatalf("task identity = %s/%s", task.UserID, task.TenantID)
	}
	if task.MandatePath != "mandates/acme" {
		t.Fatalf("MandatePath = %q", task.MandatePath)
	}
	if task.Mission.Title != "Weekly reconciliation" {
		t.Fatalf("Mission = %+v", task.Mission)
	}
}

func TestCreateTaskRejectedIsNotSaved(t *testing.T) {
	env := newEnv(t)
	env.initSession(t, models.ModeGeneral)

	env.provider.responses = [][]agent.CompletionChunk{
		toolTurn("c1", agent.ToolCreateTask, `{"title": "Nightly export", "cron_spec": "0 2 * * *"}`),
		textTurn("Not scheduling it then."),
	}
	env.answerNextCard(t, "reject")

	if _, err := env.m.SendMessage(context.Background(), "u1", "acme", "t1", "export nightly", models.ModeGeneral, "", ""); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	env.waitIdle(t)

	if saved := env.tasks.savedTasks(); len(saved) != 0 {
		t.Fatalf("rejected task was saved: %+v", saved)
	}
}

func TestCreateTaskInvalidCronNeverReachesApproval(t *testing.T) {
	env := newEnv(t)
	env.initSession(t, models.ModeGeneral)

	env.provider.responses = [][]agent.CompletionChunk{
		toolTurn("c1", agent.ToolCreateTask, `{"title": "Broken", "cron_spec": "not a cron"}`),
		textTurn("That schedule is not valid."),
	}

	if _, err := env.m.SendMessage(context.Background(), "u1", "acme", "t1", "schedule", models.ModeGeneral, "", ""); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	env.waitIdle(t)

	if saved := env.tasks.savedTasks(); len(saved) != 0 {
		t.Fatalf("invalid cron was saved: %+v", saved)
	}
	if cards := env.hub.publishedOfType(models.EventCard); len(cards) != 0 {
		t.Fatalf("invalid cron raised %d approval cards", len(cards))
	}
}

func TestGetCompanyJobsFiltersByDepartment(t *testing.T) {
	env := newEnv(t)
	env.profiles.jobs = []models.JobRecord{
		{JobID: "j1", Department: "finance", Title: "AP onboarding", Status: models.JobStatusRunning},
		{JobID: "j2", Department: "hr", Title: "Payroll setup", Status: "completed"},
	}
	env.initSession(t, models.ModeGeneral)
	env.session(t).EnterChat("t1")

	env.provider.responses = [][]agent.CompletionChunk{
		toolTurn("c1", toolGetCompanyJobs, `{"department": "finance"}`),
		textTurn("One finance job is running."),
	}

	if _, err := env.m.SendMessage(context.Background(), "u1", "acme", "t1", "what runs in finance?", models.ModeGeneral, "", ""); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	env.waitIdle(t)

	if errs := env.hub.broadcastOfType(models.EventToolUseError); len(errs) != 0 {
		t.Fatalf("tool errors: %+v", errs)
	}
	if done := env.hub.broadcastOfType(models.EventToolUseComplete); len(done) != 1 {
		t.Fatalf("tool completions = %d, want 1", len(done))
	}
}

func TestSubmitWaitingResponseWritesToWorkerChannel(t *testing.T) {
	env := newEnv(t)
	env.initSession(t, models.ModeOnboarding)
	sess := env.session(t)
	sess.EnterChat("t1")

	brain := env.m.newBrain(sess, "t1", models.ModeOnboarding)
	sess.PutBrain("t1", brain)
	if _, err := env.engine.Install(sess, "t1", "job-1"); err != nil {
		t.Fatalf("Install: %v", err)
	}

	env.provider.responses = [][]agent.CompletionChunk{
		toolTurn("c1", agent.ToolSubmitWaitingRsp, `{
			"response_to_application": "The IBAN is CH93 0076 2011 6238 5295 7.",
			"user_summary": "Provided the company IBAN."
		}`),
		textTurn("I passed the IBAN to the onboarding job."),
	}

	if _, err := env.m.SendMessage(context.Background(), "u1", "acme", "t1", "the IBAN is CH93...", models.ModeOnboarding, "", ""); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	env.waitIdle(t)

	v, err := env.store.Get(context.Background(), rtdb.JobChatPath("acme", "job-1"))
	if err != nil {
		t.Fatalf("get job chat: %v", err)
	}
	records, ok := v.(map[string]any)
	if !ok || len(records) == 0 {
		t.Fatal("waiting response did not reach the worker channel")
	}
	if errs := env.hub.broadcastOfType(models.EventToolUseError); len(errs) != 0 {
		t.Fatalf("tool errors: %+v", errs)
	}
}
