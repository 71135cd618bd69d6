package manager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/pinnokio/brain/internal/agent"
	"github.com/pinnokio/brain/internal/approvals"
	"github.com/pinnokio/brain/internal/sessions"
	"github.com/pinnokio/brain/pkg/models"
)

// ContextStore reads and writes the editable context documents a tenant
// owns (router, accounting, company), keyed by type and service name.
type ContextStore interface {
	ReadContext(ctx context.Context, tenantID, contextType, serviceName string) (string, error)
	WriteContext(ctx context.Context, tenantID, contextType, serviceName, content string) error
}

// DocumentAnalyzer answers a question about a document in the tenant's
// drive. Backed by a vision-capable provider in production; optional.
type DocumentAnalyzer interface {
	AnalyzeDocument(ctx context.Context, tenantID, fileID, question string) (string, error)
}

// Tool names beyond the meta set the workflow knows about.
const (
	toolGetCompanyJobs    = "GET_COMPANY_JOBS"
	toolGetServiceContext = "GET_SERVICE_CONTEXT"
	toolAnalyzeDocument   = "ANALYZE_DRIVE_DOCUMENT"
	toolLaunchOnboarding  = "LAUNCH_ONBOARDING_JOB"
)

// cronParser accepts standard five-field specs with an optional leading
// seconds field and @every / @daily descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// buildRegistries assembles the per-mode tool sets once at startup.
// Handlers are stateless closures over the Manager; the acting brain
// arrives with each invocation, so registries are shared across brains.
func (m *Manager) buildRegistries() map[models.ChatMode]*agent.Registry {
	common := func(r *agent.Registry) {
		r.MustRegister(agent.Tool{
			Name: agent.ToolTerminateTask,
			Description: "End the current run. In task execution this records your conclusion " +
				"and final status; in chat it simply closes the turn after your answer.",
			Kind: agent.KindMeta,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"conclusion": {"type": "string", "description": "Final summary shown to the user and stored on the execution report."},
					"status": {"type": "string", "enum": ["completed", "partial", "failed"]}
				},
				"required": ["conclusion"]
			}`),
			Handler: m.handleTerminateTask,
		})
		r.MustRegister(agent.Tool{
			Name: agent.ToolUpdateContext,
			Description: "Propose edits to a tenant context document. The edits are applied to a " +
				"working copy and shown to the user on an approval card; nothing is saved until " +
				"they approve. Blocks until the card is answered or times out.",
			Kind: agent.KindMeta,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"context_type": {"type": "string", "enum": ["router", "accounting", "company"]},
					"service_name": {"type": "string"},
					"operations": {
						"type": "array",
						"minItems": 1,
						"items": {
							"type": "object",
							"properties": {
								"section_type": {"type": "string", "enum": ["beg", "mid", "end"]},
								"operation": {"type": "string", "enum": ["add", "replace", "delete"]},
								"new_content": {"type": "string"},
								"old_content": {"type": "string"},
								"context": {"type": "string", "description": "Anchor line for mid-section operations."}
							},
							"required": ["section_type", "operation"]
						}
					}
				},
				"required": ["context_type", "service_name", "operations"]
			}`),
			Handler: m.handleUpdateContext,
		})
		r.MustRegister(agent.Tool{
			Name: agent.ToolCreateTask,
			Description: "Schedule a recurring task or start a one-off run. The schedule is shown " +
				"to the user on an approval card first. Provide cron_spec for recurring tasks, " +
				"run_now for an immediate execution, or both.",
			Kind: agent.KindMeta,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"title": {"type": "string"},
					"description": {"type": "string"},
					"cron_spec": {"type": "string", "description": "Standard cron, optional leading seconds field, or @every/@daily descriptors."},
					"timezone": {"type": "string", "description": "IANA zone; defaults to the tenant timezone."},
					"execution_plan": {"type": "string"},
					"run_now": {"type": "boolean"}
				},
				"required": ["title"]
			}`),
			Handler: m.handleCreateTask,
		})
		r.MustRegister(agent.Tool{
			Name: toolGetCompanyJobs,
			Description: "List the tenant's backend jobs, optionally filtered by department or " +
				"status. Returns job ids, titles, statuses, and thread keys.",
			Kind: agent.KindSPT,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"department": {"type": "string"},
					"status": {"type": "string"}
				}
			}`),
			Handler: m.handleGetCompanyJobs,
		})
		r.MustRegister(agent.Tool{
			Name:        toolGetServiceContext,
			Description: "Read a tenant context document (router, accounting, or company) for a service.",
			Kind:        agent.KindSPT,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"context_type": {"type": "string", "enum": ["router", "accounting", "company"]},
					"service_name": {"type": "string"}
				},
				"required": ["context_type", "service_name"]
			}`),
			Handler: m.handleGetServiceContext,
		})
		if m.analyzer != nil {
			r.MustRegister(agent.Tool{
				Name:        toolAnalyzeDocument,
				Description: "Ask a question about a document stored in the tenant's drive.",
				Kind:        agent.KindSPT,
				Schema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"file_id": {"type": "string"},
						"question": {"type": "string"}
					},
					"required": ["file_id", "question"]
				}`),
				Handler: m.handleAnalyzeDocument,
			})
		}
	}

	onboarding := func(r *agent.Registry) {
		r.MustRegister(agent.Tool{
			Name: agent.ToolSubmitWaitingRsp,
			Description: "Answer the waiting application on the user's behalf. The response goes " +
				"to the job channel; end it with TERMINATE when the exchange is settled.",
			Kind: agent.KindMeta,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"response_to_application": {"type": "string"},
					"user_summary": {"type": "string", "description": "Short summary of what was decided, kept in this thread's log."},
					"context_notes": {"type": "string"}
				},
				"required": ["response_to_application"]
			}`),
			Handler: m.handleSubmitWaitingResponse,
		})
	}

	launch := func(r *agent.Registry) {
		r.MustRegister(agent.Tool{
			Name: toolLaunchOnboarding,
			Description: "Launch the backend onboarding job for this thread. The job runs in the " +
				"background and reports back into this conversation.",
			Kind:    agent.KindLPT,
			Schema:  json.RawMessage(`{"type": "object", "properties": {"notes": {"type": "string"}}}`),
			Handler: m.handleLaunchOnboarding,
		})
	}

	task := func(r *agent.Registry) {
		r.MustRegister(agent.Tool{
			Name: agent.ToolCreateChecklist,
			Description: "Create the execution checklist for the active task. Call once, before " +
				"doing any work.",
			Kind: agent.KindMeta,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"steps": {
						"type": "array",
						"minItems": 1,
						"items": {
							"type": "object",
							"properties": {
								"title": {"type": "string"},
								"detail": {"type": "string"}
							},
							"required": ["title"]
						}
					}
				},
				"required": ["steps"]
			}`),
			Handler: m.handleCreateChecklist,
		})
		r.MustRegister(agent.Tool{
			Name:        agent.ToolUpdateStep,
			Description: "Record progress on one checklist step of the active task.",
			Kind:        agent.KindMeta,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"step_id": {"type": "string"},
					"status": {"type": "string", "enum": ["pending", "in_progress", "completed", "failed", "skipped"]},
					"detail": {"type": "string"}
				},
				"required": ["step_id", "status"]
			}`),
			Handler: m.handleUpdateStep,
		})
	}

	build := func(parts ...func(*agent.Registry)) *agent.Registry {
		r := agent.NewRegistry()
		for _, p := range parts {
			p(r)
		}
		return r
	}

	registries := map[models.ChatMode]*agent.Registry{
		models.ModeGeneral:    build(common, launch),
		models.ModeOnboarding: build(common, onboarding, launch),
		models.ModeTask:       build(common, task),
	}
	intermediated := build(common, onboarding)
	registries[models.ModeAPBookkeeper] = intermediated
	registries[models.ModeRouter] = intermediated
	registries[models.ModeBanker] = intermediated
	return registries
}

// sessionFor resolves the live session the acting brain belongs to.
func (m *Manager) sessionFor(brain *agent.Brain) (*sessions.Session, error) {
	sess, err := m.registry.Initialized(brain.UserID, brain.TenantID)
	if err != nil {
		return nil, fmt.Errorf("session for %s/%s: %w", brain.UserID, brain.TenantID, err)
	}
	return sess, nil
}

func (m *Manager) recordTool(name string, kind agent.ToolKind, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.metrics.RecordTool(name, string(kind), status, time.Since(start).Seconds())
}

// ---- meta tools ------------------------------------------------------------

func (m *Manager) handleTerminateTask(_ context.Context, inv *agent.Invocation) (any, error) {
	start := time.Now()
	conclusion, _ := inv.Input["conclusion"].(string)
	status, _ := inv.Input["status"].(string)
	if task := inv.Brain.Task(); task != nil {
		task.Conclusion = conclusion
		task.ReportedStatus = status
	}
	m.recordTool(agent.ToolTerminateTask, agent.KindMeta, start, nil)
	return map[string]any{"acknowledged": true}, nil
}

func (m *Manager) handleUpdateContext(ctx context.Context, inv *agent.Invocation) (out any, err error) {
	start := time.Now()
	defer func() { m.recordTool(agent.ToolUpdateContext, agent.KindMeta, start, err) }()

	if m.contexts == nil {
		return nil, errors.New("context store is not configured")
	}
	var in struct {
		ContextType string                   `json:"context_type"`
		ServiceName string                   `json:"service_name"`
		Operations  []agent.ContextOperation `json:"operations"`
	}
	if err := json.Unmarshal(inv.Call.Input, &in); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}

	brain := inv.Brain
	original, err := m.contexts.ReadContext(ctx, brain.TenantID, in.ContextType, in.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("read %s context: %w", in.ContextType, err)
	}

	updated, results := agent.ApplyContextOperations(original, in.Operations)
	applied := 0
	opsLog := make([]string, 0, len(results))
	for _, r := range results {
		if r.Applied {
			applied++
		}
		opsLog = append(opsLog, r.Summary)
	}

	sum := sha256.Sum256([]byte(original))
	proposal := &models.ApprovalProposal{
		ProposalID:    uuid.NewString(),
		ContextType:   models.ContextType(in.ContextType),
		ServiceName:   in.ServiceName,
		OriginalText:  original,
		OriginalHash:  hex.EncodeToString(sum[:8]),
		UpdatedText:   updated,
		OperationsLog: opsLog,
		Status:        models.ProposalPending,
		CreatedAt:     time.Now().UTC(),
	}
	brain.SetProposal(proposal)
	defer brain.ClearProposal()

	// Blocks here until the user answers the card or the broker times
	// out; the workflow turn only resumes with the decision in hand.
	result, err := m.approvals.RequestWithCard(ctx, approvals.Request{
		UserID:             brain.UserID,
		TenantID:           brain.TenantID,
		ThreadKey:          brain.ThreadKey,
		Mode:               brain.Mode(),
		Card:               approvals.NewTextModificationCard(proposal),
		AssistantMessageID: inv.Call.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("request approval: %w", err)
	}

	switch {
	case result.TimedOut:
		proposal.Status = models.ProposalRejected
		m.metrics.RecordApproval("timeout")
		return map[string]any{
			"status":  "timeout",
			"applied": false,
			"message": "the approval card expired before the user answered; nothing was changed",
		}, nil
	case !result.Approved:
		proposal.Status = models.ProposalRejected
		m.metrics.RecordApproval("rejected")
		rsp := map[string]any{"status": "rejected", "applied": false}
		if result.UserMessage != "" {
			rsp["user_message"] = result.UserMessage
		}
		return rsp, nil
	}

	proposal.Status = models.ProposalApproved
	m.metrics.RecordApproval("approved")
	if applied > 0 {
		if err := m.contexts.WriteContext(ctx, brain.TenantID, in.ContextType, in.ServiceName, updated); err != nil {
			return nil, fmt.Errorf("write %s context: %w", in.ContextType, err)
		}
	}
	rsp := map[string]any{
		"status":             "approved",
		"applied_operations": applied,
		"skipped_operations": len(results) - applied,
		"operations_log":     opsLog,
		"preview":            agent.TruncatePreview(updated, 600),
	}
	if result.UserMessage != "" {
		rsp["user_message"] = result.UserMessage
	}
	return rsp, nil
}

func (m *Manager) handleCreateTask(ctx context.Context, inv *agent.Invocation) (out any, err error) {
	start := time.Now()
	defer func() { m.recordTool(agent.ToolCreateTask, agent.KindMeta, start, err) }()

	if m.tasks == nil {
		return nil, errors.New("task store is not configured")
	}
	var in struct {
		Title         string `json:"title"`
		Description   string `json:"description"`
		CronSpec      string `json:"cron_spec"`
		Timezone      string `json:"timezone"`
		ExecutionPlan string `json:"execution_plan"`
		RunNow        bool   `json:"run_now"`
	}
	if err := json.Unmarshal(inv.Call.Input, &in); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	if in.CronSpec == "" && !in.RunNow {
		return nil, errors.New("either cron_spec or run_now is required")
	}
	if in.CronSpec != "" {
		if _, err := cronParser.Parse(in.CronSpec); err != nil {
			return nil, fmt.Errorf("invalid cron_spec %q: %w", in.CronSpec, err)
		}
	}

	brain := inv.Brain
	sess, err := m.sessionFor(brain)
	if err != nil {
		return nil, err
	}
	tz := in.Timezone
	if tz == "" {
		if uc := sess.UserContext(); uc != nil && uc.Timezone != "" {
			tz = uc.Timezone
		}
	}
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("unknown timezone %q", tz)
	}

	task := models.ScheduledTask{
		TaskID:   uuid.NewString(),
		TenantID: brain.TenantID,
		UserID:   brain.UserID,
		Mission:  models.Mission{Title: in.Title, Description: in.Description},
		CronSpec: in.CronSpec,
		Timezone: tz,
		Plan:     in.ExecutionPlan,
	}
	if uc := sess.UserContext(); uc != nil {
		task.MandatePath = uc.MandatePath
	}

	body := map[string]any{
		"mission":  in.Title,
		"timezone": tz,
		"run_now":  in.RunNow,
	}
	if in.CronSpec != "" {
		body["cron_spec"] = in.CronSpec
	}
	result, err := m.approvals.RequestWithCard(ctx, approvals.Request{
		UserID:             brain.UserID,
		TenantID:           brain.TenantID,
		ThreadKey:          brain.ThreadKey,
		Mode:               brain.Mode(),
		Card:               approvals.NewGenericApprovalCard("Schedule task: "+in.Title, body),
		AssistantMessageID: inv.Call.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("request approval: %w", err)
	}
	switch {
	case result.TimedOut:
		m.metrics.RecordApproval("timeout")
		return map[string]any{"status": "timeout", "scheduled": false}, nil
	case !result.Approved:
		m.metrics.RecordApproval("rejected")
		rsp := map[string]any{"status": "rejected", "scheduled": false}
		if result.UserMessage != "" {
			rsp["user_message"] = result.UserMessage
		}
		return rsp, nil
	}
	m.metrics.RecordApproval("approved")

	rsp := map[string]any{"task_id": task.TaskID, "timezone": tz}
	if in.CronSpec != "" {
		if err := m.tasks.SaveTask(ctx, task); err != nil {
			return nil, fmt.Errorf("save task: %w", err)
		}
		rsp["status"] = "scheduled"
		rsp["cron_spec"] = in.CronSpec
	} else {
		rsp["status"] = "started"
	}
	if in.RunNow {
		adhoc := task
		go func() {
			if _, err := m.ExecuteScheduledTask(m.root, adhoc, RunNowExecutionID); err != nil {
				m.logger.Error("ad-hoc task run failed", "task_id", adhoc.TaskID, "error", err)
			}
		}()
		rsp["run_now"] = true
	}
	return rsp, nil
}

func (m *Manager) handleSubmitWaitingResponse(ctx context.Context, inv *agent.Invocation) (out any, err error) {
	start := time.Now()
	defer func() { m.recordTool(agent.ToolSubmitWaitingRsp, agent.KindMeta, start, err) }()

	brain := inv.Brain
	sess, err := m.sessionFor(brain)
	if err != nil {
		return nil, err
	}
	response, _ := inv.Input["response_to_application"].(string)
	if strings.TrimSpace(response) == "" {
		return nil, errors.New("response_to_application is empty")
	}
	summary, _ := inv.Input["user_summary"].(string)
	notes, _ := inv.Input["context_notes"].(string)

	// The stashed waiting block is consumed regardless of outcome; the
	// worker will post a fresh one if it still needs an answer.
	brain.TakeWaitingEvent()

	id, err := m.listener.SubmitWaitingResponse(ctx, sess, brain.ThreadKey, response, summary, notes)
	if err != nil {
		return nil, fmt.Errorf("submit waiting response: %w", err)
	}
	return map[string]any{"submitted": true, "message_id": id}, nil
}

func (m *Manager) handleCreateChecklist(_ context.Context, inv *agent.Invocation) (out any, err error) {
	start := time.Now()
	defer func() { m.recordTool(agent.ToolCreateChecklist, agent.KindMeta, start, err) }()

	task := inv.Brain.Task()
	if task == nil {
		return nil, errors.New("no active task execution on this thread")
	}
	raw, _ := inv.Input["steps"].([]any)
	steps := make([]models.ChecklistStep, 0, len(raw))
	for i, item := range raw {
		obj, _ := item.(map[string]any)
		title, _ := obj["title"].(string)
		if strings.TrimSpace(title) == "" {
			continue
		}
		detail, _ := obj["detail"].(string)
		steps = append(steps, models.ChecklistStep{
			ID:     fmt.Sprintf("step_%d", i+1),
			Title:  title,
			Status: models.StepPending,
			Detail: detail,
		})
	}
	if len(steps) == 0 {
		return nil, errors.New("steps must contain at least one titled step")
	}
	now := time.Now().UTC()
	task.Checklist = &models.Checklist{Steps: steps, CreatedAt: now, UpdatedAt: now}

	m.broadcastTaskEvent(inv.Brain, models.EventWorkflowChecklist, map[string]any{
		"task_id":      task.TaskID,
		"execution_id": task.ExecutionID,
		"steps":        steps,
	})
	return map[string]any{"created_steps": len(steps)}, nil
}

func (m *Manager) handleUpdateStep(_ context.Context, inv *agent.Invocation) (out any, err error) {
	start := time.Now()
	defer func() { m.recordTool(agent.ToolUpdateStep, agent.KindMeta, start, err) }()

	task := inv.Brain.Task()
	if task == nil || task.Checklist == nil {
		return nil, errors.New("no checklist on this thread; call CREATE_CHECKLIST first")
	}
	stepID, _ := inv.Input["step_id"].(string)
	status, _ := inv.Input["status"].(string)
	detail, _ := inv.Input["detail"].(string)

	list := task.Checklist
	idx := -1
	for i := range list.Steps {
		if list.Steps[i].ID == stepID || strings.EqualFold(list.Steps[i].Title, stepID) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("unknown step %q", stepID)
	}
	list.Steps[idx].Status = models.StepStatus(status)
	if detail != "" {
		list.Steps[idx].Detail = detail
	}
	list.UpdatedAt = time.Now().UTC()

	remaining := 0
	for _, s := range list.Steps {
		if s.Status == models.StepPending || s.Status == models.StepInProgress {
			remaining++
		}
	}
	m.broadcastTaskEvent(inv.Brain, models.EventWorkflowStepUpdate, map[string]any{
		"task_id":      task.TaskID,
		"execution_id": task.ExecutionID,
		"step":         list.Steps[idx],
		"remaining":    remaining,
	})
	return map[string]any{"updated": true, "remaining_steps": remaining}, nil
}

// broadcastTaskEvent pushes checklist progress to the thread channel. The
// hub buffers it when the user is offline.
func (m *Manager) broadcastTaskEvent(brain *agent.Brain, t models.EventType, payload map[string]any) {
	channel := models.ChatChannel(brain.UserID, brain.TenantID, brain.ThreadKey)
	m.hub.Broadcast(brain.UserID, models.NewEvent(t, channel, payload))
}

// ---- short-process tools ---------------------------------------------------

func (m *Manager) handleGetCompanyJobs(_ context.Context, inv *agent.Invocation) (out any, err error) {
	start := time.Now()
	defer func() { m.recordTool(toolGetCompanyJobs, agent.KindSPT, start, err) }()

	sess, err := m.sessionFor(inv.Brain)
	if err != nil {
		return nil, err
	}
	department, _ := inv.Input["department"].(string)
	status, _ := inv.Input["status"].(string)

	jobs, jm := sess.Jobs()
	filtered := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		if department != "" && !strings.EqualFold(j.Department, department) {
			continue
		}
		if status != "" && !strings.EqualFold(j.Status, status) {
			continue
		}
		filtered = append(filtered, map[string]any{
			"job_id":     j.JobID,
			"department": j.Department,
			"title":      j.Title,
			"status":     j.Status,
			"thread_key": j.ThreadKey,
		})
	}
	return map[string]any{
		"total":         len(filtered),
		"jobs":          filtered,
		"by_department": jm.ByDepartment,
	}, nil
}

func (m *Manager) handleGetServiceContext(ctx context.Context, inv *agent.Invocation) (out any, err error) {
	start := time.Now()
	defer func() { m.recordTool(toolGetServiceContext, agent.KindSPT, start, err) }()

	if m.contexts == nil {
		return nil, errors.New("context store is not configured")
	}
	contextType, _ := inv.Input["context_type"].(string)
	serviceName, _ := inv.Input["service_name"].(string)

	content, err := m.contexts.ReadContext(ctx, inv.Brain.TenantID, contextType, serviceName)
	if err != nil {
		return nil, fmt.Errorf("read %s context: %w", contextType, err)
	}
	return map[string]any{"content": content, "length": len(content)}, nil
}

func (m *Manager) handleAnalyzeDocument(ctx context.Context, inv *agent.Invocation) (out any, err error) {
	start := time.Now()
	defer func() { m.recordTool(toolAnalyzeDocument, agent.KindSPT, start, err) }()

	if m.analyzer == nil {
		return nil, errors.New("document analyzer is not configured")
	}
	fileID, _ := inv.Input["file_id"].(string)
	question, _ := inv.Input["question"].(string)

	answer, err := m.analyzer.AnalyzeDocument(ctx, inv.Brain.TenantID, fileID, question)
	if err != nil {
		return nil, fmt.Errorf("analyze document %s: %w", fileID, err)
	}
	return map[string]any{"answer": answer}, nil
}

// ---- long-process tools ----------------------------------------------------

func (m *Manager) handleLaunchOnboarding(ctx context.Context, inv *agent.Invocation) (out any, err error) {
	start := time.Now()
	defer func() { m.recordTool(toolLaunchOnboarding, agent.KindLPT, start, err) }()

	if m.worker == nil {
		return nil, errors.New("worker client is not configured")
	}
	brain := inv.Brain
	sess, err := m.sessionFor(brain)
	if err != nil {
		return nil, err
	}
	mandate := ""
	if uc := sess.UserContext(); uc != nil {
		mandate = uc.MandatePath
	}

	res, err := m.worker.LaunchOnboardingJob(ctx, LaunchRequest{
		UserID:      brain.UserID,
		TenantID:    brain.TenantID,
		ThreadKey:   brain.ThreadKey,
		MandatePath: mandate,
	})
	if err != nil {
		return nil, fmt.Errorf("launch onboarding job: %w", err)
	}
	m.attachJobListener(ctx, sess, brain.ThreadKey, res.JobID)
	return map[string]any{"job_id": res.JobID, "status": res.Status, "queued": true}, nil
}
