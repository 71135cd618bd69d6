package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pinnokio/brain/internal/agent"
	"github.com/pinnokio/brain/pkg/models"
)

// TaskStore persists scheduled task definitions and their execution
// reports. The scheduler package provides the RTDB-backed implementation.
type TaskStore interface {
	SaveTask(ctx context.Context, task models.ScheduledTask) error
	SaveReport(ctx context.Context, taskID, executionID string, report models.ExecutionReport) error
}

// RunNowExecutionID marks an ad-hoc run whose report is not persisted.
const RunNowExecutionID = "NOW"

// schedulerClientUUID is the synthetic client identity headless
// scheduler-driven initialization presents to the session registry.
const schedulerClientUUID = "scheduler"

// TaskThreadKey names the synthetic thread a task executes on.
func TaskThreadKey(taskID string) string { return taskThreadPrefix + taskID }

// ExecuteScheduledTask runs one task execution to completion on its own
// synthetic thread and returns the derived report. The scheduler calls it
// once per firing; CREATE_TASK's run_now path calls it ad hoc. Output
// streams over the WS only when the user happens to be connected; the
// transcript lands in RTDB either way.
func (m *Manager) ExecuteScheduledTask(ctx context.Context, task models.ScheduledTask, executionID string) (models.ExecutionReport, error) {
	if executionID == "" {
		executionID = uuid.NewString()
	}
	threadKey := TaskThreadKey(task.TaskID)

	sess, _, err := m.registry.EnsureInitialized(ctx, task.UserID, task.TenantID, schedulerClientUUID, models.ModeTask)
	if err != nil {
		return models.ExecutionReport{}, fmt.Errorf("initialize session: %w", err)
	}

	runCtx, done, err := m.controller.Register(ctx, streamSessionKey(task.UserID, task.TenantID), threadKey)
	if err != nil {
		return models.ExecutionReport{}, err
	}
	defer done()

	// Each execution starts from a clean brain; prior runs reach the
	// model only through the last report.
	lock := sess.BrainLock(threadKey)
	lock.Lock()
	brain := m.newBrain(sess, threadKey, models.ModeTask)
	sess.PutBrain(threadKey, brain)
	lock.Unlock()
	m.metrics.BrainCreated()

	mandate := task.MandatePath
	if mandate == "" {
		if uc := sess.UserContext(); uc != nil {
			mandate = uc.MandatePath
		}
	}
	started := time.Now().UTC()
	data := &models.TaskData{
		TaskID:              task.TaskID,
		ExecutionID:         executionID,
		Mission:             task.Mission,
		MandatePath:         mandate,
		ExecutionPlan:       task.Plan,
		LastExecutionReport: task.LastReport,
		Persist:             executionID != RunNowExecutionID,
		StartedAt:           started,
	}
	brain.BindTask(data)
	defer brain.BindTask(nil)

	streaming := m.hub.IsUserConnected(task.UserID)
	messageID := uuid.NewString()
	rec := m.newRecorder(task.TenantID, models.ModeTask, threadKey, messageID)
	if err := rec.Placeholder(ctx, placeholderStatus(streaming)); err != nil {
		return models.ExecutionReport{}, fmt.Errorf("write placeholder: %w", err)
	}

	m.metrics.StreamStarted(string(models.ModeTask))
	res, runErr := m.workflow.Run(runCtx, agent.RunInput{
		Brain:              brain,
		Content:            "Begin the scheduled task execution now.",
		AssistantMessageID: messageID,
		EnableStreaming:    streaming,
		Sink:               m.newSink(task.UserID, task.TenantID, threadKey),
		Recorder:           rec,
	})
	runStatus := "completed"
	switch {
	case res != nil && res.Interrupted:
		runStatus = "interrupted"
	case runErr != nil:
		runStatus = "error"
	}
	m.metrics.StreamFinished(string(models.ModeTask), runStatus, time.Since(started).Seconds())

	report := deriveReport(data, res, time.Since(started), runErr)
	if data.Persist && m.tasks != nil {
		// Terminal persistence survives a cancelled run context.
		if err := m.tasks.SaveReport(context.WithoutCancel(ctx), task.TaskID, executionID, report); err != nil {
			m.logger.Error("save execution report",
				"task_id", task.TaskID, "execution_id", executionID, "error", err)
		}
	}
	m.metrics.RecordScheduledRun(string(report.Status))
	m.logger.Info("task execution finished",
		"task_id", task.TaskID,
		"execution_id", executionID,
		"status", string(report.Status),
		"steps_completed", report.StepsCompleted,
		"steps_total", report.StepsTotal,
		"turns", reportTurns(res))
	return report, runErr
}

func reportTurns(res *agent.RunResult) int {
	if res == nil {
		return 0
	}
	return res.Turns
}

// deriveReport folds the checklist and the TERMINATE_TASK arguments into
// the final execution report. Checklist evidence outranks the model's
// claimed status: a reported "completed" with unfinished steps is partial.
func deriveReport(data *models.TaskData, res *agent.RunResult, dur time.Duration, runErr error) models.ExecutionReport {
	report := models.ExecutionReport{
		Duration:   dur,
		Conclusion: data.Conclusion,
		FinishedAt: time.Now().UTC(),
	}

	var failures []string
	if list := data.Checklist; list != nil {
		report.StepsTotal = len(list.Steps)
		report.StepsCompleted = list.Completed()
		for _, s := range list.Steps {
			if s.Status == models.StepFailed {
				failures = append(failures, fmt.Sprintf("%s: %s", s.Title, s.Detail))
			}
		}
	}
	if runErr != nil {
		failures = append(failures, runErr.Error())
	}
	report.Errors = failures

	switch {
	case runErr != nil:
		report.Status = models.ExecutionFailed
	case data.ReportedStatus == string(models.ExecutionFailed):
		report.Status = models.ExecutionFailed
	case data.ReportedStatus == string(models.ExecutionPartial):
		report.Status = models.ExecutionPartial
	case report.StepsTotal > 0 && report.StepsCompleted == report.StepsTotal && len(failures) == 0:
		report.Status = models.ExecutionCompleted
	case report.StepsTotal > 0 && report.StepsCompleted > 0:
		report.Status = models.ExecutionPartial
	case report.StepsTotal > 0:
		report.Status = models.ExecutionFailed
	case res != nil && res.MissionCompleted:
		report.Status = models.ExecutionCompleted
	default:
		report.Status = models.ExecutionPartial
	}

	if report.Conclusion == "" && res != nil {
		report.Conclusion = agent.TruncatePreview(res.Text, 500)
	}
	return report
}
