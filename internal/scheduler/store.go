// Package scheduler fires stored task definitions on their cron
// schedules and hands each firing to the manager for execution. Task
// definitions live in the realtime database so CREATE_TASK registrations
// become visible to a running scheduler without a restart.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pinnokio/brain/internal/rtdb"
	"github.com/pinnokio/brain/pkg/models"
)

// RTDBTaskStore persists scheduled task definitions and execution reports
// in the realtime database, one node per task with reports nested under
// it. It backs both the manager's TaskStore port and the scheduler's
// task source.
type RTDBTaskStore struct {
	store rtdb.Client
}

// NewRTDBTaskStore wraps an RTDB client as a task store.
func NewRTDBTaskStore(store rtdb.Client) *RTDBTaskStore {
	return &RTDBTaskStore{store: store}
}

var _ TaskSource = (*RTDBTaskStore)(nil)

// SaveTask writes the task definition. The write merges into the task
// node so accumulated execution reports survive a definition update.
func (s *RTDBTaskStore) SaveTask(ctx context.Context, task models.ScheduledTask) error {
	if task.TaskID == "" {
		return fmt.Errorf("save task: missing task id")
	}
	record, err := encodeRecord(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.TaskID, err)
	}
	// The merge write would otherwise never clear a previously set flag.
	record["disabled"] = task.Disabled
	record["updated_at"] = time.Now().UTC().Format(time.RFC3339)
	if err := s.store.Update(ctx, rtdb.ScheduledTaskPath(task.TaskID), record); err != nil {
		return fmt.Errorf("save task %s: %w", task.TaskID, err)
	}
	return nil
}

// SaveReport stores one execution report under the task and folds a
// compact summary into the definition's last_report field, where the next
// execution's prompt picks it up.
func (s *RTDBTaskStore) SaveReport(ctx context.Context, taskID, executionID string, report models.ExecutionReport) error {
	if taskID == "" || executionID == "" {
		return fmt.Errorf("save report: missing task or execution id")
	}
	record := map[string]any{
		"status":           string(report.Status),
		"steps_completed":  report.StepsCompleted,
		"steps_total":      report.StepsTotal,
		"duration_seconds": report.Duration.Seconds(),
		"finished_at":      report.FinishedAt.Format(time.RFC3339),
	}
	if report.Conclusion != "" {
		record["conclusion"] = report.Conclusion
	}
	if len(report.Errors) > 0 {
		errs := make([]any, len(report.Errors))
		for i, e := range report.Errors {
			errs[i] = e
		}
		record["errors"] = errs
	}
	if err := s.store.Set(ctx, rtdb.TaskReportPath(taskID, executionID), record); err != nil {
		return fmt.Errorf("save report %s/%s: %w", taskID, executionID, err)
	}
	patch := map[string]any{
		"last_report":       reportSummary(report),
		"last_execution_id": executionID,
		"last_run_at":       report.FinishedAt.Format(time.RFC3339),
	}
	if err := s.store.Update(ctx, rtdb.ScheduledTaskPath(taskID), patch); err != nil {
		return fmt.Errorf("update task %s after report: %w", taskID, err)
	}
	return nil
}

// LoadTasks returns every stored task definition, ordered by task ID.
// Children that do not decode as tasks are skipped.
func (s *RTDBTaskStore) LoadTasks(ctx context.Context) ([]models.ScheduledTask, error) {
	raw, err := s.store.Get(ctx, rtdb.ScheduledTasksPath())
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	node, ok := raw.(map[string]any)
	if !ok || len(node) == 0 {
		return nil, nil
	}

	tasks := make([]models.ScheduledTask, 0, len(node))
	for key, child := range node {
		obj, ok := child.(map[string]any)
		if !ok {
			continue
		}
		var task models.ScheduledTask
		if err := decodeRecord(obj, &task); err != nil {
			continue
		}
		if task.TaskID == "" {
			task.TaskID = key
		}
		if task.CronSpec == "" {
			continue
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].TaskID < tasks[j].TaskID })
	return tasks, nil
}

// reportSummary renders a report as the one-paragraph digest the next
// execution receives as context.
func reportSummary(report models.ExecutionReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", report.FinishedAt.Format(time.RFC3339), report.Status)
	if report.StepsTotal > 0 {
		fmt.Fprintf(&b, ", %d/%d steps", report.StepsCompleted, report.StepsTotal)
	}
	if len(report.Errors) > 0 {
		fmt.Fprintf(&b, "; errors: %s", strings.Join(report.Errors, "; "))
	}
	if report.Conclusion != "" {
		b.WriteString("\n")
		b.WriteString(report.Conclusion)
	}
	return b.String()
}

// encodeRecord converts a struct to the RTDB value family through its
// JSON tags.
func encodeRecord(v any) (map[string]any, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var record map[string]any
	if err := json.Unmarshal(buf, &record); err != nil {
		return nil, err
	}
	return record, nil
}

// decodeRecord converts an RTDB node back into a struct through its
// JSON tags.
func decodeRecord(node map[string]any, v any) error {
	buf, err := json.Marshal(node)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, v)
}
