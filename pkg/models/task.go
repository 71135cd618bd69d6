package models

import (
	"time"
)

// StepStatus tracks a checklist step through a task execution.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// ChecklistStep is one unit of work in a task execution plan.
type ChecklistStep struct {
	ID     string     `json:"id"`
	Title  string     `json:"title"`
	Status StepStatus `json:"status"`
	Detail string     `json:"detail,omitempty"`
}

// Checklist is the live progress record of a task execution.
type Checklist struct {
	Steps     []ChecklistStep `json:"steps"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Completed counts steps in the completed state.
func (c *Checklist) Completed() int {
	n := 0
	for _, s := range c.Steps {
		if s.Status == StepCompleted {
			n++
		}
	}
	return n
}

// Failed counts steps in the failed state.
func (c *Checklist) Failed() int {
	n := 0
	for _, s := range c.Steps {
		if s.Status == StepFailed {
			n++
		}
	}
	return n
}

// Mission describes what a scheduled task is meant to accomplish.
type Mission struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// TaskData binds a brain to a scheduled-task execution. Persist is false
// for ad-hoc (NOW) runs whose reports are not written back. Conclusion and
// ReportedStatus are filled by TERMINATE_TASK and folded into the final
// execution report.
type TaskData struct {
	TaskID              string     `json:"task_id"`
	ExecutionID         string     `json:"execution_id"`
	Mission             Mission    `json:"mission"`
	MandatePath         string     `json:"mandate_path,omitempty"`
	ExecutionPlan       string     `json:"execution_plan,omitempty"`
	LastExecutionReport string     `json:"last_execution_report,omitempty"`
	Persist             bool       `json:"persist"`
	Checklist           *Checklist `json:"checklist,omitempty"`
	Conclusion          string     `json:"conclusion,omitempty"`
	ReportedStatus      string     `json:"reported_status,omitempty"`
	StartedAt           time.Time  `json:"started_at"`
}

// ExecutionStatus summarizes a finished task execution.
type ExecutionStatus string

const (
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionPartial   ExecutionStatus = "partial"
	ExecutionFailed    ExecutionStatus = "failed"
)

// ExecutionReport is the final record of a task execution, derived from
// the checklist and the TERMINATE_TASK arguments.
type ExecutionReport struct {
	Status         ExecutionStatus `json:"status"`
	StepsCompleted int             `json:"steps_completed"`
	StepsTotal     int             `json:"steps_total"`
	Errors         []string        `json:"errors,omitempty"`
	Duration       time.Duration   `json:"duration"`
	Conclusion     string          `json:"conclusion,omitempty"`
	FinishedAt     time.Time       `json:"finished_at"`
}

// ScheduledTask is a stored task definition the scheduler fires.
type ScheduledTask struct {
	TaskID      string  `json:"task_id"`
	TenantID    string  `json:"tenant_id"`
	UserID      string  `json:"user_id"`
	Mission     Mission `json:"mission"`
	MandatePath string  `json:"mandate_path,omitempty"`
	CronSpec    string  `json:"cron_spec"`
	Timezone    string  `json:"timezone,omitempty"`
	Plan        string  `json:"plan,omitempty"`
	LastReport  string  `json:"last_report,omitempty"`
	Disabled    bool    `json:"disabled,omitempty"`
}
