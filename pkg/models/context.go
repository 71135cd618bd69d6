package models

import (
	"time"
)

// UserContext is the tenant metadata a session resolves once at
// initialization and mutates only on explicit invalidation.
type UserContext struct {
	UserID        string            `json:"user_id"`
	TenantID      string            `json:"tenant_id"`
	ClientUUID    string            `json:"client_uuid"`
	MandatePath   string            `json:"mandate_path"`
	CompanyName   string            `json:"company_name"`
	Language      string            `json:"language,omitempty"`
	Timezone      string            `json:"timezone,omitempty"`
	DMSKind       string            `json:"dms_kind,omitempty"`
	ERPConfigs    map[string]any    `json:"erp_configs,omitempty"`
	ApprovalRules map[string]string `json:"approval_rules,omitempty"`
	LoadedAt      time.Time         `json:"loaded_at"`
}

// JobRecord is one backend worker job visible to a tenant.
type JobRecord struct {
	JobID      string `json:"job_id"`
	Department string `json:"department,omitempty"`
	Title      string `json:"title,omitempty"`
	Status     string `json:"status,omitempty"`
	ThreadKey  string `json:"thread_key,omitempty"`
}

// Job status values used by the intermediation reactivation gate.
const (
	JobStatusRunning = "running"
	JobStatusQueued  = "in queue"
)

// JobsMetrics aggregates per-department counters for the system prompt.
type JobsMetrics struct {
	Total        int            `json:"total"`
	ByDepartment map[string]int `json:"by_department,omitempty"`
	ByStatus     map[string]int `json:"by_status,omitempty"`
	RefreshedAt  time.Time      `json:"refreshed_at"`
}
