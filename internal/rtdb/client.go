// Package rtdb defines the realtime-database port used for chat
// persistence and inter-service event channels, plus an in-memory
// implementation for tests and single-node runs.
//
// Paths are slash-separated strings addressing a hierarchical JSON tree,
// e.g. "acme/job_chats/job-1/messages". Values are the decoded-JSON
// family: nil, bool, float64, string, []any, map[string]any.
package rtdb

import (
	"context"
	"fmt"
)

// ChildEvent reports a child record created under a listened path.
type ChildEvent struct {
	Key   string
	Value any
}

// CancelFunc detaches a listener. Safe to call more than once.
type CancelFunc func()

// Client is the RTDB port. Production deployments inject their own driver;
// the core never sees transport details.
type Client interface {
	// Get returns the value at path, or nil when absent.
	Get(ctx context.Context, path string) (any, error)
	// Set writes value at path, replacing any existing subtree.
	Set(ctx context.Context, path string, value any) error
	// Update merges patch into the object at path, creating it if absent.
	Update(ctx context.Context, path string, patch map[string]any) error
	// Push stores value under a new chronologically ordered key beneath
	// path and returns the key.
	Push(ctx context.Context, path string, value any) (string, error)
	// Delete removes the subtree at path.
	Delete(ctx context.Context, path string) error
	// Listen subscribes fn to new direct children of path. Existing
	// children are not replayed; callers snapshot them with Get first.
	// Callbacks arrive sequentially on a dispatcher goroutine owned by
	// the client, never on the writer's goroutine.
	Listen(path string, fn func(ChildEvent)) (CancelFunc, error)
}

// ThreadMessagesPath addresses a thread's message container.
// Container is "active_chats" or "chats" depending on chat mode.
func ThreadMessagesPath(tenantID, container, threadKey string) string {
	return fmt.Sprintf("%s/%s/%s/messages", tenantID, container, threadKey)
}

// MessagePath addresses one message record in a thread container.
func MessagePath(tenantID, container, threadKey, messageID string) string {
	return fmt.Sprintf("%s/%s/%s/messages/%s", tenantID, container, threadKey, messageID)
}

// JobChatPath addresses a worker job's follow-up channel.
func JobChatPath(tenantID, jobID string) string {
	return fmt.Sprintf("%s/job_chats/%s/messages", tenantID, jobID)
}

// DirectNotifPath addresses a user's sidebar notification container.
func DirectNotifPath(userID string) string {
	return fmt.Sprintf("clients/%s/direct_message_notif", userID)
}

// ServiceContextPath addresses one editable tenant context document.
func ServiceContextPath(tenantID, contextType, serviceName string) string {
	return fmt.Sprintf("%s/service_contexts/%s/%s", tenantID, contextType, serviceName)
}

// UserProfilePath addresses the tenant metadata snapshot for a user.
func UserProfilePath(userID, tenantID string) string {
	return fmt.Sprintf("clients/%s/tenants/%s/profile", userID, tenantID)
}

// TenantJobsPath addresses a tenant's job records.
func TenantJobsPath(tenantID string) string {
	return fmt.Sprintf("%s/jobs", tenantID)
}

// ScheduledTasksPath addresses the stored task definitions container.
func ScheduledTasksPath() string {
	return "scheduled_tasks"
}

// ScheduledTaskPath addresses one stored task definition.
func ScheduledTaskPath(taskID string) string {
	return fmt.Sprintf("scheduled_tasks/%s", taskID)
}

// TaskReportPath addresses one execution report under a task definition.
func TaskReportPath(taskID, executionID string) string {
	return fmt.Sprintf("scheduled_tasks/%s/reports/%s", taskID, executionID)
}
