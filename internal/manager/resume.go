package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/pinnokio/brain/internal/agent"
	"github.com/pinnokio/brain/pkg/models"
)

// WorkflowCallback is the payload a worker posts when a long-process task
// it was dispatched finishes. The result re-enters the thread's workflow
// as a continuation turn.
type WorkflowCallback struct {
	UserID     string          `json:"user_id"`
	TenantID   string          `json:"tenant_id"`
	ThreadKey  string          `json:"thread_key"`
	ClientUUID string          `json:"client_uuid,omitempty"`
	ChatMode   models.ChatMode `json:"chat_mode,omitempty"`

	// TaskName is the LPT the worker executed; StepID optionally names
	// the checklist step it concerned.
	TaskName string `json:"task_name"`
	StepID   string `json:"step_id,omitempty"`

	Response string         `json:"response"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// CallbackResult answers the callback HTTP request.
type CallbackResult struct {
	Success            bool   `json:"success"`
	AssistantMessageID string `json:"assistant_message_id,omitempty"`
}

// HandleWorkflowCallback resumes a thread's workflow with a worker result.
// The run is asynchronous: the worker gets its 200 as soon as the
// continuation is registered. A thread already streaming rejects the
// callback; workers retry with backoff.
func (m *Manager) HandleWorkflowCallback(ctx context.Context, cb WorkflowCallback) (CallbackResult, error) {
	if cb.UserID == "" || cb.TenantID == "" || cb.ThreadKey == "" {
		return CallbackResult{}, errors.New("user_id, tenant_id, and thread_key are required")
	}
	if strings.TrimSpace(cb.Response) == "" {
		return CallbackResult{}, errors.New("response is empty")
	}

	sess, _, err := m.registry.EnsureInitialized(ctx, cb.UserID, cb.TenantID, cb.ClientUUID, cb.ChatMode)
	if err != nil {
		return CallbackResult{}, fmt.Errorf("initialize session: %w", err)
	}
	brain, _, err := m.ensureBrain(ctx, sess, cb.ThreadKey, m.effectiveMode(sess, cb.ChatMode))
	if err != nil {
		return CallbackResult{}, err
	}

	runCtx, done, err := m.controller.Register(m.root, streamSessionKey(cb.UserID, cb.TenantID), cb.ThreadKey)
	if err != nil {
		return CallbackResult{}, err
	}

	messageID := uuid.NewString()
	streaming := sess.IsUserOnThread(cb.ThreadKey)
	rec := m.newRecorder(cb.TenantID, brain.Mode(), cb.ThreadKey, messageID)
	if err := rec.Placeholder(ctx, placeholderStatus(streaming)); err != nil {
		done()
		return CallbackResult{}, fmt.Errorf("write placeholder: %w", err)
	}
	if streaming {
		// The client reserves a message slot before chunks arrive.
		m.hub.Broadcast(cb.UserID, models.NewEvent(models.EventPlaceholder,
			models.ChatChannel(cb.UserID, cb.TenantID, cb.ThreadKey),
			map[string]any{"message_id": messageID}))
	}

	in := agent.RunInput{
		Brain:              brain,
		Content:            continuationContent(brain, cb),
		AssistantMessageID: messageID,
		EnableStreaming:    streaming,
		Sink:               m.newSink(cb.UserID, cb.TenantID, cb.ThreadKey),
		Recorder:           rec,
	}
	go m.runStream(runCtx, done, brain, in)

	m.logger.Info("workflow resumed by callback",
		"user_id", cb.UserID, "thread_key", cb.ThreadKey,
		"task_name", cb.TaskName, "streaming", streaming)
	return CallbackResult{Success: true, AssistantMessageID: messageID}, nil
}

// continuationContent phrases the worker result as the next user-side
// turn. Task executions are reminded to advance their checklist.
func continuationContent(brain *agent.Brain, cb WorkflowCallback) string {
	var sb strings.Builder
	name := cb.TaskName
	if name == "" {
		name = "background task"
	}
	fmt.Fprintf(&sb, "The background task %q finished. Result:\n%s", name, cb.Response)
	if len(cb.Payload) > 0 {
		fmt.Fprintf(&sb, "\n\nAdditional data: %v", cb.Payload)
	}

	if task := brain.Task(); task != nil && task.Checklist != nil {
		step := cb.StepID
		if step == "" {
			step = "the step this task concerned"
		}
		fmt.Fprintf(&sb, "\n\nRecord the outcome with UPDATE_STEP on %s, then continue the execution plan.", step)
	} else {
		sb.WriteString("\n\nContinue assisting the user with this outcome.")
	}
	return sb.String()
}
