package manager

import (
	"context"
	"log/slog"

	"github.com/pinnokio/brain/internal/agent"
	"github.com/pinnokio/brain/internal/rtdb"
	"github.com/pinnokio/brain/pkg/models"
)

// Assistant message lifecycle statuses stored in record metadata.
const (
	statusStreaming   = "streaming"
	statusThinking    = "thinking"
	statusComplete    = "complete"
	statusInterrupted = "interrupted"
	statusError       = "error"
)

// messageRecorder writes one assistant message's RTDB lifecycle: an empty
// placeholder before the workflow starts, then exactly one terminal state
// (complete, interrupted, or error).
type messageRecorder struct {
	store  rtdb.Client
	path   string
	id     string
	sender string
	logger *slog.Logger
}

func (m *Manager) newRecorder(tenantID string, mode models.ChatMode, threadKey, messageID string) *messageRecorder {
	return &messageRecorder{
		store:  m.store,
		path:   rtdb.MessagePath(tenantID, mode.Container(), threadKey, messageID),
		id:     messageID,
		sender: m.assistantSender,
		logger: m.logger,
	}
}

// Placeholder writes the empty record the client watches while the
// workflow runs. status is streaming when the user sees deltas live,
// thinking when the run is headless.
func (r *messageRecorder) Placeholder(ctx context.Context, status string) error {
	record := models.AssistantRecord(r.id, "", r.sender, map[string]any{
		"status":             status,
		"streaming_progress": 0,
	})
	return r.store.Set(ctx, r.path, record)
}

// Finalize writes the completed message and its terminal metadata.
func (r *messageRecorder) Finalize(ctx context.Context, text string, meta agent.RunMeta) error {
	return r.store.Update(ctx, r.path, map[string]any{
		"content":   models.WrapArgumentText(text),
		"timestamp": models.NowTimestamp(),
		"metadata": map[string]any{
			"status":             statusComplete,
			"streaming_progress": 1,
			"turns":              meta.Turns,
			"mission_completed":  meta.MissionCompleted,
			"summarized":         meta.Summarized,
			"completed_at":       models.NowTimestamp(),
		},
	})
}

// Interrupt preserves whatever text accumulated before cancellation.
func (r *messageRecorder) Interrupt(ctx context.Context, text string) error {
	return r.store.Update(ctx, r.path, map[string]any{
		"content": models.WrapArgumentText(text),
		"metadata": map[string]any{
			"status":         statusInterrupted,
			"interrupted_at": models.NowTimestamp(),
		},
	})
}

// Fail marks the message errored; the client renders the failure in place
// of the reply.
func (r *messageRecorder) Fail(ctx context.Context, failure error) error {
	return r.store.Update(ctx, r.path, map[string]any{
		"metadata": map[string]any{
			"status":   statusError,
			"error":    failure.Error(),
			"error_at": models.NowTimestamp(),
		},
	})
}
