package gateway

import "github.com/pinnokio/brain/pkg/models"

// legacyEventTypes maps event names emitted by older worker and brain
// builds to the canonical names clients consume. Unknown types pass
// through untouched.
var legacyEventTypes = map[models.EventType]models.EventType{
	"llm_stream_start":    models.EventStreamStart,
	"llm_stream_chunk":    models.EventStreamDelta,
	"llm_stream_complete": models.EventStreamEnd,
	"llm_error":           models.EventLLMError,
	"tool_use_start":      models.EventToolUseStart,
	"tool_use_progress":   models.EventToolUseProgress,
	"tool_use_complete":   models.EventToolUseComplete,
	"tool_use_error":      models.EventToolUseError,
}

// NormalizeEvent rewrites a legacy event type to its canonical form. It is
// idempotent: canonical types are not present in the legacy table and pass
// through unchanged.
func NormalizeEvent(event models.Event) models.Event {
	if canonical, ok := legacyEventTypes[event.Type]; ok {
		event.Type = canonical
	}
	return event
}
