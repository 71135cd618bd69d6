package manager

import (
	"github.com/pinnokio/brain/pkg/models"
)

// Broadcaster is the slice of the websocket hub the manager needs: fan-out
// to one user's connections and a presence probe for streaming decisions.
type Broadcaster interface {
	Broadcast(userID string, event models.Event)
	IsUserConnected(userID string) bool
}

// hubSink adapts the hub to the workflow's StreamSink: every event is
// stamped with the thread channel and fanned out to the user.
type hubSink struct {
	hub     Broadcaster
	userID  string
	channel string
}

func (m *Manager) newSink(userID, tenantID, threadKey string) *hubSink {
	return &hubSink{
		hub:     m.hub,
		userID:  userID,
		channel: models.ChatChannel(userID, tenantID, threadKey),
	}
}

func (s *hubSink) Event(t models.EventType, payload map[string]any) {
	s.hub.Broadcast(s.userID, models.Event{Type: t, Channel: s.channel, Payload: payload})
}
