package manager

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/pinnokio/brain/internal/agent"
)

// ErrStreamStopped is the cancellation cause set by stop_streaming; the
// workflow surfaces it from the interrupted run.
var ErrStreamStopped = errors.New("streaming stopped by user")

// StreamController holds the per-thread task map behind the
// one-stream-per-thread invariant. Registration fails while a prior
// stream on the same (session, thread) is still live; a new stream may
// start only after the old one's done func has run.
type StreamController struct {
	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
}

// NewStreamController builds an empty controller.
func NewStreamController() *StreamController {
	return &StreamController{active: make(map[string]context.CancelCauseFunc)}
}

func streamKey(sessionKey, threadKey string) string {
	return sessionKey + "|" + threadKey
}

// Register reserves the thread for one workflow run. The returned context
// is cancelled by Cancel or CancelAll; the done func releases the
// reservation and must be called on every exit path.
func (c *StreamController) Register(parent context.Context, sessionKey, threadKey string) (context.Context, func(), error) {
	key := streamKey(sessionKey, threadKey)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.active[key]; exists {
		return nil, nil, agent.ErrStreamActive
	}

	ctx, cancel := context.WithCancelCause(parent)
	c.active[key] = cancel

	var once sync.Once
	done := func() {
		once.Do(func() {
			cancel(nil)
			c.mu.Lock()
			delete(c.active, key)
			c.mu.Unlock()
		})
	}
	return ctx, done, nil
}

// Cancel stops the stream on one thread, or on every thread of the
// session when threadKey is empty, and reports how many it cancelled.
// Entries stay in the map until their done func runs, so a registration
// racing the cancelled run still fails until the run has unwound.
func (c *StreamController) Cancel(sessionKey, threadKey string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if threadKey != "" {
		if cancel, ok := c.active[streamKey(sessionKey, threadKey)]; ok {
			cancel(ErrStreamStopped)
			return 1
		}
		return 0
	}

	prefix := sessionKey + "|"
	n := 0
	for key, cancel := range c.active {
		if strings.HasPrefix(key, prefix) {
			cancel(ErrStreamStopped)
			n++
		}
	}
	return n
}

// CancelAll stops every registered stream; used on shutdown.
func (c *StreamController) CancelAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, cancel := range c.active {
		cancel(ErrStreamStopped)
		n++
	}
	return n
}

// Active reports whether a stream is registered for the thread.
func (c *StreamController) Active(sessionKey, threadKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[streamKey(sessionKey, threadKey)]
	return ok
}

// Count reports the number of live streams.
func (c *StreamController) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}
