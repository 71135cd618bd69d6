// Package listener subscribes threads to worker job channels and drives
// the intermediation state machine: worker records are replayed into the
// brain's system log, forwarded to the UI, or flipped into a mode where
// the worker talks to the user directly, bypassing the model.
//
// One Listener exists per (session, thread); the Engine owns all behavior
// and the Listener only carries subscription state. Every callback runs on
// the session's loop, which serializes intermediation transitions.
package listener

import (
	"strings"
	"sync"

	"github.com/pinnokio/brain/internal/rtdb"
)

// Listener is one thread's live subscription to a worker job channel. It
// satisfies sessions.ListenerHandle; sessions stop it on flush/teardown.
type Listener struct {
	threadKey string
	jobID     string

	mu      sync.Mutex
	cancel  rtdb.CancelFunc
	entries []string
	stopped bool

	processed *processedSet
}

func newListener(threadKey, jobID string) *Listener {
	return &Listener{
		threadKey: threadKey,
		jobID:     jobID,
		processed: newProcessedSet(0, processedSetCap),
	}
}

// JobID identifies the worker job this listener follows.
func (l *Listener) JobID() string { return l.jobID }

// ThreadKey identifies the chat thread the listener feeds.
func (l *Listener) ThreadKey() string { return l.threadKey }

// Stop detaches the RTDB subscription. Idempotent; safe from any
// goroutine. Events already scheduled on the session loop are dropped by
// the dispatch stop check.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.stopped = true
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stopped reports whether Stop has run.
func (l *Listener) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *Listener) setCancel(cancel rtdb.CancelFunc) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		cancel()
		return
	}
	l.cancel = cancel
	l.mu.Unlock()
}

// appendEntry adds one formatted log line and returns the concatenated
// buffer for re-injection into the brain's system log.
func (l *Listener) appendEntry(entry string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return strings.Join(l.entries, "\n")
}

// seed prepends the replayed history to the buffer. Entries appended by
// live events keep their place after the replayed ones.
func (l *Listener) seed(entries []string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(entries, l.entries...)
	return strings.Join(l.entries, "\n")
}

// EntryCount returns the number of buffered log lines.
func (l *Listener) EntryCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
