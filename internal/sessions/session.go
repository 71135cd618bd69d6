// Package sessions holds the per-(user, tenant) state of the brain
// service: tenant context, live brains keyed by thread, presence,
// intermediation flags, worker listeners, and the callback loop that
// serializes RTDB-driven work.
package sessions

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pinnokio/brain/internal/agent"
	"github.com/pinnokio/brain/pkg/models"
)

// ListenerHandle is the session's view of an installed worker listener.
// The listener engine satisfies it; the session only needs identity and
// teardown.
type ListenerHandle interface {
	JobID() string
	Stop()
}

// Presence is the user's position in the UI, mutated by enter_chat,
// switch_thread and leave_chat.
type Presence struct {
	OnChatPage    bool
	CurrentThread string
}

// Session aggregates everything owned by one (user, tenant) pair. The
// registry hands out *Session; all state behind mu is safe for concurrent
// use. Brains themselves are single-writer by the per-thread streaming
// invariant, so the session only guards the maps.
type Session struct {
	UserID    string
	TenantID  string
	SessionID string
	CreatedAt time.Time

	// initMu serializes EnsureInitialized work for this session so slow
	// context loads do not run twice or block the registry map lock.
	initMu sync.Mutex

	mu             sync.Mutex
	clientUUID     string
	chatMode       models.ChatMode
	userContext    *models.UserContext
	jobs           []models.JobRecord
	metrics        models.JobsMetrics
	brains         map[string]*agent.Brain
	brainLocks     map[string]*sync.Mutex
	presence       Presence
	intermediation map[string]bool
	listeners      map[string]ListenerHandle
	loop           *Loop
	closed         bool

	scheduleTimeout time.Duration
	logger          *slog.Logger
}

func newSession(userID, tenantID string, scheduleTimeout time.Duration, logger *slog.Logger) *Session {
	return &Session{
		UserID:          userID,
		TenantID:        tenantID,
		SessionID:       uuid.NewString(),
		CreatedAt:       time.Now().UTC(),
		brains:          make(map[string]*agent.Brain),
		brainLocks:      make(map[string]*sync.Mutex),
		intermediation:  make(map[string]bool),
		listeners:       make(map[string]ListenerHandle),
		scheduleTimeout: scheduleTimeout,
		logger:          logger,
	}
}

// Initialized reports whether tenant context has been loaded. A session
// exists in the registry before it is initialized; operations must call
// the registry's EnsureInitialized first.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userContext != nil
}

// UserContext returns the loaded tenant context, nil before initialization.
func (s *Session) UserContext() *models.UserContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userContext
}

func (s *Session) setContext(uc *models.UserContext, clientUUID string) {
	s.mu.Lock()
	s.userContext = uc
	if clientUUID != "" {
		s.clientUUID = clientUUID
	}
	s.mu.Unlock()
}

func (s *Session) clearContext() {
	s.mu.Lock()
	s.userContext = nil
	s.mu.Unlock()
}

// ClientUUID returns the client identity the context was loaded for.
func (s *Session) ClientUUID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientUUID
}

// ChatMode returns the session's current default chat mode.
func (s *Session) ChatMode() models.ChatMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatMode
}

// SetChatMode records the mode requested by the client. Empty or invalid
// modes are ignored.
func (s *Session) SetChatMode(mode models.ChatMode) {
	if !mode.Valid() {
		return
	}
	s.mu.Lock()
	s.chatMode = mode
	s.mu.Unlock()
}

// Jobs returns the tenant job snapshot and its metrics.
func (s *Session) Jobs() ([]models.JobRecord, models.JobsMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs, s.metrics
}

// SetJobs replaces the job snapshot.
func (s *Session) SetJobs(jobs []models.JobRecord, metrics models.JobsMetrics) {
	s.mu.Lock()
	s.jobs = jobs
	s.metrics = metrics
	s.mu.Unlock()
}

// JobByThread finds the job bound to a thread, if any.
func (s *Session) JobByThread(threadKey string) (models.JobRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.ThreadKey == threadKey {
			return job, true
		}
	}
	return models.JobRecord{}, false
}

// Brain returns the live brain for a thread.
func (s *Session) Brain(threadKey string) (*agent.Brain, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.brains[threadKey]
	return b, ok
}

// PutBrain installs a brain for a thread. Callers hold the thread's
// BrainLock while building, so concurrent enter_chat stays idempotent.
func (s *Session) PutBrain(threadKey string, b *agent.Brain) {
	s.mu.Lock()
	s.brains[threadKey] = b
	s.mu.Unlock()
}

// BrainLock returns the per-thread creation lock. Brain construction can
// involve RTDB history loads, which must not serialize behind the session
// lock or run twice for the same thread.
func (s *Session) BrainLock(threadKey string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.brainLocks[threadKey]
	if !ok {
		lock = &sync.Mutex{}
		s.brainLocks[threadKey] = lock
	}
	return lock
}

// BrainCount reports how many brains are live on this session.
func (s *Session) BrainCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.brains)
}

// ForEachBrain runs fn over the live brains outside the session lock.
func (s *Session) ForEachBrain(fn func(threadKey string, b *agent.Brain)) {
	s.mu.Lock()
	snapshot := make(map[string]*agent.Brain, len(s.brains))
	for k, v := range s.brains {
		snapshot[k] = v
	}
	s.mu.Unlock()
	for k, v := range snapshot {
		fn(k, v)
	}
}

// MarkBrainsStale flags every live brain's tenant context as stale and
// returns how many were flagged.
func (s *Session) MarkBrainsStale() int {
	n := 0
	s.ForEachBrain(func(_ string, b *agent.Brain) {
		b.MarkContextStale()
		n++
	})
	return n
}

// EnterChat marks the user present on the given thread.
func (s *Session) EnterChat(threadKey string) {
	s.mu.Lock()
	s.presence.OnChatPage = true
	s.presence.CurrentThread = threadKey
	s.mu.Unlock()
}

// SwitchThread changes the active thread without touching page presence.
func (s *Session) SwitchThread(threadKey string) {
	s.mu.Lock()
	s.presence.CurrentThread = threadKey
	s.mu.Unlock()
}

// LeaveChat marks the user off the chat page. The current thread is kept
// for diagnostics. It reports the prior page state and whether the user
// was on the given thread (when one is named).
func (s *Session) LeaveChat(threadKey string) (wasOnPage, wasOnThread bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasOnPage = s.presence.OnChatPage
	if threadKey != "" {
		wasOnThread = wasOnPage && s.presence.CurrentThread == threadKey
	}
	s.presence.OnChatPage = false
	return wasOnPage, wasOnThread
}

// IsUserOnThread is the single presence authority: on the chat page AND
// looking at this thread. The resume path keys UI-vs-backend mode off it.
func (s *Session) IsUserOnThread(threadKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence.OnChatPage && s.presence.CurrentThread == threadKey
}

// PresenceSnapshot returns a copy of the presence state.
func (s *Session) PresenceSnapshot() Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence
}

// SetIntermediation flips the per-thread intermediation flag.
func (s *Session) SetIntermediation(threadKey string, active bool) {
	s.mu.Lock()
	if active {
		s.intermediation[threadKey] = true
	} else {
		delete(s.intermediation, threadKey)
	}
	s.mu.Unlock()
}

// IntermediationActive reports whether user messages on the thread bypass
// the model and go to the worker channel.
func (s *Session) IntermediationActive(threadKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intermediation[threadKey]
}

// AttachListener installs a worker listener for the thread. A thread holds
// at most one listener; attaching over a live one reports false and the
// caller must not start the new listener.
func (s *Session) AttachListener(threadKey string, h ListenerHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.listeners[threadKey]; exists {
		return false
	}
	s.listeners[threadKey] = h
	return true
}

// Listener returns the installed listener for a thread.
func (s *Session) Listener(threadKey string) (ListenerHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.listeners[threadKey]
	return h, ok
}

// DetachListener removes the thread's listener without stopping it, used
// when installation fails partway and the caller still owns the handle.
func (s *Session) DetachListener(threadKey string) {
	s.mu.Lock()
	delete(s.listeners, threadKey)
	s.mu.Unlock()
}

// loopRef returns the callback loop, creating it on first use. A closed
// session has no loop.
func (s *Session) loopRef() *Loop {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.loop == nil {
		logger := s.logger
		if logger == nil {
			logger = slog.Default()
		}
		s.loop = NewLoop(s.scheduleTimeout, logger.With("session_id", s.SessionID))
	}
	return s.loop
}

// ScheduleTimeout returns the session's default schedule timeout.
func (s *Session) ScheduleTimeout() time.Duration {
	if s.scheduleTimeout <= 0 {
		return DefaultScheduleTimeout
	}
	return s.scheduleTimeout
}

// Schedule submits RTDB-callback work to the session's loop, blocking the
// caller for at most the schedule timeout.
func (s *Session) Schedule(fn func(), timeout time.Duration) error {
	loop := s.loopRef()
	if loop == nil {
		return ErrLoopStopped
	}
	return loop.Schedule(fn, timeout)
}

// FlushThread tears down one thread: brain, intermediation flag, listener.
// The detached listener is stopped before this returns.
func (s *Session) FlushThread(threadKey string) bool {
	s.mu.Lock()
	_, hadBrain := s.brains[threadKey]
	delete(s.brains, threadKey)
	delete(s.intermediation, threadKey)
	h := s.listeners[threadKey]
	delete(s.listeners, threadKey)
	s.mu.Unlock()

	if h != nil {
		h.Stop()
	}
	return hadBrain || h != nil
}

// FlushAll tears down every thread and returns how many had state.
func (s *Session) FlushAll() int {
	s.mu.Lock()
	threads := make(map[string]struct{}, len(s.brains)+len(s.listeners))
	for k := range s.brains {
		threads[k] = struct{}{}
	}
	for k := range s.listeners {
		threads[k] = struct{}{}
	}
	s.mu.Unlock()

	n := 0
	for k := range threads {
		if s.FlushThread(k) {
			n++
		}
	}
	return n
}

// Close tears down threads and stops the callback loop. Schedule fails
// with ErrLoopStopped afterwards.
func (s *Session) Close() {
	s.FlushAll()
	s.mu.Lock()
	loop := s.loop
	s.loop = nil
	s.closed = true
	s.mu.Unlock()
	if loop != nil {
		loop.Stop()
	}
}
