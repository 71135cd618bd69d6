package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pinnokio/brain/internal/agent"
	"github.com/pinnokio/brain/internal/cache"
	"github.com/pinnokio/brain/pkg/models"
)

// Session initialization outcomes reported to the RPC caller.
const (
	StatusCreated   = "created"
	StatusRefreshed = "refreshed"
)

const defaultContextTTL = time.Hour

// ErrSessionNotFound is returned when an operation targets a (user,
// tenant) pair no operation has initialized.
var ErrSessionNotFound = errors.New("session not found")

// ContextStore resolves tenant metadata from the system of record. The
// registry fronts it with a Redis snapshot.
type ContextStore interface {
	// LoadUserContext reconstructs the tenant profile for a client
	// identity: mandate path, company, locale, ERP configs, and the
	// function table's per-department approval rules.
	LoadUserContext(ctx context.Context, userID, tenantID, clientUUID string) (*models.UserContext, error)

	// LoadJobs returns the tenant's worker job list and its metrics.
	LoadJobs(ctx context.Context, userID, tenantID string) ([]models.JobRecord, models.JobsMetrics, error)
}

// RegistryConfig wires a Registry.
type RegistryConfig struct {
	Contexts ContextStore
	Cache    cache.Store

	// ContextTTL bounds the Redis snapshot age. Defaults to 1h.
	ContextTTL time.Duration

	// ScheduleTimeout is the default for session callback loops.
	ScheduleTimeout time.Duration

	Logger *slog.Logger
}

// Registry owns every live session. The registry lock covers only map
// lookups and insertions; initialization work runs under each session's
// own init lock.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	contexts        ContextStore
	cache           cache.Store
	contextTTL      time.Duration
	scheduleTimeout time.Duration
	logger          *slog.Logger
}

// NewRegistry builds a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Contexts == nil {
		return nil, errors.New("sessions: context store is required")
	}
	if cfg.ContextTTL <= 0 {
		cfg.ContextTTL = defaultContextTTL
	}
	if cfg.ScheduleTimeout <= 0 {
		cfg.ScheduleTimeout = DefaultScheduleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		sessions:        make(map[string]*Session),
		contexts:        cfg.Contexts,
		cache:           cfg.Cache,
		contextTTL:      cfg.ContextTTL,
		scheduleTimeout: cfg.ScheduleTimeout,
		logger:          cfg.Logger,
	}, nil
}

func sessionKey(userID, tenantID string) string {
	return userID + ":" + tenantID
}

// Get returns the live session for the pair, if any.
func (r *Registry) Get(userID, tenantID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionKey(userID, tenantID)]
	return s, ok
}

// Initialized returns the session only if it has loaded tenant context.
func (r *Registry) Initialized(userID, tenantID string) (*Session, error) {
	s, ok := r.Get(userID, tenantID)
	if !ok || !s.Initialized() {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// EnsureInitialized is called before any brain-touching operation. A fully
// initialized session is reused (StatusRefreshed) with its chat mode and
// job metrics brought up to date; a fresh or half-built one loads tenant
// context and jobs (StatusCreated). A client identity different from the
// one the context was loaded for forces a reload past the Redis snapshot.
func (r *Registry) EnsureInitialized(ctx context.Context, userID, tenantID, clientUUID string, mode models.ChatMode) (*Session, string, error) {
	sess := r.obtain(userID, tenantID)

	sess.initMu.Lock()
	defer sess.initMu.Unlock()

	if sess.Initialized() {
		if clientUUID != "" && clientUUID != sess.ClientUUID() {
			r.logger.Info("client identity changed, reloading context",
				"user_id", userID, "tenant_id", tenantID, "client_uuid", clientUUID)
			uc, err := r.loadContext(ctx, userID, tenantID, clientUUID, true)
			if err != nil {
				return nil, "", err
			}
			sess.setContext(uc, clientUUID)
			sess.MarkBrainsStale()
		}
		sess.SetChatMode(mode)
		if err := r.refreshJobs(ctx, sess); err != nil {
			r.logger.Warn("refresh jobs", "user_id", userID, "tenant_id", tenantID, "error", err)
		}
		return sess, StatusRefreshed, nil
	}

	if clientUUID == "" {
		return nil, "", errors.New("client_uuid is required")
	}
	uc, err := r.loadContext(ctx, userID, tenantID, clientUUID, false)
	if err != nil {
		return nil, "", fmt.Errorf("load user context: %w", err)
	}
	sess.setContext(uc, clientUUID)
	sess.SetChatMode(mode)
	if err := r.refreshJobs(ctx, sess); err != nil {
		r.logger.Warn("load jobs", "user_id", userID, "tenant_id", tenantID, "error", err)
	}
	r.logger.Info("session initialized", "user_id", userID, "tenant_id", tenantID, "session_id", sess.SessionID)
	return sess, StatusCreated, nil
}

// InvalidateResult reports what invalidate_user_context actually touched.
type InvalidateResult struct {
	SessionFound bool
	BrainsMarked int
	RedisDeleted bool
}

// InvalidateContext drops the in-memory tenant context, deletes the Redis
// snapshot, and marks live brains stale so their next run recomposes the
// system prompt from fresh context.
func (r *Registry) InvalidateContext(ctx context.Context, userID, tenantID string) (InvalidateResult, error) {
	var res InvalidateResult
	if r.cache != nil {
		n, err := r.cache.Delete(ctx, cache.UserContextKey(userID, tenantID))
		if err != nil {
			return res, fmt.Errorf("delete context snapshot: %w", err)
		}
		res.RedisDeleted = n > 0
	}

	sess, ok := r.Get(userID, tenantID)
	if !ok {
		return res, nil
	}
	res.SessionFound = true
	sess.clearContext()
	res.BrainsMarked = sess.MarkBrainsStale()
	return res, nil
}

// Remove tears the session down and forgets it.
func (r *Registry) Remove(userID, tenantID string) {
	r.mu.Lock()
	sess := r.sessions[sessionKey(userID, tenantID)]
	delete(r.sessions, sessionKey(userID, tenantID))
	r.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

// Sessions snapshots the live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Close tears down every session.
func (r *Registry) Close() {
	for _, s := range r.Sessions() {
		s.Close()
	}
}

func (r *Registry) obtain(userID, tenantID string) *Session {
	key := sessionKey(userID, tenantID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		return s
	}
	s := newSession(userID, tenantID, r.scheduleTimeout, r.logger)
	r.sessions[key] = s
	return s
}

// loadContext resolves the tenant context, Redis snapshot first unless
// skipCache. A snapshot loaded for a different client identity counts as a
// miss.
func (r *Registry) loadContext(ctx context.Context, userID, tenantID, clientUUID string, skipCache bool) (*models.UserContext, error) {
	key := cache.UserContextKey(userID, tenantID)
	if r.cache != nil && !skipCache {
		var cached models.UserContext
		hit, err := r.cache.GetJSON(ctx, key, &cached)
		if err != nil {
			r.logger.Warn("read context snapshot", "key", key, "error", err)
		} else if hit && cached.ClientUUID == clientUUID {
			return &cached, nil
		}
	}

	uc, err := r.contexts.LoadUserContext(ctx, userID, tenantID, clientUUID)
	if err != nil {
		return nil, err
	}
	uc.LoadedAt = time.Now().UTC()
	if r.cache != nil {
		if err := r.cache.SetJSON(ctx, key, uc, r.contextTTL); err != nil {
			r.logger.Warn("write context snapshot", "key", key, "error", err)
		}
	}
	return uc, nil
}

// refreshJobs reloads the tenant job snapshot and re-injects the metrics
// section into every live brain's system prompt.
func (r *Registry) refreshJobs(ctx context.Context, sess *Session) error {
	jobs, metrics, err := r.contexts.LoadJobs(ctx, sess.UserID, sess.TenantID)
	if err != nil {
		return err
	}
	sess.SetJobs(jobs, metrics)

	section := JobsMetricsSection(metrics)
	sess.ForEachBrain(func(_ string, b *agent.Brain) {
		b.SetSystemLog("jobs_metrics", section)
	})
	return nil
}

// JobsMetricsSection renders the per-department counters the system prompt
// carries.
func JobsMetricsSection(m models.JobsMetrics) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Jobs total: %d", m.Total)
	depts := make([]string, 0, len(m.ByDepartment))
	for d := range m.ByDepartment {
		depts = append(depts, d)
	}
	sort.Strings(depts)
	for _, d := range depts {
		fmt.Fprintf(&sb, "\n%s: %d", d, m.ByDepartment[d])
	}
	return sb.String()
}
