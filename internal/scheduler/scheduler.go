package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/pinnokio/brain/internal/agent"
	"github.com/pinnokio/brain/pkg/models"
)

// cronParser accepts standard 5-field expressions, 6-field expressions
// with a leading seconds column, and @-descriptors. CREATE_TASK validates
// against the same grammar before a definition is stored.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// TaskSource lists the task definitions to schedule. Reloaded every poll
// so definitions added or disabled at runtime take effect.
type TaskSource interface {
	LoadTasks(ctx context.Context) ([]models.ScheduledTask, error)
}

// Executor runs one task execution to completion. *manager.Manager
// satisfies it.
type Executor interface {
	ExecuteScheduledTask(ctx context.Context, task models.ScheduledTask, executionID string) (models.ExecutionReport, error)
}

// Config tunes the scheduler loop.
type Config struct {
	// PollInterval is how often task definitions are reloaded and due
	// firings dispatched. Defaults to 30 seconds.
	PollInterval time.Duration

	// MaxConcurrency bounds simultaneous executions across all tasks.
	// Defaults to 4.
	MaxConcurrency int

	// ExecutionTimeout bounds a single execution. Defaults to 15 minutes.
	ExecutionTimeout time.Duration

	// Logger for scheduler events. Defaults to slog.Default().
	Logger *slog.Logger
}

// entry is the in-memory firing state for one task definition. next is
// computed from the cron spec when the task is first seen and advanced
// after every firing; a changed spec or timezone resets it.
type entry struct {
	specKey string
	next    time.Time
}

// Scheduler polls stored task definitions and fires due ones on the
// executor. Definitions carry no persisted next-run marker, so a task is
// never fired on first sight: the first poll anchors its schedule and
// later polls dispatch the firings. Overlapping firings of one task are
// collapsed; the execution pipeline also rejects them per thread.
type Scheduler struct {
	source   TaskSource
	executor Executor
	cfg      Config
	logger   *slog.Logger

	sem    chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu       sync.Mutex
	running  bool
	entries  map[string]*entry
	inflight map[string]bool
}

// New creates a scheduler over the given task source and executor.
func New(source TaskSource, executor Executor, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 15 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		source:   source,
		executor: executor,
		cfg:      cfg,
		logger:   cfg.Logger,
		sem:      make(chan struct{}, cfg.MaxConcurrency),
		entries:  map[string]*entry{},
		inflight: map[string]bool{},
	}
}

// Start launches the poll loop. Calling Start on a running scheduler is
// a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.logger.Info("starting task scheduler",
		"poll_interval", s.cfg.PollInterval,
		"max_concurrency", s.cfg.MaxConcurrency)

	s.wg.Add(1)
	go s.pollLoop(ctx)
	return nil
}

// Stop cancels the loop and any running executions, then waits for them
// to unwind or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("task scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the poll loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll reloads the task definitions, reconciles the firing state, and
// dispatches everything due.
func (s *Scheduler) poll(ctx context.Context) {
	tasks, err := s.source.LoadTasks(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("load scheduled tasks", "error", err)
		}
		return
	}

	now := time.Now()
	due := s.reconcile(tasks, now)
	for _, task := range due {
		s.dispatch(ctx, task)
	}
}

// reconcile updates the per-task firing state against the freshly loaded
// definitions and returns the tasks due now. Definitions that vanished or
// were disabled drop their state so a later re-enable re-anchors the
// schedule instead of firing immediately.
func (s *Scheduler) reconcile(tasks []models.ScheduledTask, now time.Time) []models.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(tasks))
	var due []models.ScheduledTask
	for _, task := range tasks {
		if task.Disabled {
			continue
		}
		seen[task.TaskID] = true

		key := task.CronSpec + "\x00" + task.Timezone
		e := s.entries[task.TaskID]
		if e == nil || e.specKey != key {
			next, err := nextFiring(task.CronSpec, task.Timezone, now)
			if err != nil {
				s.logger.Warn("unschedulable task definition",
					"task_id", task.TaskID, "cron_spec", task.CronSpec, "error", err)
				delete(s.entries, task.TaskID)
				continue
			}
			s.entries[task.TaskID] = &entry{specKey: key, next: next}
			s.logger.Info("task scheduled",
				"task_id", task.TaskID, "cron_spec", task.CronSpec, "next_run", next)
			continue
		}

		if now.Before(e.next) {
			continue
		}
		next, err := nextFiring(task.CronSpec, task.Timezone, now)
		if err != nil {
			delete(s.entries, task.TaskID)
			continue
		}
		e.next = next
		if s.inflight[task.TaskID] {
			s.logger.Info("skipping firing, previous execution still running",
				"task_id", task.TaskID)
			continue
		}
		due = append(due, task)
	}

	for id := range s.entries {
		if !seen[id] {
			delete(s.entries, id)
		}
	}
	return due
}

// dispatch hands one firing to the executor on its own goroutine, bounded
// by the concurrency semaphore. At capacity the firing is dropped; the
// task fires again at its next boundary.
func (s *Scheduler) dispatch(ctx context.Context, task models.ScheduledTask) {
	select {
	case s.sem <- struct{}{}:
	default:
		s.logger.Warn("at max concurrency, dropping firing", "task_id", task.TaskID)
		return
	}

	s.mu.Lock()
	s.inflight[task.TaskID] = true
	s.mu.Unlock()

	executionID := uuid.NewString()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			<-s.sem
			s.mu.Lock()
			delete(s.inflight, task.TaskID)
			s.mu.Unlock()
		}()
		s.execute(ctx, task, executionID)
	}()
}

func (s *Scheduler) execute(ctx context.Context, task models.ScheduledTask, executionID string) {
	s.logger.Info("firing scheduled task",
		"task_id", task.TaskID, "execution_id", executionID,
		"user_id", task.UserID, "tenant_id", task.TenantID)

	execCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecutionTimeout)
	defer cancel()

	report, err := s.executor.ExecuteScheduledTask(execCtx, task, executionID)
	switch {
	case errors.Is(err, agent.ErrStreamActive):
		s.logger.Info("thread busy, firing skipped",
			"task_id", task.TaskID, "execution_id", executionID)
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("scheduled execution failed",
			"task_id", task.TaskID, "execution_id", executionID, "error", err)
	default:
		s.logger.Info("scheduled execution finished",
			"task_id", task.TaskID, "execution_id", executionID,
			"status", string(report.Status))
	}
}

// nextFiring computes the firing after now for a cron spec, evaluated in
// the task's timezone. An unknown timezone falls back to UTC.
func nextFiring(spec, timezone string, now time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron spec: %w", err)
	}
	loc := time.UTC
	if timezone != "" {
		if l, err := time.LoadLocation(timezone); err == nil {
			loc = l
		}
	}
	next := sched.Next(now.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron spec %q yields no future firing", spec)
	}
	return next, nil
}
