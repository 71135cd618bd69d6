package sessions

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultScheduleTimeout bounds how long Schedule blocks an RTDB callback
// goroutine before giving up.
const DefaultScheduleTimeout = time.Second

const loopQueueSize = 64

// ErrScheduleTimeout is returned when the callback loop cannot accept work
// within the schedule timeout. The submitting callback must stay live, so
// the work is dropped rather than queued unboundedly.
var ErrScheduleTimeout = errors.New("callback loop schedule timeout")

// ErrLoopStopped is returned when work is scheduled on a stopped loop.
var ErrLoopStopped = errors.New("callback loop stopped")

// Loop serializes RTDB-callback work for one session. Callbacks arrive on
// SDK-owned goroutines; funneling them through the loop keeps per-session
// state transitions ordered without holding locks across slow work.
type Loop struct {
	tasks    chan func()
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
	timeout  time.Duration
}

// NewLoop starts a loop. scheduleTimeout <= 0 means DefaultScheduleTimeout.
func NewLoop(scheduleTimeout time.Duration, logger *slog.Logger) *Loop {
	if scheduleTimeout <= 0 {
		scheduleTimeout = DefaultScheduleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		tasks:   make(chan func(), loopQueueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger,
		timeout: scheduleTimeout,
	}
	go l.run()
	return l
}

// Schedule submits fn to the loop, blocking the caller for at most the
// schedule timeout (or the loop default when timeout <= 0).
func (l *Loop) Schedule(fn func(), timeout time.Duration) error {
	if fn == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = l.timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.tasks <- fn:
		return nil
	case <-l.quit:
		return ErrLoopStopped
	case <-timer.C:
		return ErrScheduleTimeout
	}
}

// Stop drains already-queued work and waits for the runner to exit.
// Further Schedule calls fail with ErrLoopStopped.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.quit) })
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.tasks:
			l.invoke(fn)
		case <-l.quit:
			for {
				select {
				case fn := <-l.tasks:
					l.invoke(fn)
				default:
					return
				}
			}
		}
	}
}

// invoke shields the loop from panicking callbacks; one bad event must not
// kill RTDB dispatch for the whole session.
func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("callback loop task panicked", "panic", r)
		}
	}()
	fn()
}
