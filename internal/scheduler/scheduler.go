// Package scheduler runs the check-in daemon: a singleton loop that
// claims due scheduled tasks from the store and delivers them to agent
// windows through the verified messenger.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/xcawolfe-amzn/foreman/internal/notify"
	"github.com/xcawolfe-amzn/foreman/internal/store"
)

// ErrAlreadyRunning means another scheduler holds the singleton lock and
// its heartbeat is fresh.
var ErrAlreadyRunning = errors.New("scheduler already running")

// Daemon policy.
const (
	tickInterval      = 1 * time.Second
	heartbeatInterval = 10 * time.Second
	// HeartbeatStale is how old the heartbeat file may get before another
	// scheduler may assume the holder is dead.
	HeartbeatStale = 60 * time.Second

	poolSize = 8
	// maxDispatchFailures parks a task and alerts the operator; the agent
	// is unreachable, not slow.
	maxDispatchFailures = 5
	// stuckDispatchAge recovers tasks a crashed scheduler left mid-send.
	stuckDispatchAge = 300 // seconds
)

// sender delivers one message to an agent window.
type sender interface {
	Send(session string, window int, message string) error
}

// Scheduler is the check-in dispatch daemon.
type Scheduler struct {
	store    *store.Store
	msg      sender
	notifier notify.Notifier
	logger   *log.Logger

	lockPath      string
	heartbeatPath string

	tick  time.Duration
	limit *EventLimiter
}

// New creates a Scheduler. lockPath and heartbeatPath come from the
// config layout.
func New(s *store.Store, msg sender, n notify.Notifier, logger *log.Logger, lockPath, heartbeatPath string) *Scheduler {
	return &Scheduler{
		store:         s,
		msg:           msg,
		notifier:      n,
		logger:        logger,
		lockPath:      lockPath,
		heartbeatPath: heartbeatPath,
		tick:          tickInterval,
		limit:         NewEventLimiter(),
	}
}

// Limiter exposes the event limiter so other loops in the same process
// share one dedup window.
func (s *Scheduler) Limiter() *EventLimiter { return s.limit }

// Run acquires the singleton lock and dispatches until ctx is done. A
// second scheduler gets ErrAlreadyRunning unless the holder's heartbeat
// has gone stale.
func (s *Scheduler) Run(ctx context.Context) error {
	fl := flock.New(s.lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring scheduler lock: %w", err)
	}
	if !locked {
		if !s.heartbeatStale() {
			return ErrAlreadyRunning
		}
		// The holder stopped heartbeating but still owns the flock; most
		// likely a hung process. Refuse to double-run anyway.
		return fmt.Errorf("%w (heartbeat stale; kill the old process first)", ErrAlreadyRunning)
	}
	defer fl.Unlock()
	defer os.Remove(s.heartbeatPath)

	if n, err := s.store.ResetStuckDispatches(stuckDispatchAge); err != nil {
		s.logf("resetting stuck dispatches: %v", err)
	} else if n > 0 {
		s.logf("recovered %d task(s) stuck in dispatch", n)
	}

	s.touchHeartbeat()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			s.touchHeartbeat()
		case <-ticker.C:
			s.DispatchDue()
		}
	}
}

// DispatchDue claims everything due and delivers it with a bounded worker
// pool. Tasks for the same pane are dispatched in claim order on one
// goroutine; interleaving two sends into a single input line corrupts
// both messages. Exported so `fm scheduler --once` and tests can drive a
// single cycle.
func (s *Scheduler) DispatchDue() {
	tasks, err := s.store.ClaimDue(poolSize)
	if err != nil {
		s.logf("claiming due tasks: %v", err)
		return
	}
	if len(tasks) == 0 {
		return
	}

	groups := make(map[string][]*store.ScheduledTask)
	for _, t := range tasks {
		key := fmt.Sprintf("%s:%d", t.SessionName, t.WindowIndex)
		groups[key] = append(groups[key], t)
	}

	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		go func(group []*store.ScheduledTask) {
			defer wg.Done()
			for _, t := range group {
				s.dispatch(t)
			}
		}(group)
	}
	wg.Wait()
}

func (s *Scheduler) dispatch(t *store.ScheduledTask) {
	err := s.msg.Send(t.SessionName, t.WindowIndex, checkInMessage(t))
	if err == nil {
		if err := s.store.FinishDispatch(t.ID); err != nil {
			s.logf("finishing task %d: %v", t.ID, err)
		}
		return
	}

	s.logf("dispatch %d to %s:%d failed: %v", t.ID, t.SessionName, t.WindowIndex, err)

	// A dead target still gets deferred rather than dropped; the health
	// monitor may restart the agent before the next attempt.
	count, derr := s.store.DeferDispatch(t.ID, backoffSeconds(t.DispatchCount+1))
	if derr != nil {
		s.logf("deferring task %d: %v", t.ID, derr)
		return
	}
	if count > maxDispatchFailures {
		s.unreachable(t, count, err)
	}
}

// backoffSeconds is 1, 2, 4, 8 minutes, capped.
func backoffSeconds(failures int) int64 {
	shift := failures - 1
	if shift > 3 {
		shift = 3
	}
	return int64(60 << shift)
}

// unreachable parks a task that keeps failing and alerts the operator.
func (s *Scheduler) unreachable(t *store.ScheduledTask, count int, cause error) {
	if err := s.store.RemoveTask(t.ID); err != nil {
		s.logf("removing unreachable task %d: %v", t.ID, err)
	}
	subject := fmt.Sprintf("agent %s in %s unreachable", t.Role, t.SessionName)
	body := fmt.Sprintf("Check-in delivery failed %d times; the task has been removed.\nLast error: %v",
		count, cause)
	if s.notifier != nil && s.limit.Allow("agent-unreachable", t.SessionName+"/"+t.Role, subject) {
		if err := s.notifier.Notify(notify.KindEscalation, subject, body); err != nil {
			s.logf("unreachable notification: %v", err)
		}
	}
}

func checkInMessage(t *store.ScheduledTask) string {
	if t.Note != "" {
		return t.Note
	}
	return fmt.Sprintf("Scheduled check-in for %s: post your STATUS report now.", t.Role)
}

func (s *Scheduler) touchHeartbeat() {
	if err := os.WriteFile(s.heartbeatPath, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		s.logf("writing heartbeat: %v", err)
	}
}

func (s *Scheduler) heartbeatStale() bool {
	fi, err := os.Stat(s.heartbeatPath)
	if err != nil {
		return true
	}
	return time.Since(fi.ModTime()) > HeartbeatStale
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
