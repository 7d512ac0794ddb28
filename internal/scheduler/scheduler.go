// Package scheduler runs maintenance tasks (backup, wake, shutdown) at their
// scheduled times and on demand.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/deqlabs/deq/internal/store"
)

// DefaultPollInterval is how often the scheduler checks for due tasks.
const DefaultPollInterval = 60 * time.Second

// Scheduler periodically scans the task list and triggers due tasks. Task
// bodies run detached via the Runner; the poll loop never blocks on them.
type Scheduler struct {
	store    store.Store
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
}

// NewScheduler creates a scheduler polling at the given interval.
func NewScheduler(s store.Store, runner *Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Runner returns the task runner used by this scheduler.
func (s *Scheduler) Runner() *Runner { return s.runner }

// Start begins the poll loop and blocks until the scheduler is stopped or the
// context is cancelled. The loop ticks every second so a stop request is
// honored within about a second instead of a full poll interval.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("starting task scheduler", "poll_interval", s.interval)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("task scheduler stopped by context")
			// Cancellation is how the process shuts the loop down; only
			// surface unexpected context errors such as a deadline.
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-s.stopChan:
			s.logger.Info("task scheduler stopped")
			return nil
		case <-ticker.C:
			if time.Since(last) < s.interval {
				continue
			}
			last = time.Now()
			if err := s.checkTasks(ctx); err != nil {
				s.logger.Error("task check failed", "error", err)
			}
		}
	}
}

// Stop stops triggering new task runs. In-flight runs are left to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		close(s.stopChan)
		s.running = false
	}
}

// checkTasks triggers every enabled task whose next run time has passed, then
// recomputes and persists its next run. A malformed schedule skips that task
// for this cycle without stopping the loop.
func (s *Scheduler) checkTasks(ctx context.Context) error {
	tasks, err := s.store.Tasks().List(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, task := range tasks {
		if !task.Enabled || task.NextRun == nil || now.Before(*task.NextRun) {
			continue
		}

		s.logger.Info("running scheduled task",
			"task_id", task.ID,
			"task_name", task.Name,
			"task_type", task.Type,
		)

		if err := s.runner.Run(ctx, task.ID); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.logger.Error("triggering task failed", "task_id", task.ID, "error", err)
		}

		next, err := ComputeNextRun(task, now)
		if err != nil {
			s.logger.Warn("invalid schedule, task skipped", "task_id", task.ID, "error", err)
			continue
		}

		// Re-read before persisting so the detached run's bookkeeping
		// writes are not clobbered.
		current, err := s.store.Tasks().Get(ctx, task.ID)
		if err != nil {
			s.logger.Error("reloading task after trigger", "task_id", task.ID, "error", err)
			continue
		}
		current.NextRun = next
		if err := s.store.Tasks().Save(ctx, current); err != nil {
			s.logger.Error("persisting next run", "task_id", task.ID, "error", err)
		}
	}
	return nil
}
