package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// TaskFunc is one run of a periodic task
type TaskFunc func(ctx context.Context) error

// TaskStats describes a task's run history
type TaskStats struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	Runs     int64         `json:"runs"`
	Failures int64         `json:"failures"`
	Skipped  int64         `json:"skipped"`
	LastRun  time.Time     `json:"last_run"`
	LastErr  string        `json:"last_error,omitempty"`
	Running  bool          `json:"running"`
}

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc

	running  atomic.Bool
	runs     atomic.Int64
	failures atomic.Int64
	skipped  atomic.Int64

	mu      sync.Mutex
	lastRun time.Time
	lastErr string
}

// Scheduler runs named tasks on fixed intervals. A tick is skipped while the
// previous run of the same task is still in progress.
type Scheduler struct {
	logger *logrus.Logger

	mu      sync.Mutex
	tasks   map[string]*task
	order   []string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates an empty scheduler
func New(logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		logger: logger,
		tasks:  make(map[string]*task),
	}
}

// Add registers a task. Tasks must be added before Start.
func (s *Scheduler) Add(name string, interval time.Duration, fn TaskFunc) error {
	if interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("task %s: scheduler already started", name)
	}
	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("task %s already registered", name)
	}

	s.tasks[name] = &task{name: name, interval: interval, fn: fn}
	s.order = append(s.order, name)
	return nil
}

// Start launches one ticker goroutine per task. Tasks stop when ctx is done
// or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, name := range s.order {
		t := s.tasks[name]
		s.wg.Add(1)
		go s.loop(ctx, t)
	}

	s.logger.WithField("tasks", s.order).Info("Scheduler started")
}

// Stop cancels all tasks and waits for in-flight runs to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// RunNow runs a task immediately in the caller's goroutine, subject to the
// same overlap guard as scheduled ticks. It reports whether the task ran.
func (s *Scheduler) RunNow(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("task %s not registered", name)
	}
	return s.run(ctx, t)
}

// Stats returns run history for every task in registration order
func (s *Scheduler) Stats() []TaskStats {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.order))
	for _, name := range s.order {
		tasks = append(tasks, s.tasks[name])
	}
	s.mu.Unlock()

	stats := make([]TaskStats, 0, len(tasks))
	for _, t := range tasks {
		t.mu.Lock()
		stats = append(stats, TaskStats{
			Name:     t.name,
			Interval: t.interval,
			Runs:     t.runs.Load(),
			Failures: t.failures.Load(),
			Skipped:  t.skipped.Load(),
			LastRun:  t.lastRun,
			LastErr:  t.lastErr,
			Running:  t.running.Load(),
		})
		t.mu.Unlock()
	}
	return stats
}

func (s *Scheduler) loop(ctx context.Context, t *task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if t.running.Load() {
				t.skipped.Add(1)
				s.logger.WithField("task", t.name).Debug("Previous run still in progress, skipping tick")
				continue
			}
			// runs detached from the ticker so a slow run cannot delay the stop signal
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				_, _ = s.run(ctx, t)
			}()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) run(ctx context.Context, t *task) (bool, error) {
	if !t.running.CompareAndSwap(false, true) {
		t.skipped.Add(1)
		return false, nil
	}
	defer t.running.Store(false)

	start := time.Now()
	err := s.invoke(ctx, t)
	t.runs.Add(1)

	t.mu.Lock()
	t.lastRun = start
	t.lastErr = ""
	if err != nil {
		t.lastErr = err.Error()
	}
	t.mu.Unlock()

	fields := logrus.Fields{
		"task":        t.name,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		t.failures.Add(1)
		s.logger.WithFields(fields).WithError(err).Warn("Scheduled task failed")
		return true, err
	}
	s.logger.WithFields(fields).Debug("Scheduled task completed")
	return true, nil
}

func (s *Scheduler) invoke(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.name, r)
		}
	}()
	return t.fn(ctx)
}
