package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"queueline/internal/engine"
)

// JobFunc runs one scheduled pass. The context is cancelled when the scheduler stops.
type JobFunc func(ctx context.Context) error

// Scheduler runs periodic maintenance passes against the engine, such as
// timeout-driven reallocation. A pass that is still running skips its next tick.
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	jobs   map[string]cron.EntryID
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// New creates a new scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		jobs:   make(map[string]cron.EntryID),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Start begins the cron scheduler. Blocks until context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", s.JobCount())

	<-ctx.Done()
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

// AddJob registers fn under name, replacing any job with the same name.
// The schedule is a 5-field cron expression or a descriptor like @every 1m.
func (s *Scheduler) AddJob(name, schedule string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(schedule, func() {
		if err := fn(s.ctx); err != nil {
			s.logger.Warn("job failed", "job", name, "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q: %w", schedule, err)
	}
	if prev, ok := s.jobs[name]; ok {
		s.cron.Remove(prev)
	}
	s.jobs[name] = id
	s.logger.Info("job registered", "job", name, "schedule", schedule)
	return nil
}

// RemoveJob removes a job by name.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobs[name]; ok {
		s.cron.Remove(id)
		delete(s.jobs, name)
	}
}

// JobCount returns the number of scheduled jobs.
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Reallocator is the engine surface the timeout sweep needs.
type Reallocator interface {
	ReallocateExpired(ctx context.Context) (engine.SweepResult, error)
}

// SweepJob reallocates tickets whose agent missed the reassignment timeout.
func SweepJob(r Reallocator, logger *slog.Logger) JobFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context) error {
		res, err := r.ReallocateExpired(ctx)
		if err != nil {
			return err
		}
		if res.Checked > 0 || res.Failed > 0 {
			logger.Info("timeout sweep", "expired", res.Checked, "reallocated", res.Reallocated, "failed", res.Failed)
		}
		return nil
	}
}
