// Package jobs runs the periodic maintenance sweeps: expired sessions, idle
// rate-limit buckets and stale password-change requests.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one sweep. Run returns the number of records it removed or
// changed.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Scheduler runs every task on one cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	tasks   []Task
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTimeout bounds a single sweep run.
func WithTimeout(d time.Duration) Option { return func(s *Scheduler) { s.timeout = d } }

// parser accepts five-field specs and descriptors such as "@every 5m".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New builds a Scheduler for spec. It does not start it.
func New(spec string, tasks []Task, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		tasks:   tasks,
		timeout: time.Minute,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "jobs")

	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule '%s': %w", spec, err)
	}
	cl := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.cron.Schedule(schedule, cron.FuncJob(func() { s.RunOnce(s.context()) }))
	return s, nil
}

// Start begins scheduling. Sweeps stop when ctx is cancelled or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scheduler started", "tasks", len(s.tasks))
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// RunOnce runs every task in order. A failing task is logged and does not
// stop the others. It returns the per-task counts.
func (s *Scheduler) RunOnce(ctx context.Context) map[string]int {
	counts := make(map[string]int, len(s.tasks))
	for _, t := range s.tasks {
		if ctx.Err() != nil {
			return counts
		}
		tctx, cancel := context.WithTimeout(ctx, s.timeout)
		n, err := t.Run(tctx)
		cancel()
		counts[t.Name] = n
		if err != nil {
			s.logger.Error("sweep failed", "task", t.Name, "removed", n, "error", err)
			continue
		}
		if n > 0 {
			s.logger.Info("sweep complete", "task", t.Name, "removed", n)
		}
	}
	return counts
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
