// Package scheduler runs BookingPipe's periodic maintenance tasks, such as the
// admin CSV export and the stale-job sweep, on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one periodic unit of work.
type Task func(ctx context.Context) error

// Opts holds configuration for the Scheduler.
type Opts struct {
	Location    *time.Location
	TaskTimeout time.Duration
}

// Option defines a configuration option for the Scheduler.
type Option func(*Opts)

// WithLocation evaluates cron expressions in loc instead of UTC.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// WithTaskTimeout bounds each task run.
func WithTaskTimeout(d time.Duration) Option {
	return func(o *Opts) { o.TaskTimeout = d }
}

// Scheduler provides cron-based task scheduling.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	cfg := Opts{Location: time.UTC, TaskTimeout: 5 * time.Minute}
	for _, opt := range opts {
		opt(&cfg)
	}
	// Standard 5-field parser (min, hour, dom, month, dow). Overlapping runs of
	// the same task are skipped.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(cfg.Location),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start()
	return &Scheduler{cron: c, timeout: cfg.TaskTimeout, ctx: ctx, cancel: cancel}
}

// AddTask schedules task under name using the cron expression expr.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddTask(name, expr string, task Task) error {
	_, err := s.cron.AddFunc(expr, func() { s.run(name, task) })
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, expr, err)
	}
	slog.Info("Scheduler.AddTask: scheduled", "task", name, "expr", expr)
	return nil
}

func (s *Scheduler) run(name string, task Task) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	start := time.Now()
	if err := task(ctx); err != nil {
		slog.Error("Scheduler.run: task failed", "task", name, "error", err, "elapsed", time.Since(start))
		return
	}
	slog.Debug("Scheduler.run: task finished", "task", name, "elapsed", time.Since(start))
}

// Entries returns the number of scheduled tasks.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
