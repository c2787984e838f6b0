// Package store provides the JobRunner for executing durable jobs.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// JobHandler is a function that executes a job's work. It receives the job's
// payload JSON and returns an error if the execution failed.
type JobHandler func(ctx context.Context, payload string) error

// Runner defaults.
const (
	DefaultJobPollInterval   = 10 * time.Second
	DefaultJobStaleThreshold = 5 * time.Minute
	DefaultJobClaimLimit     = 10
	DefaultJobRetryBase      = 30 * time.Second
	DefaultJobRetryMax       = 30 * time.Minute
)

// RunnerOpts configures a JobRunner.
type RunnerOpts struct {
	StaleThreshold time.Duration
	ClaimLimit     int
	RetryBase      time.Duration
	RetryMax       time.Duration
	// Jitter scales a retry delay; nil spreads it over [0.8, 1.2) of its value.
	Jitter func(time.Duration) time.Duration
}

// RunnerOption defines a configuration option for a JobRunner.
type RunnerOption func(*RunnerOpts)

// WithStaleThreshold sets how long a job may stay running before
// RecoverStaleJobs requeues it.
func WithStaleThreshold(d time.Duration) RunnerOption {
	return func(o *RunnerOpts) { o.StaleThreshold = d }
}

// WithClaimLimit caps how many jobs one RunOnce claims.
func WithClaimLimit(n int) RunnerOption {
	return func(o *RunnerOpts) { o.ClaimLimit = n }
}

// WithRetryBackoff sets the first retry delay and its cap.
func WithRetryBackoff(base, max time.Duration) RunnerOption {
	return func(o *RunnerOpts) {
		o.RetryBase = base
		o.RetryMax = max
	}
}

// WithJitter replaces the random spread applied to retry delays.
func WithJitter(f func(time.Duration) time.Duration) RunnerOption {
	return func(o *RunnerOpts) { o.Jitter = f }
}

// JobRunner periodically claims due jobs from the database and dispatches them
// to registered handlers.
type JobRunner struct {
	repo         JobRepo
	handlers     map[string]JobHandler
	mu           sync.RWMutex
	pollInterval time.Duration
	cfg          RunnerOpts
}

// NewJobRunner creates a new JobRunner.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...RunnerOption) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = DefaultJobPollInterval
	}
	cfg := RunnerOpts{
		StaleThreshold: DefaultJobStaleThreshold,
		ClaimLimit:     DefaultJobClaimLimit,
		RetryBase:      DefaultJobRetryBase,
		RetryMax:       DefaultJobRetryMax,
		Jitter:         spread,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Jitter == nil {
		cfg.Jitter = spread
	}
	return &JobRunner{
		repo:         repo,
		handlers:     make(map[string]JobHandler),
		pollInterval: pollInterval,
		cfg:          cfg,
	}
}

func spread(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
}

// RegisterHandler registers a handler for a given job kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// RecoverStaleJobs requeues jobs that were running when the process crashed.
// It runs at startup and from the periodic sweep.
func (r *JobRunner) RecoverStaleJobs(ctx context.Context) error {
	n, err := r.repo.RequeueStaleRunningJobs(ctx, time.Now().Add(-r.cfg.StaleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting job runner", "pollInterval", r.pollInterval, "claimLimit", r.cfg.ClaimLimit)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return
		case <-ticker.C:
			r.RunOnce(ctx, time.Now())
		}
	}
}

// RunOnce claims and executes every job due at now and returns how many were claimed.
func (r *JobRunner) RunOnce(ctx context.Context, now time.Time) int {
	jobs, err := r.repo.ClaimDueJobs(ctx, now, r.cfg.ClaimLimit)
	if err != nil {
		slog.Error("JobRunner.RunOnce: claim failed", "error", err)
		return 0
	}
	for _, job := range jobs {
		r.execute(ctx, job, now)
	}
	return len(jobs)
}

func (r *JobRunner) execute(ctx context.Context, job Job, now time.Time) {
	log := slog.With("jobID", job.ID, "kind", job.Kind, "sessionID", job.SessionID, "attempt", job.Attempt)

	r.mu.RLock()
	handler, ok := r.handlers[job.Kind]
	r.mu.RUnlock()
	if !ok {
		log.Warn("JobRunner.execute: no handler for job kind")
		if err := r.repo.FailJob(ctx, job.ID, "no handler registered for kind: "+job.Kind, now.Add(time.Minute)); err != nil {
			log.Error("JobRunner.execute: fail job error", "error", err)
		}
		return
	}

	log.Debug("JobRunner.execute: running")
	if err := r.invoke(ctx, handler, job.PayloadJSON); err != nil {
		delay := r.RetryDelay(job.Attempt)
		log.Error("JobRunner.execute: job failed", "error", err, "retryIn", delay)
		if err := r.repo.FailJob(ctx, job.ID, err.Error(), now.Add(delay)); err != nil {
			log.Error("JobRunner.execute: fail job error", "error", err)
		}
		return
	}
	if err := r.repo.CompleteJob(ctx, job.ID); err != nil {
		log.Error("JobRunner.execute: complete job error", "error", err)
		return
	}
	log.Debug("JobRunner.execute: job completed")
}

// invoke turns a handler panic into a job failure so one bad payload cannot
// stop the runner.
func (r *JobRunner) invoke(ctx context.Context, h JobHandler, payload string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return h(ctx, payload)
}

// RetryDelay is the jittered backoff before the retry of a job that failed
// on the given attempt: base, 2*base, 4*base, ... capped at the maximum.
func (r *JobRunner) RetryDelay(attempt int) time.Duration {
	d := r.cfg.RetryBase
	for i := 0; i < attempt && d < r.cfg.RetryMax; i++ {
		d *= 2
	}
	if d > r.cfg.RetryMax {
		d = r.cfg.RetryMax
	}
	if d <= 0 {
		return time.Second
	}
	if j := r.cfg.Jitter(d); j > 0 {
		return j
	}
	return d
}
