package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DefaultRunnerPollInterval   = 10 * time.Second
	DefaultRunnerStaleThreshold = 5 * time.Minute
	DefaultRunnerClaimLimit     = 10

	// retryBase is the delay before the first retry of a failed job.
	retryBase = 30 * time.Second
	// retryCap bounds the exponential retry delay.
	retryCap = time.Hour
	// orphanRetry is how long a job with an unregistered kind waits.
	orphanRetry = time.Minute
)

var jobResultsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "outreachpipe_jobs_total",
		Help: "Dispatch queue job executions by kind and result.",
	},
	[]string{"kind", "result"},
)

// JobHandler executes the work of one job given its payload JSON.
type JobHandler func(ctx context.Context, payload string) error

// JobRunner claims due jobs from a JobRepo and hands them to the handler
// registered for their kind.
type JobRunner struct {
	repo     JobRepo
	mu       sync.RWMutex
	handlers map[string]JobHandler

	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	now            func() time.Time
}

// RunnerOption configures a JobRunner.
type RunnerOption func(*JobRunner)

// WithStaleThreshold sets how long a job may stay running before
// RecoverStaleJobs puts it back in the queue.
func WithStaleThreshold(d time.Duration) RunnerOption {
	return func(r *JobRunner) {
		if d > 0 {
			r.staleThreshold = d
		}
	}
}

// WithClaimLimit sets the batch size for a single poll.
func WithClaimLimit(n int) RunnerOption {
	return func(r *JobRunner) {
		if n > 0 {
			r.claimLimit = n
		}
	}
}

// WithRunnerClock overrides the time source used for claims and retries.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *JobRunner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewJobRunner builds a runner polling repo every pollInterval.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...RunnerOption) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = DefaultRunnerPollInterval
	}
	r := &JobRunner{
		repo:           repo,
		handlers:       make(map[string]JobHandler),
		pollInterval:   pollInterval,
		staleThreshold: DefaultRunnerStaleThreshold,
		claimLimit:     DefaultRunnerClaimLimit,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterHandler binds handler to jobs of the given kind, replacing any
// previous binding.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	r.handlers[kind] = handler
	r.mu.Unlock()
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

func (r *JobRunner) handlerFor(kind string) (JobHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// RecoverStaleJobs requeues jobs left running by a previous process. Call it
// once before Run.
func (r *JobRunner) RecoverStaleJobs(ctx context.Context) error {
	n, err := r.repo.RequeueStaleRunningJobs(ctx, r.now().Add(-r.staleThreshold))
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
	slog.Info("JobRunner.Run: started", "pollInterval", r.pollInterval, "claimLimit", r.claimLimit)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopped")
			return
		case <-ticker.C:
			r.PollOnce(ctx)
		}
	}
}

// PollOnce claims one batch of due jobs, executes them in order and reports
// how many were claimed.
func (r *JobRunner) PollOnce(ctx context.Context) int {
	now := r.now()
	jobs, err := r.repo.ClaimDueJobs(ctx, now, r.claimLimit)
	if err != nil {
		slog.Error("JobRunner.PollOnce: claim failed", "error", err)
		return 0
	}
	for _, job := range jobs {
		r.execute(ctx, job, now)
	}
	return len(jobs)
}

func (r *JobRunner) execute(ctx context.Context, job Job, now time.Time) {
	handler, ok := r.handlerFor(job.Kind)
	if !ok {
		slog.Warn("JobRunner.execute: no handler registered", "id", job.ID, "kind", job.Kind)
		jobResultsTotal.WithLabelValues(job.Kind, "unhandled").Inc()
		r.fail(ctx, job, "no handler registered for kind: "+job.Kind, now.Add(orphanRetry))
		return
	}

	if err := handler(ctx, job.PayloadJSON); err != nil {
		slog.Error("JobRunner.execute: handler failed", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "error", err)
		jobResultsTotal.WithLabelValues(job.Kind, "retry").Inc()
		r.fail(ctx, job, err.Error(), now.Add(RetryDelay(job.Attempt)))
		return
	}

	if err := r.repo.CompleteJob(ctx, job.ID); err != nil {
		slog.Error("JobRunner.execute: complete failed", "id", job.ID, "error", err)
		return
	}
	jobResultsTotal.WithLabelValues(job.Kind, "done").Inc()
	slog.Debug("JobRunner.execute: done", "id", job.ID, "kind", job.Kind)
}

func (r *JobRunner) fail(ctx context.Context, job Job, reason string, next time.Time) {
	if err := r.repo.FailJob(ctx, job.ID, reason, next); err != nil {
		slog.Error("JobRunner.fail: could not record failure", "id", job.ID, "error", err)
	}
}

// RetryDelay is the wait before retrying a job that has already been
// attempted attempt times: 30s doubling per attempt, capped at one hour.
func RetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := retryBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= retryCap {
			return retryCap
		}
	}
	return d
}
