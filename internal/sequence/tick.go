package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/store"
)

// Defaults for the tick scheduler.
const (
	DefaultTickConcurrency = 8
	DefaultClaimLease      = 15 * time.Minute
)

// DispatchMode selects how claimed steps reach the dispatcher.
type DispatchMode string

const (
	// DispatchInline sends within the tick.
	DispatchInline DispatchMode = "inline"
	// DispatchQueue enqueues a durable job per claimed step.
	DispatchQueue DispatchMode = "queue"
)

// ParseDispatchMode validates a dispatch mode from configuration.
func ParseDispatchMode(s string) (DispatchMode, error) {
	switch m := DispatchMode(s); m {
	case "", DispatchInline:
		return DispatchInline, nil
	case DispatchQueue:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown dispatch mode %q", models.ErrValidation, s)
	}
}

// ErrTickInProgress is returned when another process holds the tick fence.
var ErrTickInProgress = errors.New("tick already in progress")

// TickFence keeps concurrent ticks from running in several processes.
type TickFence interface {
	// TryAcquire takes the fence, reporting false when someone else holds it.
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Scheduler runs ticks: it finds due instances and hands each one's next
// step to the dispatcher, at most one dispatch per instance at a time.
type Scheduler struct {
	store       store.Store
	dispatcher  *Dispatcher
	jobs        store.JobRepo
	mode        DispatchMode
	fence       TickFence
	concurrency int
	claimLease  time.Duration
	clock       Clock
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickConcurrency bounds how many instances a tick processes at once.
func WithTickConcurrency(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithClaimLease sets how long a dispatch claim is honoured before another
// tick may take it over.
func WithClaimLease(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.claimLease = d
		}
	}
}

// WithDispatchQueue switches the scheduler to queue mode backed by jobs.
func WithDispatchQueue(jobs store.JobRepo) SchedulerOption {
	return func(s *Scheduler) {
		s.jobs = jobs
		s.mode = DispatchQueue
	}
}

// WithTickFence guards each tick with a cross-process fence.
func WithTickFence(f TickFence) SchedulerOption {
	return func(s *Scheduler) { s.fence = f }
}

// WithSchedulerClock overrides the clock used by Tick.
func WithSchedulerClock(c Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// NewScheduler creates a Scheduler in inline mode unless configured otherwise.
func NewScheduler(st store.Store, d *Dispatcher, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:       st,
		dispatcher:  d,
		mode:        DispatchInline,
		concurrency: DefaultTickConcurrency,
		claimLease:  DefaultClaimLease,
		clock:       SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mode reports the configured dispatch mode.
func (s *Scheduler) Mode() DispatchMode { return s.mode }

// Tick runs RunTick at the scheduler clock's current time.
func (s *Scheduler) Tick(ctx context.Context) (*models.TickResult, error) {
	return s.RunTick(ctx, s.clock.Now())
}

// RunTick processes every instance due at now. A failing instance only
// affects its own outcome; the error return is reserved for failures that
// stop the whole tick.
func (s *Scheduler) RunTick(ctx context.Context, now time.Time) (*models.TickResult, error) {
	start := time.Now()
	now = now.UTC()

	if s.fence != nil {
		ok, err := s.fence.TryAcquire(ctx)
		if err != nil {
			ticksTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("acquire tick fence: %w", err)
		}
		if !ok {
			ticksTotal.WithLabelValues("fenced").Inc()
			slog.Info("Scheduler.RunTick: another tick holds the fence")
			return nil, ErrTickInProgress
		}
		defer func() {
			if err := s.fence.Release(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("Scheduler.RunTick: failed to release tick fence", "error", err)
			}
		}()
	}

	due, err := s.store.FindDueInstances(ctx, now)
	if err != nil {
		ticksTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("find due sequences: %w", err)
	}
	slog.Info("Scheduler.RunTick: tick started", "now", now, "due", len(due), "mode", s.mode)

	result := &models.TickResult{RanAt: now}
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, s.concurrency)
	)
	// Sends are not interrupted once started.
	workCtx := context.WithoutCancel(ctx)
	for _, inst := range due {
		wg.Add(1)
		go func(inst models.SequenceInstance) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			o := s.processInstance(workCtx, inst, now)
			instanceOutcomesTotal.WithLabelValues(string(o.Outcome)).Inc()
			mu.Lock()
			result.Add(o)
			mu.Unlock()
		}(inst)
	}
	wg.Wait()

	sort.Slice(result.Outcomes, func(i, j int) bool { return result.Outcomes[i].InstanceID < result.Outcomes[j].InstanceID })
	ticksTotal.WithLabelValues("ok").Inc()
	tickDuration.Observe(time.Since(start).Seconds())
	slog.Info("Scheduler.RunTick: tick finished", "dispatched", result.Dispatched, "completed", result.Completed,
		"failed", result.Failed, "skipped", result.Skipped, "duration", time.Since(start))
	return result, nil
}

func (s *Scheduler) processInstance(ctx context.Context, inst models.SequenceInstance, now time.Time) models.InstanceOutcome {
	out := models.InstanceOutcome{InstanceID: inst.ID}
	failed := func(err error) models.InstanceOutcome {
		slog.Warn("Scheduler.processInstance: instance failed", "instanceID", inst.ID, "stepID", out.StepID, "error", err)
		out.Outcome = models.OutcomeFailed
		out.Error = err.Error()
		return out
	}

	steps, err := s.store.GetInstanceSteps(ctx, inst.ID)
	if err != nil {
		return failed(err)
	}
	step, ok := SelectDueStep(steps)
	if !ok {
		_, err := s.store.UpdateInstance(ctx, inst.ID, models.StatusActive, models.CompletionPatch(now))
		switch {
		case errors.Is(err, store.ErrConflict):
			out.Outcome = models.OutcomeSkipped
			return out
		case err != nil:
			return failed(err)
		}
		slog.Info("Scheduler.processInstance: sequence completed", "instanceID", inst.ID)
		out.Outcome = models.OutcomeCompleted
		return out
	}
	out.StepID = step.ID
	out.StepNumber = step.StepNumber

	claimed, err := s.store.ClaimDispatch(ctx, inst.ID, step.ID, now, now.Add(-s.claimLease))
	if err != nil {
		return failed(err)
	}
	if !claimed {
		slog.Debug("Scheduler.processInstance: dispatch already claimed", "instanceID", inst.ID, "stepID", step.ID)
		out.Outcome = models.OutcomeSkipped
		return out
	}

	if s.mode == DispatchQueue {
		if _, err := enqueueDispatch(ctx, s.jobs, inst.ID, step.ID, now); err != nil {
			s.dispatcher.release(ctx, inst.ID, step.ID)
			return failed(err)
		}
		out.Outcome = models.OutcomeDispatched
		return out
	}

	res, err := s.dispatcher.Dispatch(ctx, inst.ID, step.ID)
	if err != nil {
		slog.Warn("Scheduler.processInstance: dispatch failed", "instanceID", inst.ID, "stepID", step.ID, "error", err)
	}
	return res
}
