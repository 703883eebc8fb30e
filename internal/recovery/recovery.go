// Package recovery runs startup recovery for OutreachPipe so work left over
// from a previous process is resumed before new ticks are scheduled.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/sequence"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context) error
}

// StaleJobRecoverer is satisfied by *store.JobRunner.
type StaleJobRecoverer interface {
	RecoverStaleJobs(ctx context.Context) error
}

// Ticker runs one outreach tick.
type Ticker interface {
	Tick(ctx context.Context) (*models.TickResult, error)
}

// JobQueueRecovery requeues dispatch jobs left running by a crashed process.
type JobQueueRecovery struct {
	runner StaleJobRecoverer
}

func NewJobQueueRecovery(runner StaleJobRecoverer) *JobQueueRecovery {
	return &JobQueueRecovery{runner: runner}
}

func (r *JobQueueRecovery) RecoverState(ctx context.Context) error {
	return r.runner.RecoverStaleJobs(ctx)
}

// CatchUpTick runs one tick at startup so steps that fell due while the
// process was down are sent without waiting for the next scheduled tick.
type CatchUpTick struct {
	ticker Ticker
}

func NewCatchUpTick(ticker Ticker) *CatchUpTick {
	return &CatchUpTick{ticker: ticker}
}

func (r *CatchUpTick) RecoverState(ctx context.Context) error {
	res, err := r.ticker.Tick(ctx)
	if errors.Is(err, sequence.ErrTickInProgress) {
		slog.Info("CatchUpTick.RecoverState: another tick is running, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("catch-up tick: %w", err)
	}
	slog.Info("CatchUpTick.RecoverState: catch-up tick finished",
		"dispatched", res.Dispatched, "completed", res.Completed, "failed", res.Failed, "skipped", res.Skipped)
	return nil
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	recoverables []Recoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{recoverables: make([]Recoverable, 0)}
}

// RegisterRecoverable adds a component that can be recovered. Components
// recover in registration order.
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// Len returns the number of registered components.
func (rm *RecoveryManager) Len() int { return len(rm.recoverables) }

// RecoverAll performs recovery of all registered components. A failing
// component does not stop the others.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("Starting application recovery", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0

	for _, recoverable := range rm.recoverables {
		if err := recoverable.RecoverState(ctx); err != nil {
			slog.Error("Component recovery failed", "error", err, "component", fmt.Sprintf("%T", recoverable))
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("Application recovery completed", "recovered", recoveredCount, "errors", errorCount)

	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}

	return nil
}
