package sequence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/store"
)

// JobKindDispatchStep is the job kind for queued step dispatches.
const JobKindDispatchStep = "dispatch_step"

// DispatchPayload is the JSON payload of a dispatch_step job.
type DispatchPayload struct {
	InstanceID string `json:"instance_id"`
	StepID     string `json:"step_id"`
}

// DispatchDedupeKey identifies the one live job allowed per instance step.
func DispatchDedupeKey(instanceID, stepID string) string {
	return fmt.Sprintf("dispatch:%s:%s", instanceID, stepID)
}

func enqueueDispatch(ctx context.Context, jobs store.JobRepo, instanceID, stepID string, now time.Time) (string, error) {
	payload, err := json.Marshal(DispatchPayload{InstanceID: instanceID, StepID: stepID})
	if err != nil {
		return "", fmt.Errorf("marshal dispatch payload: %w", err)
	}
	id, err := jobs.EnqueueJob(ctx, JobKindDispatchStep, now, string(payload), DispatchDedupeKey(instanceID, stepID))
	if err != nil {
		return "", fmt.Errorf("enqueue dispatch: %w", err)
	}
	slog.Debug("enqueueDispatch: job enqueued", "jobID", id, "instanceID", instanceID, "stepID", stepID)
	return id, nil
}

// DispatchJobHandler returns the JobRunner handler for dispatch_step jobs.
// Domain failures complete the job; the claim is released and the next tick
// retries the step. Only a malformed payload fails the job.
func DispatchJobHandler(d *Dispatcher) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		var p DispatchPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("decode dispatch payload: %w", err)
		}
		if p.InstanceID == "" || p.StepID == "" {
			return fmt.Errorf("dispatch payload missing instance or step id")
		}
		out, err := d.Dispatch(ctx, p.InstanceID, p.StepID)
		if err != nil {
			slog.Warn("DispatchJobHandler: dispatch failed", "instanceID", p.InstanceID, "stepID", p.StepID, "error", err)
			return nil
		}
		slog.Debug("DispatchJobHandler: dispatch finished", "instanceID", p.InstanceID, "stepID", p.StepID, "outcome", out.Outcome)
		return nil
	}
}

// RegisterDispatchHandler wires the dispatcher into runner.
func RegisterDispatchHandler(runner *store.JobRunner, d *Dispatcher) {
	runner.RegisterHandler(JobKindDispatchStep, DispatchJobHandler(d))
}
