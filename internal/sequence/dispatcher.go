package sequence

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/OutreachPipe/internal/messaging"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/render"
	"github.com/BTreeMap/OutreachPipe/internal/store"
)

// Dispatcher sends one claimed step and advances its instance.
type Dispatcher struct {
	store    store.Store
	sender   messaging.Sender
	renderer *render.Renderer
	clock    Clock
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithRenderer sets the renderer used for step text.
func WithRenderer(r *render.Renderer) DispatcherOption {
	return func(d *Dispatcher) { d.renderer = r }
}

// WithDispatcherClock overrides the dispatcher's clock.
func WithDispatcherClock(c Clock) DispatcherOption {
	return func(d *Dispatcher) { d.clock = c }
}

// NewDispatcher creates a Dispatcher that delivers through sender.
func NewDispatcher(st store.Store, sender messaging.Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{store: st, sender: sender, renderer: render.NewRenderer(), clock: SystemClock{}}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends stepID of instanceID. The caller must hold the instance's
// dispatch claim for the step. Every failure path releases the claim and
// leaves the step unexecuted so a later tick retries it.
func (d *Dispatcher) Dispatch(ctx context.Context, instanceID, stepID string) (models.InstanceOutcome, error) {
	out := models.InstanceOutcome{InstanceID: instanceID, StepID: stepID}
	fail := func(err error) (models.InstanceOutcome, error) {
		d.release(ctx, instanceID, stepID)
		out.Outcome = models.OutcomeFailed
		out.Error = err.Error()
		return out, err
	}

	inst, err := d.store.GetInstance(ctx, instanceID)
	if err != nil {
		return fail(err)
	}
	step, ok := findStep(inst.Steps, stepID)
	if !ok {
		return fail(fmt.Errorf("%w: step %s in sequence %s", models.ErrNotFound, stepID, instanceID))
	}
	out.StepNumber = step.StepNumber

	if inst.DispatchStepID != stepID {
		slog.Debug("Dispatcher.Dispatch: claim not held, skipping", "instanceID", instanceID, "stepID", stepID, "claimedStep", inst.DispatchStepID)
		out.Outcome = models.OutcomeSkipped
		return out, nil
	}
	if step.Executed || inst.Status != models.StatusActive {
		slog.Info("Dispatcher.Dispatch: nothing to send", "instanceID", instanceID, "stepID", stepID, "executed", step.Executed, "status", inst.Status)
		d.release(ctx, instanceID, stepID)
		out.Outcome = models.OutcomeSkipped
		return out, nil
	}

	person, err := d.store.GetPerson(ctx, inst.PersonID)
	if err != nil {
		return fail(err)
	}
	address := person.AddressFor(step.Channel)
	if address == "" {
		slog.Warn("Dispatcher.Dispatch: person has no address for channel", "instanceID", instanceID, "personID", person.ID, "channel", step.Channel)
		return fail(fmt.Errorf("%w: person %s has no %s address", models.ErrMissingContactChannel, person.ID, step.Channel))
	}

	existing, err := d.store.FindMessageRecord(ctx, instanceID, stepID)
	if err != nil {
		return fail(err)
	}
	if existing != nil {
		slog.Info("Dispatcher.Dispatch: step already sent, advancing only", "instanceID", instanceID, "stepID", stepID, "messageID", existing.ID)
	} else if err := d.send(ctx, inst, step, *person, address); err != nil {
		return fail(err)
	}

	adv := models.StepAdvance{
		InstanceID: instanceID,
		StepID:     stepID,
		StepNumber: step.StepNumber,
		ExecutedAt: d.clock.Now(),
	}
	if next, ok := NextStepAfter(inst.Steps, step.StepNumber); ok {
		due := DueAt(inst.StartedAt, next.DelayDays)
		adv.NextDueAt = &due
	}
	updated, err := d.store.AdvanceInstance(ctx, adv)
	if err != nil {
		slog.Error("Dispatcher.Dispatch: advance failed after send", "instanceID", instanceID, "stepID", stepID, "error", err)
		return fail(fmt.Errorf("advance sequence %s: %w", instanceID, err))
	}
	slog.Info("Dispatcher.Dispatch: step dispatched", "instanceID", instanceID, "stepID", stepID,
		"stepNumber", step.StepNumber, "channel", step.Channel, "status", updated.Status, "currentStep", updated.CurrentStep)
	out.Outcome = models.OutcomeDispatched
	return out, nil
}

// send renders and delivers the step and appends its message record.
func (d *Dispatcher) send(ctx context.Context, inst *models.SequenceInstance, step models.InstanceStep, person models.Person, address string) error {
	rendered := d.renderer.Render(ctx, person, step)
	msg := messaging.OutboundMessage{
		Channel: step.Channel,
		To:      address,
		Subject: rendered.Subject,
		Body:    rendered.Body,
	}
	rec := &models.MessageRecord{
		PersonID:   person.ID,
		InstanceID: inst.ID,
		StepID:     step.ID,
		Channel:    step.Channel,
		Address:    address,
		Subject:    rendered.Subject,
		Body:       rendered.Body,
	}

	res, err := d.sender.Send(ctx, msg)
	rec.SentAt = d.clock.Now()
	if err != nil {
		messagesTotal.WithLabelValues(string(step.Channel), string(models.MessageStatusFailed)).Inc()
		slog.Warn("Dispatcher.Dispatch: send failed", "instanceID", inst.ID, "stepID", step.ID, "channel", step.Channel, "error", err)
		rec.Status = models.MessageStatusFailed
		if recErr := d.store.AppendMessageRecord(ctx, rec); recErr != nil {
			slog.Error("Dispatcher.Dispatch: failed to record failed send", "instanceID", inst.ID, "stepID", step.ID, "error", recErr)
		}
		return err
	}
	messagesTotal.WithLabelValues(string(step.Channel), string(models.MessageStatusSent)).Inc()

	rec.Status = models.MessageStatusSent
	rec.Provider = res.Provider
	rec.ProviderMessageID = res.MessageID
	if err := d.store.AppendMessageRecord(ctx, rec); err != nil {
		// The provider accepted the message; losing the record only costs
		// history, so progress is still written.
		slog.Error("Dispatcher.Dispatch: failed to record sent message", "instanceID", inst.ID, "stepID", step.ID, "providerMessageID", res.MessageID, "error", err)
	}
	return nil
}

func (d *Dispatcher) release(ctx context.Context, instanceID, stepID string) {
	if err := d.store.ReleaseDispatch(ctx, instanceID, stepID); err != nil {
		slog.Error("Dispatcher.release: failed to release dispatch claim", "instanceID", instanceID, "stepID", stepID, "error", err)
	}
}

func findStep(steps []models.InstanceStep, id string) (models.InstanceStep, bool) {
	for _, st := range steps {
		if st.ID == id {
			return st, true
		}
	}
	return models.InstanceStep{}, false
}
