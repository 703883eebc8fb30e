package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/store"
)

// maxTransitionAttempts bounds how often an action is re-evaluated when the
// instance status changes underneath it.
const maxTransitionAttempts = 3

// Engine owns templates, persons and the lifecycle of sequence instances.
type Engine struct {
	store store.Store
	clock Clock
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineClock overrides the engine's clock.
func WithEngineClock(c Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// NewEngine creates an Engine over st.
func NewEngine(st store.Store, opts ...EngineOption) *Engine {
	e := &Engine{store: st, clock: SystemClock{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreatePerson validates and stores a person.
func (e *Engine) CreatePerson(ctx context.Context, p *models.Person) error {
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.LastName = strings.TrimSpace(p.LastName)
	p.Email = strings.TrimSpace(p.Email)
	if err := p.Validate(); err != nil {
		return err
	}
	if err := e.store.CreatePerson(ctx, p); err != nil {
		return fmt.Errorf("create person: %w", err)
	}
	slog.Info("Engine.CreatePerson: person created", "personID", p.ID)
	return nil
}

func (e *Engine) GetPerson(ctx context.Context, id string) (*models.Person, error) {
	return e.store.GetPerson(ctx, id)
}

// ListMessages returns the message history of a person, oldest first.
func (e *Engine) ListMessages(ctx context.Context, personID string) ([]models.MessageRecord, error) {
	if _, err := e.store.GetPerson(ctx, personID); err != nil {
		return nil, err
	}
	return e.store.ListMessageRecords(ctx, personID)
}

// CreateTemplate validates and stores a template with its steps.
func (e *Engine) CreateTemplate(ctx context.Context, t *models.SequenceTemplate) error {
	t.Name = strings.TrimSpace(t.Name)
	if err := t.Validate(); err != nil {
		return err
	}
	if err := e.store.CreateTemplate(ctx, t); err != nil {
		return fmt.Errorf("create template: %w", err)
	}
	slog.Info("Engine.CreateTemplate: template created", "templateID", t.ID, "steps", len(t.Steps))
	return nil
}

func (e *Engine) GetTemplate(ctx context.Context, id string) (*models.SequenceTemplate, error) {
	return e.store.GetTemplate(ctx, id)
}

func (e *Engine) ListTemplates(ctx context.Context) ([]models.SequenceTemplate, error) {
	return e.store.ListTemplates(ctx)
}

// UpdateTemplate changes template metadata. Running instances are unaffected.
func (e *Engine) UpdateTemplate(ctx context.Context, id string, meta store.TemplateMeta) (*models.SequenceTemplate, error) {
	meta.Name = strings.TrimSpace(meta.Name)
	switch {
	case meta.Name == "":
		return nil, fmt.Errorf("%w: name is required", models.ErrValidation)
	case len(meta.Name) > 200:
		return nil, fmt.Errorf("%w: name must be at most 200", models.ErrValidation)
	case len(meta.Description) > 1000:
		return nil, fmt.Errorf("%w: description must be at most 1000", models.ErrValidation)
	}
	return e.store.UpdateTemplate(ctx, id, meta)
}

// ReplaceTemplateSteps swaps the template's steps. Instances already started
// keep the steps they were created with.
func (e *Engine) ReplaceTemplateSteps(ctx context.Context, id string, steps []models.TemplateStep) (*models.SequenceTemplate, error) {
	if err := models.ValidateSteps(steps); err != nil {
		return nil, err
	}
	t, err := e.store.ReplaceTemplateSteps(ctx, id, steps)
	if err != nil {
		return nil, err
	}
	slog.Info("Engine.ReplaceTemplateSteps: steps replaced", "templateID", id, "steps", len(steps))
	return t, nil
}

func (e *Engine) DeleteTemplate(ctx context.Context, id string) error {
	return e.store.DeleteTemplate(ctx, id)
}

// StartSequence creates an ACTIVE instance of a template for a person. The
// template's steps are copied so later template edits do not affect it.
func (e *Engine) StartSequence(ctx context.Context, personID, templateID string) (*models.SequenceInstance, error) {
	tmpl, err := e.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if !tmpl.Active {
		return nil, fmt.Errorf("%w: template %s is not active", models.ErrValidation, templateID)
	}
	first, ok := firstTemplateStep(tmpl.Steps)
	if !ok {
		return nil, fmt.Errorf("%w: template %s has no steps", models.ErrValidation, templateID)
	}
	if _, err := e.store.GetPerson(ctx, personID); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	due := DueAt(now, first.DelayDays)
	inst := &models.SequenceInstance{
		PersonID:   personID,
		TemplateID: templateID,
		Status:     models.StatusActive,
		TotalSteps: len(tmpl.Steps),
		StartedAt:  now,
		NextDueAt:  &due,
	}
	for _, st := range models.SortedSteps(tmpl.Steps) {
		inst.Steps = append(inst.Steps, models.InstanceStep{
			StepNumber:  st.StepNumber,
			Channel:     st.Channel,
			Subject:     st.Subject,
			Body:        st.Body,
			DelayDays:   st.DelayDays,
			Personalize: st.Personalize,
		})
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("start sequence: %w", err)
	}
	slog.Info("Engine.StartSequence: sequence started", "instanceID", inst.ID, "personID", personID, "templateID", templateID, "nextDueAt", due)
	return inst, nil
}

// PauseSequence stops dispatch of an ACTIVE instance. Its schedule is kept.
func (e *Engine) PauseSequence(ctx context.Context, id string) (*models.SequenceInstance, error) {
	return e.ApplyAction(ctx, id, models.ActionPause)
}

// ResumeSequence reactivates a PAUSED instance. Steps that fell due while
// paused are sent on the next tick.
func (e *Engine) ResumeSequence(ctx context.Context, id string) (*models.SequenceInstance, error) {
	return e.ApplyAction(ctx, id, models.ActionResume)
}

// CancelSequence terminates an ACTIVE or PAUSED instance.
func (e *Engine) CancelSequence(ctx context.Context, id string) (*models.SequenceInstance, error) {
	return e.ApplyAction(ctx, id, models.ActionCancel)
}

// ApplyAction applies a lifecycle action. The write is conditioned on the
// status the decision was made from; a concurrent change re-evaluates the
// action against the new status.
func (e *Engine) ApplyAction(ctx context.Context, id string, action models.Action) (*models.SequenceInstance, error) {
	for attempt := 1; ; attempt++ {
		inst, err := e.store.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		patch, err := models.Transition(inst.Status, action, e.clock.Now())
		if err != nil {
			return nil, err
		}
		updated, err := e.store.UpdateInstance(ctx, id, inst.Status, patch)
		if errors.Is(err, store.ErrConflict) && attempt < maxTransitionAttempts {
			slog.Debug("Engine.ApplyAction: status changed concurrently, retrying", "instanceID", id, "action", action, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s sequence %s: %w", action, id, err)
		}
		transitionsTotal.WithLabelValues(string(action)).Inc()
		slog.Info("Engine.ApplyAction: transition applied", "instanceID", id, "action", action, "from", inst.Status, "to", updated.Status)
		return updated, nil
	}
}

// GetInstance returns an instance with its steps.
func (e *Engine) GetInstance(ctx context.Context, id string) (*models.SequenceInstance, error) {
	return e.store.GetInstance(ctx, id)
}

// ListForPerson returns a person's instances, newest first.
func (e *Engine) ListForPerson(ctx context.Context, personID string) ([]models.SequenceInstance, error) {
	if _, err := e.store.GetPerson(ctx, personID); err != nil {
		return nil, err
	}
	return e.store.ListInstancesForPerson(ctx, personID)
}

// DeleteSequence removes an instance and its steps. Message records stay.
func (e *Engine) DeleteSequence(ctx context.Context, id string) error {
	if err := e.store.DeleteInstance(ctx, id); err != nil {
		return err
	}
	slog.Info("Engine.DeleteSequence: sequence deleted", "instanceID", id)
	return nil
}
