package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/util"
)

// Compile-time checks that InMemoryStore implements Store and JobRepo.
var (
	_ Store   = (*InMemoryStore)(nil)
	_ JobRepo = (*InMemoryStore)(nil)
)

// InMemoryStore keeps everything in process memory behind one mutex. Every
// method copies values in and out so callers never share state with it.
type InMemoryStore struct {
	mu        sync.Mutex
	persons   map[string]models.Person
	templates map[string]models.SequenceTemplate
	instances map[string]models.SequenceInstance
	steps     map[string][]models.InstanceStep // keyed by instance ID
	messages  []models.MessageRecord
	jobs      map[string]Job
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		persons:   make(map[string]models.Person),
		templates: make(map[string]models.SequenceTemplate),
		instances: make(map[string]models.SequenceInstance),
		steps:     make(map[string][]models.InstanceStep),
		jobs:      make(map[string]Job),
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreatePerson(ctx context.Context, p *models.Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = util.GeneratePersonID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.persons[p.ID] = *p
	return nil
}

func (s *InMemoryStore) GetPerson(ctx context.Context, id string) (*models.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.persons[id]
	if !ok {
		return nil, fmt.Errorf("%w: person %s", models.ErrNotFound, id)
	}
	return &p, nil
}

func (s *InMemoryStore) ListPersons(ctx context.Context) ([]models.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Person, 0, len(s.persons))
	for _, p := range s.persons {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdatePerson replaces a stored person. Used by tests to fix contact data
// between ticks.
func (s *InMemoryStore) UpdatePerson(p models.Person) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persons[p.ID] = p
}

func (s *InMemoryStore) CreateTemplate(ctx context.Context, t *models.SequenceTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = util.GenerateTemplateID()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	t.Steps = models.SortedSteps(t.Steps)
	s.templates[t.ID] = copyTemplate(*t)
	return nil
}

func (s *InMemoryStore) GetTemplate(ctx context.Context, id string) (*models.SequenceTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("%w: template %s", models.ErrNotFound, id)
	}
	t = copyTemplate(t)
	return &t, nil
}

func (s *InMemoryStore) ListTemplates(ctx context.Context) ([]models.SequenceTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SequenceTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, copyTemplate(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) UpdateTemplate(ctx context.Context, id string, meta TemplateMeta) (*models.SequenceTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("%w: template %s", models.ErrNotFound, id)
	}
	t.Name, t.Description, t.Active = meta.Name, meta.Description, meta.Active
	t.UpdatedAt = time.Now().UTC()
	s.templates[id] = t
	t = copyTemplate(t)
	return &t, nil
}

func (s *InMemoryStore) ReplaceTemplateSteps(ctx context.Context, id string, steps []models.TemplateStep) (*models.SequenceTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("%w: template %s", models.ErrNotFound, id)
	}
	t.Steps = models.SortedSteps(steps)
	t.UpdatedAt = time.Now().UTC()
	s.templates[id] = t
	t = copyTemplate(t)
	return &t, nil
}

func (s *InMemoryStore) DeleteTemplate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return fmt.Errorf("%w: template %s", models.ErrNotFound, id)
	}
	for _, inst := range s.instances {
		if inst.TemplateID == id {
			return fmt.Errorf("%w: template %s is referenced by sequence %s", models.ErrValidation, id, inst.ID)
		}
	}
	delete(s.templates, id)
	return nil
}

func (s *InMemoryStore) CreateInstance(ctx context.Context, inst *models.SequenceInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst.ID == "" {
		inst.ID = util.GenerateInstanceID()
	}
	for i := range inst.Steps {
		if inst.Steps[i].ID == "" {
			inst.Steps[i].ID = util.GenerateStepID()
		}
		inst.Steps[i].InstanceID = inst.ID
	}
	stored := copyInstance(*inst)
	steps := stored.Steps
	stored.Steps = nil
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepNumber < steps[j].StepNumber })
	s.instances[inst.ID] = stored
	s.steps[inst.ID] = steps
	return nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (*models.SequenceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: sequence %s", models.ErrNotFound, id)
	}
	inst = copyInstance(inst)
	inst.Steps = copySteps(s.steps[id])
	return &inst, nil
}

func (s *InMemoryStore) ListInstancesForPerson(ctx context.Context, personID string) ([]models.SequenceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SequenceInstance
	for id, inst := range s.instances {
		if inst.PersonID != personID {
			continue
		}
		c := copyInstance(inst)
		c.Steps = copySteps(s.steps[id])
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (s *InMemoryStore) FindDueInstances(ctx context.Context, now time.Time) ([]models.SequenceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SequenceInstance
	for _, inst := range s.instances {
		if inst.Status == models.StatusActive && inst.NextDueAt != nil && !inst.NextDueAt.After(now) {
			out = append(out, copyInstance(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextDueAt.Before(*out[j].NextDueAt) })
	return out, nil
}

func (s *InMemoryStore) GetInstanceSteps(ctx context.Context, instanceID string) ([]models.InstanceStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[instanceID]; !ok {
		return nil, fmt.Errorf("%w: sequence %s", models.ErrNotFound, instanceID)
	}
	return copySteps(s.steps[instanceID]), nil
}

func (s *InMemoryStore) UpdateInstance(ctx context.Context, id string, expected models.SequenceStatus, patch models.InstancePatch) (*models.SequenceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: sequence %s", models.ErrNotFound, id)
	}
	if inst.Status != expected {
		return nil, ErrConflict
	}
	patch.Apply(&inst)
	s.instances[id] = inst
	c := copyInstance(inst)
	c.Steps = copySteps(s.steps[id])
	return &c, nil
}

func (s *InMemoryStore) ClaimDispatch(ctx context.Context, instanceID, stepID string, now, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return false, fmt.Errorf("%w: sequence %s", models.ErrNotFound, instanceID)
	}
	if inst.Status != models.StatusActive || inst.NextDueAt == nil || inst.NextDueAt.After(now) {
		return false, nil
	}
	if inst.DispatchStepID != "" && inst.DispatchClaimedAt != nil && !inst.DispatchClaimedAt.Before(staleBefore) {
		return false, nil
	}
	claimedAt := now
	inst.DispatchStepID = stepID
	inst.DispatchClaimedAt = &claimedAt
	s.instances[instanceID] = inst
	return true, nil
}

func (s *InMemoryStore) ReleaseDispatch(ctx context.Context, instanceID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return fmt.Errorf("%w: sequence %s", models.ErrNotFound, instanceID)
	}
	if inst.DispatchStepID == stepID {
		inst.DispatchStepID = ""
		inst.DispatchClaimedAt = nil
		s.instances[instanceID] = inst
	}
	return nil
}

func (s *InMemoryStore) AdvanceInstance(ctx context.Context, adv models.StepAdvance) (*models.SequenceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[adv.InstanceID]
	if !ok {
		return nil, fmt.Errorf("%w: sequence %s", models.ErrNotFound, adv.InstanceID)
	}
	steps := s.steps[adv.InstanceID]
	idx := -1
	for i := range steps {
		if steps[i].ID == adv.StepID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: step %s in sequence %s", models.ErrNotFound, adv.StepID, adv.InstanceID)
	}

	updated := copySteps(steps)
	if !updated[idx].Executed {
		at := adv.ExecutedAt
		updated[idx].Executed = true
		updated[idx].ExecutedAt = &at
		executed := 0
		for _, st := range updated {
			if st.Executed {
				executed++
			}
		}
		inst.CurrentStep = executed
		adv.Patch(inst.Status).Apply(&inst)
	} else if inst.DispatchStepID == adv.StepID {
		inst.DispatchStepID = ""
		inst.DispatchClaimedAt = nil
	}

	s.steps[adv.InstanceID] = updated
	s.instances[adv.InstanceID] = inst
	c := copyInstance(inst)
	c.Steps = copySteps(updated)
	return &c, nil
}

func (s *InMemoryStore) DeleteInstance(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[id]; !ok {
		return fmt.Errorf("%w: sequence %s", models.ErrNotFound, id)
	}
	delete(s.instances, id)
	delete(s.steps, id)
	return nil
}

func (s *InMemoryStore) AppendMessageRecord(ctx context.Context, rec *models.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = util.GenerateMessageID()
	}
	s.messages = append(s.messages, *rec)
	return nil
}

func (s *InMemoryStore) FindMessageRecord(ctx context.Context, instanceID, stepID string) (*models.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.InstanceID == instanceID && m.StepID == stepID && m.Status == models.MessageStatusSent {
			return &m, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ListMessageRecords(ctx context.Context, personID string) ([]models.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MessageRecord
	for _, m := range s.messages {
		if m.PersonID == personID {
			out = append(out, m)
		}
	}
	return out, nil
}

func copyTemplate(t models.SequenceTemplate) models.SequenceTemplate {
	steps := make([]models.TemplateStep, len(t.Steps))
	copy(steps, t.Steps)
	t.Steps = steps
	return t
}

func copyInstance(inst models.SequenceInstance) models.SequenceInstance {
	inst.NextDueAt = copyTime(inst.NextDueAt)
	inst.PausedAt = copyTime(inst.PausedAt)
	inst.CompletedAt = copyTime(inst.CompletedAt)
	inst.DispatchClaimedAt = copyTime(inst.DispatchClaimedAt)
	inst.Steps = copySteps(inst.Steps)
	return inst
}

func copySteps(steps []models.InstanceStep) []models.InstanceStep {
	if steps == nil {
		return nil
	}
	out := make([]models.InstanceStep, len(steps))
	for i, st := range steps {
		st.ExecutedAt = copyTime(st.ExecutedAt)
		out[i] = st
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
