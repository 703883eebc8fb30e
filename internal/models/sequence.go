package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// TemplateStep is one timed message of a sequence template. DelayDays is an
// absolute offset from the sequence start, not from the previous step.
type TemplateStep struct {
	StepNumber  int     `json:"step_number" validate:"required,min=1"`
	Channel     Channel `json:"channel" validate:"required,oneof=EMAIL WHATSAPP SMS"`
	Subject     string  `json:"subject,omitempty" validate:"required_if=Channel EMAIL,max=255"`
	Body        string  `json:"body" validate:"required,max=4096"`
	DelayDays   int     `json:"delay_days" validate:"gte=0"`
	Personalize bool    `json:"personalize,omitempty"`
}

// SequenceTemplate is an immutable, reusable definition of outreach steps.
type SequenceTemplate struct {
	ID          string         `json:"id"`
	Name        string         `json:"name" validate:"required,max=200"`
	Description string         `json:"description,omitempty" validate:"max=1000"`
	Active      bool           `json:"active"`
	Steps       []TemplateStep `json:"steps" validate:"max=50,dive"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Validate checks field constraints and that step numbers are unique.
func (t *SequenceTemplate) Validate() error {
	if err := validate.Struct(t); err != nil {
		return ValidationError(err)
	}
	return ValidateSteps(t.Steps)
}

// ValidateSteps checks each step and rejects duplicate step numbers.
func ValidateSteps(steps []TemplateStep) error {
	if len(steps) > MaxTemplateSteps {
		return fmt.Errorf("%w: too many steps (%d > %d)", ErrValidation, len(steps), MaxTemplateSteps)
	}
	seen := make(map[int]bool, len(steps))
	for i := range steps {
		if err := validate.Struct(&steps[i]); err != nil {
			return ValidationError(err)
		}
		if seen[steps[i].StepNumber] {
			return fmt.Errorf("%w: duplicate step number %d", ErrValidation, steps[i].StepNumber)
		}
		seen[steps[i].StepNumber] = true
	}
	return nil
}

// SortedSteps returns a copy of steps ordered by step number.
func SortedSteps(steps []TemplateStep) []TemplateStep {
	out := make([]TemplateStep, len(steps))
	copy(out, steps)
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out
}

// Validate checks the person's fields.
func (p *Person) Validate() error {
	if err := validate.Struct(p); err != nil {
		return ValidationError(err)
	}
	return nil
}

// SequenceInstance is one running execution of a template against one person.
type SequenceInstance struct {
	ID                string         `json:"id"`
	PersonID          string         `json:"person_id"`
	TemplateID        string         `json:"template_id"`
	Status            SequenceStatus `json:"status"`
	CurrentStep       int            `json:"current_step"`
	TotalSteps        int            `json:"total_steps"`
	NextDueAt         *time.Time     `json:"next_due_at"`
	StartedAt         time.Time      `json:"started_at"`
	PausedAt          *time.Time     `json:"paused_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	DispatchStepID    string         `json:"-"`
	DispatchClaimedAt *time.Time     `json:"-"`
	Steps             []InstanceStep `json:"steps,omitempty"`
}

// InstanceStep is the materialized copy of a template step inside an
// instance. Executed and ExecutedAt are set once and never cleared.
type InstanceStep struct {
	ID          string     `json:"id"`
	InstanceID  string     `json:"instance_id"`
	StepNumber  int        `json:"step_number"`
	Channel     Channel    `json:"channel"`
	Subject     string     `json:"subject,omitempty"`
	Body        string     `json:"body"`
	DelayDays   int        `json:"delay_days"`
	Personalize bool       `json:"personalize,omitempty"`
	Executed    bool       `json:"executed"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
}

// StepAdvance is the all-or-nothing update applied after a step was sent.
type StepAdvance struct {
	InstanceID string
	StepID     string
	StepNumber int
	ExecutedAt time.Time
	// NextDueAt is nil when no unexecuted step remains; the instance then
	// completes at ExecutedAt.
	NextDueAt *time.Time
}

// Patch returns the schedule change an advance applies to an instance that
// is currently in status. Only an ACTIVE instance may complete; a PAUSED one
// keeps its status but follows the new schedule, and a terminal one keeps
// everything except the claim.
func (a StepAdvance) Patch(status SequenceStatus) InstancePatch {
	p := InstancePatch{ClearDispatchClaim: true}
	switch status {
	case StatusActive:
		if a.NextDueAt == nil {
			return CompletionPatch(a.ExecutedAt)
		}
		p.NextDueAt = a.NextDueAt
	case StatusPaused:
		if a.NextDueAt != nil {
			p.NextDueAt = a.NextDueAt
		}
	}
	return p
}

// InstancePatch describes a lifecycle update. Nil pointers leave the column
// untouched; the Clear flags null it out.
type InstancePatch struct {
	Status             SequenceStatus
	PausedAt           *time.Time
	ClearPausedAt      bool
	CompletedAt        *time.Time
	NextDueAt          *time.Time
	ClearNextDueAt     bool
	ClearDispatchClaim bool
}

// Apply writes the patch into the instance in memory.
func (p InstancePatch) Apply(inst *SequenceInstance) {
	if p.Status != "" {
		inst.Status = p.Status
	}
	if p.PausedAt != nil {
		t := *p.PausedAt
		inst.PausedAt = &t
	}
	if p.ClearPausedAt {
		inst.PausedAt = nil
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		inst.CompletedAt = &t
	}
	if p.NextDueAt != nil {
		t := *p.NextDueAt
		inst.NextDueAt = &t
	}
	if p.ClearNextDueAt {
		inst.NextDueAt = nil
	}
	if p.ClearDispatchClaim {
		inst.DispatchStepID = ""
		inst.DispatchClaimedAt = nil
	}
}

// ValidationError converts validator errors into an ErrValidation with
// readable field messages.
func ValidationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	var msgs []string
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "required_if":
			msgs = append(msgs, field+" is required for "+strings.ToLower(strings.Fields(fe.Param())[1])+" steps")
		case "min", "gte":
			msgs = append(msgs, field+" must be at least "+fe.Param())
		case "max":
			msgs = append(msgs, field+" must be at most "+fe.Param())
		case "oneof":
			msgs = append(msgs, field+" must be one of "+fe.Param())
		case "email":
			msgs = append(msgs, field+" must be a valid email")
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
}
