// Package models defines the core data structures for OutreachPipe.
//
// It includes sequence templates, running sequence instances, message records
// and the people they target, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// Channel is the messaging medium a step is delivered over.
type Channel string

const (
	// ChannelEmail delivers the step by email.
	ChannelEmail Channel = "EMAIL"
	// ChannelWhatsApp delivers the step as a WhatsApp message.
	ChannelWhatsApp Channel = "WHATSAPP"
	// ChannelSMS delivers the step as a text message.
	ChannelSMS Channel = "SMS"
)

// IsValidChannel checks if the given channel is supported.
func IsValidChannel(c Channel) bool {
	switch c {
	case ChannelEmail, ChannelWhatsApp, ChannelSMS:
		return true
	default:
		return false
	}
}

// SequenceStatus is the lifecycle state of a sequence instance.
type SequenceStatus string

const (
	StatusActive    SequenceStatus = "ACTIVE"
	StatusPaused    SequenceStatus = "PAUSED"
	StatusCompleted SequenceStatus = "COMPLETED"
	StatusCancelled SequenceStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible out of s.
func (s SequenceStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// MessageStatus represents the delivery status of a message record.
type MessageStatus string

const (
	// MessageStatusSent indicates the provider accepted the message.
	MessageStatusSent MessageStatus = "SENT"
	// MessageStatusFailed indicates the provider rejected the message.
	MessageStatusFailed MessageStatus = "FAILED"
)

// Validation constants for input validation
const (
	// MaxMessageBodyLength defines the maximum allowed length for step body content
	MaxMessageBodyLength = 4096
	// MaxSubjectLength defines the maximum allowed length for an email subject
	MaxSubjectLength = 255
	// MaxTemplateSteps defines the maximum number of steps in one template
	MaxTemplateSteps = 50
)

// Error variables for better error handling and testability.
// Callers match them with errors.Is; operations wrap them with context.
var (
	ErrNotFound               = errors.New("not found")
	ErrValidation             = errors.New("validation failed")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrMissingContactChannel  = errors.New("missing contact channel")
	ErrSend                   = errors.New("send failed")
	ErrStorage                = errors.New("storage error")
)

// Person is the target of outreach. Only the contact fields and the values
// used for template variables are modelled here.
type Person struct {
	ID          string    `json:"id"`
	FirstName   string    `json:"first_name" validate:"required,max=100"`
	LastName    string    `json:"last_name,omitempty" validate:"max=100"`
	Email       string    `json:"email,omitempty" validate:"omitempty,email"`
	Phone       string    `json:"phone,omitempty" validate:"max=32"`
	WhatsApp    string    `json:"whatsapp,omitempty" validate:"max=32"`
	CompanyName string    `json:"company_name,omitempty" validate:"max=200"`
	CreatedAt   time.Time `json:"created_at"`
}

// FullName joins first and last name.
func (p Person) FullName() string {
	if p.LastName == "" {
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

// AddressFor returns the person's contact address for the channel, or an
// empty string when the person has none.
func (p Person) AddressFor(c Channel) string {
	switch c {
	case ChannelEmail:
		return p.Email
	case ChannelWhatsApp:
		return p.WhatsApp
	case ChannelSMS:
		return p.Phone
	default:
		return ""
	}
}

// MessageRecord is the append-only record of a dispatched message.
type MessageRecord struct {
	ID                string        `json:"id"`
	PersonID          string        `json:"person_id"`
	InstanceID        string        `json:"instance_id,omitempty"`
	StepID            string        `json:"step_id,omitempty"`
	Channel           Channel       `json:"channel"`
	Address           string        `json:"address"`
	Subject           string        `json:"subject,omitempty"`
	Body              string        `json:"body"`
	Status            MessageStatus `json:"status"`
	Provider          string        `json:"provider,omitempty"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	SentAt            time.Time     `json:"sent_at"`
}

// TickOutcome is the per-instance result of one scheduler tick.
type TickOutcome string

const (
	OutcomeDispatched TickOutcome = "dispatched"
	OutcomeCompleted  TickOutcome = "completed"
	OutcomeFailed     TickOutcome = "failed"
	// OutcomeSkipped means another dispatch already holds the instance.
	OutcomeSkipped TickOutcome = "skipped"
)

// InstanceOutcome reports what a tick did with one instance.
type InstanceOutcome struct {
	InstanceID string      `json:"instance_id"`
	StepID     string      `json:"step_id,omitempty"`
	StepNumber int         `json:"step_number,omitempty"`
	Outcome    TickOutcome `json:"outcome"`
	Error      string      `json:"error,omitempty"`
}

// TickResult aggregates the outcomes of one scheduler tick.
type TickResult struct {
	RanAt      time.Time         `json:"ran_at"`
	Dispatched int               `json:"dispatched"`
	Completed  int               `json:"completed"`
	Failed     int               `json:"failed"`
	Skipped    int               `json:"skipped"`
	Outcomes   []InstanceOutcome `json:"outcomes,omitempty"`
}

// Add counts an outcome into the result.
func (r *TickResult) Add(o InstanceOutcome) {
	switch o.Outcome {
	case OutcomeDispatched:
		r.Dispatched++
	case OutcomeCompleted:
		r.Completed++
	case OutcomeFailed:
		r.Failed++
	case OutcomeSkipped:
		r.Skipped++
	}
	r.Outcomes = append(r.Outcomes, o)
}
