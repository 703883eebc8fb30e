// Package store provides storage backends for OutreachPipe.
//
// It includes an in-memory store for tests and SQLite/PostgreSQL stores for
// persistent deployments. All backends implement Store and JobRepo.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// ErrConflict is returned when a conditional instance update finds the
// instance in a different status than expected.
var ErrConflict = errors.New("instance status changed concurrently")

// PersonStore holds the people sequences are run against.
type PersonStore interface {
	CreatePerson(ctx context.Context, p *models.Person) error
	GetPerson(ctx context.Context, id string) (*models.Person, error)
	ListPersons(ctx context.Context) ([]models.Person, error)
}

// TemplateMeta is the metadata-only part of a template update.
type TemplateMeta struct {
	Name        string
	Description string
	Active      bool
}

// TemplateStore holds sequence templates. Changes never touch instances that
// were already started from a template.
type TemplateStore interface {
	CreateTemplate(ctx context.Context, t *models.SequenceTemplate) error
	GetTemplate(ctx context.Context, id string) (*models.SequenceTemplate, error)
	ListTemplates(ctx context.Context) ([]models.SequenceTemplate, error)
	UpdateTemplate(ctx context.Context, id string, meta TemplateMeta) (*models.SequenceTemplate, error)
	ReplaceTemplateSteps(ctx context.Context, id string, steps []models.TemplateStep) (*models.SequenceTemplate, error)
	DeleteTemplate(ctx context.Context, id string) error
}

// InstanceStore holds running sequence instances and their steps.
type InstanceStore interface {
	// CreateInstance inserts the instance and all of inst.Steps atomically,
	// assigning IDs to both.
	CreateInstance(ctx context.Context, inst *models.SequenceInstance) error

	// GetInstance returns the instance with its steps ordered by step number.
	GetInstance(ctx context.Context, id string) (*models.SequenceInstance, error)

	// ListInstancesForPerson returns the person's instances, newest first.
	ListInstancesForPerson(ctx context.Context, personID string) ([]models.SequenceInstance, error)

	// FindDueInstances returns ACTIVE instances with next_due_at <= now.
	FindDueInstances(ctx context.Context, now time.Time) ([]models.SequenceInstance, error)

	// GetInstanceSteps returns the instance's steps ordered by step number.
	GetInstanceSteps(ctx context.Context, instanceID string) ([]models.InstanceStep, error)

	// UpdateInstance applies patch only if the instance is still in status
	// expected; otherwise it returns ErrConflict and changes nothing.
	UpdateInstance(ctx context.Context, id string, expected models.SequenceStatus, patch models.InstancePatch) (*models.SequenceInstance, error)

	// ClaimDispatch records the intent to dispatch stepID. It succeeds only
	// for an ACTIVE, due instance without a live claim; a claim taken before
	// staleBefore counts as abandoned.
	ClaimDispatch(ctx context.Context, instanceID, stepID string, now, staleBefore time.Time) (bool, error)

	// ReleaseDispatch drops the claim on stepID without advancing anything.
	ReleaseDispatch(ctx context.Context, instanceID, stepID string) error

	// AdvanceInstance marks the step executed and applies the resulting
	// schedule change in one transaction. It never overwrites a status that
	// changed while the send was in flight.
	AdvanceInstance(ctx context.Context, adv models.StepAdvance) (*models.SequenceInstance, error)

	DeleteInstance(ctx context.Context, id string) error
}

// MessageStore holds the append-only message history.
type MessageStore interface {
	AppendMessageRecord(ctx context.Context, rec *models.MessageRecord) error

	// FindMessageRecord returns the SENT record for a step, or nil if none exists.
	FindMessageRecord(ctx context.Context, instanceID, stepID string) (*models.MessageRecord, error)

	ListMessageRecords(ctx context.Context, personID string) ([]models.MessageRecord, error)
}

// Store is the full data-access surface used by the sequence engine.
type Store interface {
	PersonStore
	TemplateStore
	InstanceStore
	MessageStore
	Close() error
}

// Opts holds configuration for persistent stores.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

func applyOpts(opts []Option) Opts {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for anything else (treated as a file path).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "user=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}
