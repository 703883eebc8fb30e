package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullTime converts an optional time into a nullable UTC column value.
func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// rebindDollar rewrites ? placeholders into PostgreSQL's $1, $2, ... form.
// Queries in this package never contain a literal question mark.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

// scanJob scans a Job from a row.
func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	j.LockedAt = timePtr(lockedAt)
	return j, nil
}

const personColumns = `id, first_name, last_name, email, phone, whatsapp, company_name, created_at`

func scanPerson(row rowScanner) (models.Person, error) {
	var p models.Person
	var lastName, email, phone, whatsapp, company sql.NullString
	if err := row.Scan(&p.ID, &p.FirstName, &lastName, &email, &phone, &whatsapp, &company, &p.CreatedAt); err != nil {
		return p, err
	}
	p.LastName = lastName.String
	p.Email = email.String
	p.Phone = phone.String
	p.WhatsApp = whatsapp.String
	p.CompanyName = company.String
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

const templateColumns = `id, name, description, active, created_at, updated_at`

func scanTemplate(row rowScanner) (models.SequenceTemplate, error) {
	var t models.SequenceTemplate
	var description sql.NullString
	if err := row.Scan(&t.ID, &t.Name, &description, &t.Active, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return t, err
	}
	t.Description = description.String
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

const templateStepColumns = `step_number, channel, subject, body, delay_days, personalize`

func scanTemplateStep(row rowScanner) (models.TemplateStep, error) {
	var st models.TemplateStep
	var subject sql.NullString
	if err := row.Scan(&st.StepNumber, &st.Channel, &subject, &st.Body, &st.DelayDays, &st.Personalize); err != nil {
		return st, err
	}
	st.Subject = subject.String
	return st, nil
}

const instanceColumns = `id, person_id, template_id, status, current_step, total_steps, next_due_at, started_at, paused_at, completed_at, dispatch_step_id, dispatch_claimed_at`

func scanInstance(row rowScanner) (models.SequenceInstance, error) {
	var inst models.SequenceInstance
	var nextDue, paused, completed, claimedAt sql.NullTime
	var dispatchStep sql.NullString
	err := row.Scan(
		&inst.ID, &inst.PersonID, &inst.TemplateID, &inst.Status, &inst.CurrentStep, &inst.TotalSteps,
		&nextDue, &inst.StartedAt, &paused, &completed, &dispatchStep, &claimedAt,
	)
	if err != nil {
		return inst, err
	}
	inst.StartedAt = inst.StartedAt.UTC()
	inst.NextDueAt = timePtr(nextDue)
	inst.PausedAt = timePtr(paused)
	inst.CompletedAt = timePtr(completed)
	inst.DispatchStepID = dispatchStep.String
	inst.DispatchClaimedAt = timePtr(claimedAt)
	return inst, nil
}

const instanceStepColumns = `id, instance_id, step_number, channel, subject, body, delay_days, personalize, executed, executed_at`

func scanInstanceStep(row rowScanner) (models.InstanceStep, error) {
	var st models.InstanceStep
	var subject sql.NullString
	var executedAt sql.NullTime
	err := row.Scan(
		&st.ID, &st.InstanceID, &st.StepNumber, &st.Channel, &subject, &st.Body,
		&st.DelayDays, &st.Personalize, &st.Executed, &executedAt,
	)
	if err != nil {
		return st, err
	}
	st.Subject = subject.String
	st.ExecutedAt = timePtr(executedAt)
	return st, nil
}

const messageColumns = `id, person_id, instance_id, step_id, channel, address, subject, body, status, provider, provider_message_id, sent_at`

func scanMessage(row rowScanner) (models.MessageRecord, error) {
	var m models.MessageRecord
	var instanceID, stepID, subject, provider, providerID sql.NullString
	err := row.Scan(
		&m.ID, &m.PersonID, &instanceID, &stepID, &m.Channel, &m.Address, &subject, &m.Body,
		&m.Status, &provider, &providerID, &m.SentAt,
	)
	if err != nil {
		return m, err
	}
	m.InstanceID = instanceID.String
	m.StepID = stepID.String
	m.Subject = subject.String
	m.Provider = provider.String
	m.ProviderMessageID = providerID.String
	m.SentAt = m.SentAt.UTC()
	return m, nil
}

// patchAssignments turns an InstancePatch into SET clause fragments and
// their arguments.
func patchAssignments(p models.InstancePatch) ([]string, []any) {
	var sets []string
	var args []any
	if p.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, string(p.Status))
	}
	if p.ClearPausedAt {
		sets = append(sets, "paused_at = NULL")
	} else if p.PausedAt != nil {
		sets = append(sets, "paused_at = ?")
		args = append(args, p.PausedAt.UTC())
	}
	if p.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, p.CompletedAt.UTC())
	}
	if p.ClearNextDueAt {
		sets = append(sets, "next_due_at = NULL")
	} else if p.NextDueAt != nil {
		sets = append(sets, "next_due_at = ?")
		args = append(args, p.NextDueAt.UTC())
	}
	if p.ClearDispatchClaim {
		sets = append(sets, "dispatch_step_id = NULL", "dispatch_claimed_at = NULL")
	}
	return sets, args
}

func wrapStorage(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", models.ErrStorage, op, err)
}
