package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/util"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL backends.
// Queries are written with ? placeholders and rebound per dialect.
type sqlStore struct {
	db   *sql.DB
	name string // log prefix, e.g. "SQLiteStore"

	// rebind converts a ? query into the driver's placeholder syntax.
	rebind func(string) string
	// lockRow is appended to row reads that must hold the row for the rest
	// of the transaction. Empty where the database serializes writers.
	lockRow string
}

// openSQLStore opens driver at dsn, lets tune size the pool, checks the
// connection and applies migrations.
func openSQLStore(driver, dsn, name, migrations string, tune func(*sql.DB)) (*sqlStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: open: %w", name, err)
	}
	tune(db)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: ping: %w", name, err)
	}
	if _, err := db.Exec(migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: apply migrations: %w", name, err)
	}
	slog.Debug(name+".open: migrations applied", "driver", driver)
	return &sqlStore{db: db, name: name}, nil
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *sqlStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(q), args...)
}

// withTx runs fn inside a transaction, rolling back on any error.
func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorage("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error(s.name+".withTx: rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapStorage("commit transaction", err)
	}
	return nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug(s.name + ".Close: closing database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error(s.name+".Close: failed to close database", "error", err)
	}
	return err
}

// --- persons ---

func (s *sqlStore) CreatePerson(ctx context.Context, p *models.Person) error {
	if p.ID == "" {
		p.ID = util.GeneratePersonID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx,
		`INSERT INTO persons (`+personColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.FirstName, nilIfEmpty(p.LastName), nilIfEmpty(p.Email), nilIfEmpty(p.Phone),
		nilIfEmpty(p.WhatsApp), nilIfEmpty(p.CompanyName), p.CreatedAt.UTC(),
	)
	if err != nil {
		slog.Error(s.name+".CreatePerson failed", "error", err, "id", p.ID)
		return wrapStorage("insert person", err)
	}
	slog.Debug(s.name+".CreatePerson succeeded", "id", p.ID)
	return nil
}

func (s *sqlStore) GetPerson(ctx context.Context, id string) (*models.Person, error) {
	p, err := scanPerson(s.queryRow(ctx, `SELECT `+personColumns+` FROM persons WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: person %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, wrapStorage("get person", err)
	}
	return &p, nil
}

func (s *sqlStore) ListPersons(ctx context.Context) ([]models.Person, error) {
	rows, err := s.query(ctx, `SELECT `+personColumns+` FROM persons ORDER BY created_at DESC`)
	if err != nil {
		return nil, wrapStorage("list persons", err)
	}
	defer rows.Close()
	var out []models.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, wrapStorage("scan person", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("iterate persons", err)
	}
	return out, nil
}

// --- templates ---

func (s *sqlStore) insertTemplateSteps(ctx context.Context, tx *sql.Tx, templateID string, steps []models.TemplateStep) error {
	q := s.rebind(`INSERT INTO template_steps (template_id, ` + templateStepColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	for _, st := range steps {
		if _, err := tx.ExecContext(ctx, q, templateID, st.StepNumber, string(st.Channel),
			nilIfEmpty(st.Subject), st.Body, st.DelayDays, st.Personalize); err != nil {
			return wrapStorage("insert template step", err)
		}
	}
	return nil
}

func (s *sqlStore) CreateTemplate(ctx context.Context, t *models.SequenceTemplate) error {
	if t.ID == "" {
		t.ID = util.GenerateTemplateID()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	t.Steps = models.SortedSteps(t.Steps)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO sequence_templates (`+templateColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
			t.ID, t.Name, nilIfEmpty(t.Description), t.Active, now, now); err != nil {
			return wrapStorage("insert template", err)
		}
		return s.insertTemplateSteps(ctx, tx, t.ID, t.Steps)
	})
	if err != nil {
		slog.Error(s.name+".CreateTemplate failed", "error", err, "id", t.ID)
		return err
	}
	slog.Debug(s.name+".CreateTemplate succeeded", "id", t.ID, "steps", len(t.Steps))
	return nil
}

func (s *sqlStore) templateSteps(ctx context.Context, templateID string) ([]models.TemplateStep, error) {
	rows, err := s.query(ctx, `SELECT `+templateStepColumns+` FROM template_steps WHERE template_id = ? ORDER BY step_number ASC`, templateID)
	if err != nil {
		return nil, wrapStorage("list template steps", err)
	}
	defer rows.Close()
	steps := []models.TemplateStep{}
	for rows.Next() {
		st, err := scanTemplateStep(rows)
		if err != nil {
			return nil, wrapStorage("scan template step", err)
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("iterate template steps", err)
	}
	return steps, nil
}

func (s *sqlStore) GetTemplate(ctx context.Context, id string) (*models.SequenceTemplate, error) {
	t, err := scanTemplate(s.queryRow(ctx, `SELECT `+templateColumns+` FROM sequence_templates WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: template %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, wrapStorage("get template", err)
	}
	if t.Steps, err = s.templateSteps(ctx, id); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *sqlStore) ListTemplates(ctx context.Context) ([]models.SequenceTemplate, error) {
	rows, err := s.query(ctx, `SELECT `+templateColumns+` FROM sequence_templates ORDER BY created_at DESC`)
	if err != nil {
		return nil, wrapStorage("list templates", err)
	}
	var out []models.SequenceTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			rows.Close()
			return nil, wrapStorage("scan template", err)
		}
		out = append(out, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("iterate templates", err)
	}
	// Steps are loaded after the cursor is closed; SQLite runs on one connection.
	for i := range out {
		if out[i].Steps, err = s.templateSteps(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *sqlStore) UpdateTemplate(ctx context.Context, id string, meta TemplateMeta) (*models.SequenceTemplate, error) {
	res, err := s.exec(ctx,
		`UPDATE sequence_templates SET name = ?, description = ?, active = ?, updated_at = ? WHERE id = ?`,
		meta.Name, nilIfEmpty(meta.Description), meta.Active, time.Now().UTC(), id,
	)
	if err != nil {
		return nil, wrapStorage("update template", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: template %s", models.ErrNotFound, id)
	}
	return s.GetTemplate(ctx, id)
}

func (s *sqlStore) ReplaceTemplateSteps(ctx context.Context, id string, steps []models.TemplateStep) (*models.SequenceTemplate, error) {
	sorted := models.SortedSteps(steps)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE sequence_templates SET updated_at = ? WHERE id = ?`), time.Now().UTC(), id)
		if err != nil {
			return wrapStorage("touch template", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: template %s", models.ErrNotFound, id)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM template_steps WHERE template_id = ?`), id); err != nil {
			return wrapStorage("delete template steps", err)
		}
		return s.insertTemplateSteps(ctx, tx, id, sorted)
	})
	if err != nil {
		return nil, err
	}
	slog.Debug(s.name+".ReplaceTemplateSteps succeeded", "id", id, "steps", len(sorted))
	return s.GetTemplate(ctx, id)
}

func (s *sqlStore) DeleteTemplate(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var refs int
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM sequence_instances WHERE template_id = ?`), id).Scan(&refs); err != nil {
			return wrapStorage("count template references", err)
		}
		if refs > 0 {
			return fmt.Errorf("%w: template %s is referenced by %d sequences", models.ErrValidation, id, refs)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM template_steps WHERE template_id = ?`), id); err != nil {
			return wrapStorage("delete template steps", err)
		}
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM sequence_templates WHERE id = ?`), id)
		if err != nil {
			return wrapStorage("delete template", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: template %s", models.ErrNotFound, id)
		}
		return nil
	})
}

// --- instances ---

func (s *sqlStore) CreateInstance(ctx context.Context, inst *models.SequenceInstance) error {
	if inst.ID == "" {
		inst.ID = util.GenerateInstanceID()
	}
	for i := range inst.Steps {
		if inst.Steps[i].ID == "" {
			inst.Steps[i].ID = util.GenerateStepID()
		}
		inst.Steps[i].InstanceID = inst.ID
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO sequence_instances (`+instanceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			inst.ID, inst.PersonID, inst.TemplateID, string(inst.Status), inst.CurrentStep, inst.TotalSteps,
			nullTime(inst.NextDueAt), inst.StartedAt.UTC(), nullTime(inst.PausedAt), nullTime(inst.CompletedAt),
			nilIfEmpty(inst.DispatchStepID), nullTime(inst.DispatchClaimedAt),
		)
		if err != nil {
			return wrapStorage("insert sequence", err)
		}
		q := s.rebind(`INSERT INTO instance_steps (` + instanceStepColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		for _, st := range inst.Steps {
			if _, err := tx.ExecContext(ctx, q, st.ID, st.InstanceID, st.StepNumber, string(st.Channel),
				nilIfEmpty(st.Subject), st.Body, st.DelayDays, st.Personalize, st.Executed, nullTime(st.ExecutedAt)); err != nil {
				return wrapStorage("insert sequence step", err)
			}
		}
		return nil
	})
	if err != nil {
		slog.Error(s.name+".CreateInstance failed", "error", err, "id", inst.ID)
		return err
	}
	slog.Debug(s.name+".CreateInstance succeeded", "id", inst.ID, "personID", inst.PersonID, "steps", len(inst.Steps))
	return nil
}

func (s *sqlStore) GetInstance(ctx context.Context, id string) (*models.SequenceInstance, error) {
	inst, err := scanInstance(s.queryRow(ctx, `SELECT `+instanceColumns+` FROM sequence_instances WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: sequence %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, wrapStorage("get sequence", err)
	}
	if inst.Steps, err = s.instanceSteps(ctx, id); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *sqlStore) instanceSteps(ctx context.Context, instanceID string) ([]models.InstanceStep, error) {
	rows, err := s.query(ctx, `SELECT `+instanceStepColumns+` FROM instance_steps WHERE instance_id = ? ORDER BY step_number ASC`, instanceID)
	if err != nil {
		return nil, wrapStorage("list sequence steps", err)
	}
	defer rows.Close()
	steps := []models.InstanceStep{}
	for rows.Next() {
		st, err := scanInstanceStep(rows)
		if err != nil {
			return nil, wrapStorage("scan sequence step", err)
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("iterate sequence steps", err)
	}
	return steps, nil
}

func (s *sqlStore) listInstances(ctx context.Context, q string, args ...any) ([]models.SequenceInstance, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, wrapStorage("list sequences", err)
	}
	var out []models.SequenceInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			rows.Close()
			return nil, wrapStorage("scan sequence", err)
		}
		out = append(out, inst)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("iterate sequences", err)
	}
	return out, nil
}

func (s *sqlStore) ListInstancesForPerson(ctx context.Context, personID string) ([]models.SequenceInstance, error) {
	out, err := s.listInstances(ctx,
		`SELECT `+instanceColumns+` FROM sequence_instances WHERE person_id = ? ORDER BY started_at DESC`, personID)
	if err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Steps, err = s.instanceSteps(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *sqlStore) FindDueInstances(ctx context.Context, now time.Time) ([]models.SequenceInstance, error) {
	return s.listInstances(ctx,
		`SELECT `+instanceColumns+` FROM sequence_instances
		 WHERE status = ? AND next_due_at IS NOT NULL AND next_due_at <= ?
		 ORDER BY next_due_at ASC`,
		string(models.StatusActive), now.UTC())
}

func (s *sqlStore) GetInstanceSteps(ctx context.Context, instanceID string) ([]models.InstanceStep, error) {
	var exists int
	err := s.queryRow(ctx, `SELECT 1 FROM sequence_instances WHERE id = ?`, instanceID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: sequence %s", models.ErrNotFound, instanceID)
	}
	if err != nil {
		return nil, wrapStorage("check sequence", err)
	}
	return s.instanceSteps(ctx, instanceID)
}

func (s *sqlStore) instanceExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM sequence_instances WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrapStorage("check sequence", err)
	}
	return true, nil
}

func (s *sqlStore) UpdateInstance(ctx context.Context, id string, expected models.SequenceStatus, patch models.InstancePatch) (*models.SequenceInstance, error) {
	sets, args := patchAssignments(patch)
	if len(sets) > 0 {
		q := `UPDATE sequence_instances SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status = ?`
		args = append(args, id, string(expected))
		res, err := s.exec(ctx, q, args...)
		if err != nil {
			return nil, wrapStorage("update sequence", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			ok, err := s.instanceExists(ctx, id)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("%w: sequence %s", models.ErrNotFound, id)
			}
			return nil, ErrConflict
		}
	}
	slog.Debug(s.name+".UpdateInstance succeeded", "id", id, "from", expected, "to", patch.Status)
	return s.GetInstance(ctx, id)
}

func (s *sqlStore) ClaimDispatch(ctx context.Context, instanceID, stepID string, now, staleBefore time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE sequence_instances SET dispatch_step_id = ?, dispatch_claimed_at = ?
		 WHERE id = ? AND status = ? AND next_due_at IS NOT NULL AND next_due_at <= ?
		   AND (dispatch_step_id IS NULL OR dispatch_claimed_at IS NULL OR dispatch_claimed_at < ?)`,
		stepID, now.UTC(), instanceID, string(models.StatusActive), now.UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return false, wrapStorage("claim dispatch", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	ok, err := s.instanceExists(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: sequence %s", models.ErrNotFound, instanceID)
	}
	return false, nil
}

func (s *sqlStore) ReleaseDispatch(ctx context.Context, instanceID, stepID string) error {
	_, err := s.exec(ctx,
		`UPDATE sequence_instances SET dispatch_step_id = NULL, dispatch_claimed_at = NULL WHERE id = ? AND dispatch_step_id = ?`,
		instanceID, stepID,
	)
	if err != nil {
		return wrapStorage("release dispatch", err)
	}
	return nil
}

func (s *sqlStore) AdvanceInstance(ctx context.Context, adv models.StepAdvance) (*models.SequenceInstance, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		var claimed sql.NullString
		err := tx.QueryRowContext(ctx,
			s.rebind(`SELECT status, dispatch_step_id FROM sequence_instances WHERE id = ?`+s.lockRow), adv.InstanceID,
		).Scan(&status, &claimed)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: sequence %s", models.ErrNotFound, adv.InstanceID)
		}
		if err != nil {
			return wrapStorage("lock sequence", err)
		}

		var executed bool
		err = tx.QueryRowContext(ctx,
			s.rebind(`SELECT executed FROM instance_steps WHERE id = ? AND instance_id = ?`), adv.StepID, adv.InstanceID,
		).Scan(&executed)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: step %s in sequence %s", models.ErrNotFound, adv.StepID, adv.InstanceID)
		}
		if err != nil {
			return wrapStorage("read step", err)
		}

		if executed {
			if claimed.String == adv.StepID {
				_, err = tx.ExecContext(ctx, s.rebind(
					`UPDATE sequence_instances SET dispatch_step_id = NULL, dispatch_claimed_at = NULL WHERE id = ?`), adv.InstanceID)
				if err != nil {
					return wrapStorage("clear dispatch claim", err)
				}
			}
			return nil
		}

		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE instance_steps SET executed = ?, executed_at = ? WHERE id = ?`),
			true, adv.ExecutedAt.UTC(), adv.StepID); err != nil {
			return wrapStorage("mark step executed", err)
		}
		var count int
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM instance_steps WHERE instance_id = ? AND executed = ?`),
			adv.InstanceID, true).Scan(&count); err != nil {
			return wrapStorage("count executed steps", err)
		}

		sets, args := patchAssignments(adv.Patch(models.SequenceStatus(status)))
		sets = append(sets, "current_step = ?")
		args = append(args, count, adv.InstanceID)
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE sequence_instances SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...); err != nil {
			return wrapStorage("advance sequence", err)
		}
		return nil
	})
	if err != nil {
		slog.Error(s.name+".AdvanceInstance failed", "error", err, "id", adv.InstanceID, "step", adv.StepNumber)
		return nil, err
	}
	slog.Debug(s.name+".AdvanceInstance succeeded", "id", adv.InstanceID, "step", adv.StepNumber)
	return s.GetInstance(ctx, adv.InstanceID)
}

func (s *sqlStore) DeleteInstance(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM instance_steps WHERE instance_id = ?`), id); err != nil {
			return wrapStorage("delete sequence steps", err)
		}
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM sequence_instances WHERE id = ?`), id)
		if err != nil {
			return wrapStorage("delete sequence", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: sequence %s", models.ErrNotFound, id)
		}
		return nil
	})
}

// --- message history ---

func (s *sqlStore) AppendMessageRecord(ctx context.Context, rec *models.MessageRecord) error {
	if rec.ID == "" {
		rec.ID = util.GenerateMessageID()
	}
	_, err := s.exec(ctx,
		`INSERT INTO message_records (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PersonID, nilIfEmpty(rec.InstanceID), nilIfEmpty(rec.StepID), string(rec.Channel), rec.Address,
		nilIfEmpty(rec.Subject), rec.Body, string(rec.Status), nilIfEmpty(rec.Provider), nilIfEmpty(rec.ProviderMessageID),
		rec.SentAt.UTC(),
	)
	if err != nil {
		slog.Error(s.name+".AppendMessageRecord failed", "error", err, "personID", rec.PersonID)
		return wrapStorage("insert message record", err)
	}
	return nil
}

func (s *sqlStore) FindMessageRecord(ctx context.Context, instanceID, stepID string) (*models.MessageRecord, error) {
	m, err := scanMessage(s.queryRow(ctx,
		`SELECT `+messageColumns+` FROM message_records
		 WHERE instance_id = ? AND step_id = ? AND status = ? ORDER BY sent_at DESC LIMIT 1`,
		instanceID, stepID, string(models.MessageStatusSent)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorage("find message record", err)
	}
	return &m, nil
}

func (s *sqlStore) ListMessageRecords(ctx context.Context, personID string) ([]models.MessageRecord, error) {
	rows, err := s.query(ctx, `SELECT `+messageColumns+` FROM message_records WHERE person_id = ? ORDER BY sent_at ASC`, personID)
	if err != nil {
		return nil, wrapStorage("list message records", err)
	}
	defer rows.Close()
	var out []models.MessageRecord
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, wrapStorage("scan message record", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("iterate message records", err)
	}
	return out, nil
}
