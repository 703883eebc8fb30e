package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/util"
)

func (s *sqlStore) EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	id := util.GenerateJobID()
	now := time.Now().UTC()

	if dedupeKey != "" {
		// Check for existing non-terminal job with same dedupe key
		var existingID string
		err := s.queryRow(ctx,
			`SELECT id FROM jobs WHERE dedupe_key = ? AND status NOT IN (?, ?, ?)`,
			dedupeKey, string(JobStatusDone), string(JobStatusCanceled), string(JobStatusFailed),
		).Scan(&existingID)
		if err == nil {
			slog.Debug(s.name+".EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	_, err := s.exec(ctx,
		`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		id, kind, runAt.UTC(), payloadJSON, string(JobStatusQueued), DefaultJobMaxAttempts, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug(s.name+".EnqueueJob", "id", id, "kind", kind, "runAt", runAt)
	return id, nil
}

func (s *sqlStore) CompleteJob(ctx context.Context, id string) error {
	_, err := s.exec(ctx,
		`UPDATE jobs SET status = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		string(JobStatusDone), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *sqlStore) FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var attempt, maxAttempts int
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT attempt, max_attempts FROM jobs WHERE id = ?`+s.lockRow), id).Scan(&attempt, &maxAttempts)
		if err != nil {
			return fmt.Errorf("fail job lookup failed: %w", err)
		}

		attempt++
		if attempt >= maxAttempts {
			_, err = tx.ExecContext(ctx, s.rebind(
				`UPDATE jobs SET status = ?, attempt = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
				string(JobStatusFailed), attempt, errMsg, now, id,
			)
		} else {
			_, err = tx.ExecContext(ctx, s.rebind(
				`UPDATE jobs SET status = ?, attempt = ?, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
				string(JobStatusQueued), attempt, errMsg, nextRunAt.UTC(), now, id,
			)
		}
		if err != nil {
			return fmt.Errorf("fail job update failed: %w", err)
		}
		return nil
	})
}

func (s *sqlStore) CancelJob(ctx context.Context, id string) error {
	_, err := s.exec(ctx,
		`UPDATE jobs SET status = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		string(JobStatusCanceled), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	return nil
}

func (s *sqlStore) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.exec(ctx,
		`UPDATE jobs SET status = ?, locked_at = NULL, updated_at = ? WHERE status = ? AND locked_at < ?`,
		string(JobStatusQueued), time.Now().UTC(), string(JobStatusRunning), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info(s.name+".RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}
