package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ClaimDueJobs selects and marks due jobs inside one transaction. The store
// runs on a single connection, so no other writer can interleave.
func (s *SQLiteStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	now = now.UTC()
	var jobs []Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE status = ? AND run_at <= ? ORDER BY run_at ASC LIMIT ?`,
			string(JobStatusQueued), now, limit,
		)
		if err != nil {
			return fmt.Errorf("claim due jobs query failed: %w", err)
		}
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan job failed: %w", err)
			}
			jobs = append(jobs, j)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("claim due jobs iteration failed: %w", err)
		}

		for i := range jobs {
			if _, err := tx.ExecContext(ctx,
				`UPDATE jobs SET status = ?, locked_at = ?, updated_at = ? WHERE id = ?`,
				string(JobStatusRunning), now, now, jobs[i].ID,
			); err != nil {
				return fmt.Errorf("mark job running failed: %w", err)
			}
			jobs[i].Status = JobStatusRunning
			lockedAt := now
			jobs[i].LockedAt = &lockedAt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}
