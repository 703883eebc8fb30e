package store

import (
	"context"
	"fmt"
	"time"
)

// ClaimDueJobs marks due jobs running in a single statement. SKIP LOCKED lets
// several runners share the table without claiming the same job.
func (s *PostgresStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE jobs SET status = 'running', locked_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM jobs WHERE status = 'queued' AND run_at <= $1
		   ORDER BY run_at ASC LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs failed: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due jobs iteration failed: %w", err)
	}
	return jobs, nil
}
