package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/util"
)

func (s *InMemoryStore) EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == dedupeKey && (j.Status == JobStatusQueued || j.Status == JobStatusRunning) {
				return j.ID, nil
			}
		}
	}
	now := time.Now().UTC()
	id := util.GenerateJobID()
	s.jobs[id] = Job{
		ID:          id,
		Kind:        kind,
		RunAt:       runAt.UTC(),
		PayloadJSON: payloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: DefaultJobMaxAttempts,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return id, nil
}

func (s *InMemoryStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		lockedAt := now
		due[i].Status = JobStatusRunning
		due[i].LockedAt = &lockedAt
		due[i].UpdatedAt = now
		s.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *InMemoryStore) CompleteJob(ctx context.Context, id string) error {
	return s.updateJob(id, func(j *Job) {
		j.Status = JobStatusDone
		j.LockedAt = nil
	})
}

func (s *InMemoryStore) FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error {
	return s.updateJob(id, func(j *Job) {
		j.Attempt++
		j.LastError = errMsg
		j.LockedAt = nil
		if j.Attempt >= j.MaxAttempts {
			j.Status = JobStatusFailed
			return
		}
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt.UTC()
	})
}

func (s *InMemoryStore) CancelJob(ctx context.Context, id string) error {
	return s.updateJob(id, func(j *Job) {
		j.Status = JobStatusCanceled
		j.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			s.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func (s *InMemoryStore) updateJob(id string, fn func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	fn(&j)
	j.UpdatedAt = time.Now().UTC()
	s.jobs[id] = j
	return nil
}
