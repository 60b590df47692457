package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job is one durable scheduler job: either a recurring cron schedule or a
// one-shot run-at timer (Schedule empty, RunAt set).
type Job struct {
	ID              string
	SessionID       string
	Schedule        string // 5-field cron expression; empty for one-shot jobs
	Message         string
	RunOnce         bool
	RunAt           time.Time // zero for cron jobs
	LastFiredMinute string    // "2006-01-02T15:04" of the last fire
	CreatedAt       time.Time
}

// InsertJob persists a new scheduler job, assigning an ID when absent.
func (s *Store) InsertJob(ctx context.Context, j *Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	var runAt sql.NullTime
	if !j.RunAt.IsZero() {
		runAt = sql.NullTime{Time: j.RunAt.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduler_jobs (id, session_id, schedule, message, run_once, run_at, last_fired_minute, created_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?)
	`, j.ID, j.SessionID, j.Schedule, j.Message, boolToInt(j.RunOnce), runAt, j.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// ListJobs returns every persisted scheduler job, oldest first.
func (s *Store) ListJobs(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, schedule, message, run_once, run_at, last_fired_minute, created_at
		FROM scheduler_jobs ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j := &Job{}
		var runOnce int
		var runAt sql.NullTime
		var lastFired sql.NullString
		if err := rows.Scan(&j.ID, &j.SessionID, &j.Schedule, &j.Message, &runOnce, &runAt, &lastFired, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		j.RunOnce = runOnce != 0
		if runAt.Valid {
			j.RunAt = runAt.Time
		}
		if lastFired.Valid {
			j.LastFiredMinute = lastFired.String
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

// MarkJobFired records the minute a job last fired, for at-most-once-per-
// matching-minute semantics across restarts.
func (s *Store) MarkJobFired(ctx context.Context, id, minute string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduler_jobs SET last_fired_minute = ? WHERE id = ?
	`, minute, id)
	if err != nil {
		return fmt.Errorf("failed to mark job fired: %w", err)
	}
	return nil
}

// DeleteJob removes a job. Deleting a missing job is not an error: a runOnce
// job may have already removed itself.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduler_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
