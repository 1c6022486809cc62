package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// Job statuses.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobDone    = "done"
	JobDead    = "dead"
)

// Job is a row in the delayed-job table. IDs are caller-supplied and
// deterministic so that re-enqueueing the same logical work replaces the
// earlier pending row instead of duplicating it.
type Job struct {
	ID          string    `json:"id"`
	JobType     string    `json:"job_type"`
	PayloadJSON string    `json:"payload_json"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	RunAt       time.Time `json:"run_at"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type JobsStore interface {
	// Enqueue inserts the job, or replaces an existing row with the same id
	// unless that row is currently running.
	Enqueue(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	// ClaimDueJobs atomically flips due pending jobs to running and returns
	// them. Claimed jobs belong to the caller until marked done, rescheduled,
	// or dead.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error)
	MarkDone(ctx context.Context, id string) error
	Reschedule(ctx context.Context, id string, runAt time.Time, lastError string) error
	MarkDead(ctx context.Context, id, lastError string) error
	// ReleaseStuckJobs returns jobs stuck in running longer than cutoff back
	// to pending. Covers crashes between claim and completion.
	ReleaseStuckJobs(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeFinished(ctx context.Context, before time.Time) (int64, error)
}

type jobsStore struct {
	db *sql.DB
}

func NewJobsStore(db *sql.DB) JobsStore {
	return &jobsStore{db: db}
}

func (s *jobsStore) Enqueue(ctx context.Context, job *Job) error {
	if strings.TrimSpace(job.ID) == "" {
		return errors.New("job id required")
	}
	now := time.Now().UTC()
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	job.Status = JobPending
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET job_type=?, payload_json=?, status=?, attempts=0, run_at=?, last_error='', updated_at=?
		WHERE id=? AND status!=?`,
		job.JobType, job.PayloadJSON, JobPending, job.RunAt.UTC(), now, job.ID, JobRunning)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs(id, job_type, payload_json, status, attempts, run_at, last_error, created_at, updated_at)
		VALUES(?,?,?,?,0,?,'',?,?)`,
		job.ID, job.JobType, job.PayloadJSON, JobPending, job.RunAt.UTC(), now, now)
	if err != nil {
		// A running row with this id means the work is already in flight.
		existing, getErr := s.GetJob(ctx, job.ID)
		if getErr == nil && existing != nil && existing.Status == JobRunning {
			return nil
		}
		return err
	}
	return nil
}

func (s *jobsStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_type, payload_json, status, attempts, run_at, last_error, created_at, updated_at
		FROM jobs WHERE id=?`, id)
	var j Job
	if err := row.Scan(&j.ID, &j.JobType, &j.PayloadJSON, &j.Status, &j.Attempts, &j.RunAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &j, nil
}

func (s *jobsStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_type, payload_json, status, attempts, run_at, last_error, created_at, updated_at
		FROM jobs WHERE status=? AND run_at<=?
		ORDER BY run_at ASC LIMIT ?`, JobPending, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	var candidates []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.JobType, &j.PayloadJSON, &j.Status, &j.Attempts, &j.RunAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var claimed []Job
	for _, j := range candidates {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status=?, attempts=attempts+1, updated_at=?
			WHERE id=? AND status=?`, JobRunning, time.Now().UTC(), j.ID, JobPending)
		if err != nil {
			return nil, err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			continue
		}
		j.Status = JobRunning
		j.Attempts++
		claimed = append(claimed, j)
	}
	return claimed, nil
}

func (s *jobsStore) MarkDone(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status=?, last_error='', updated_at=? WHERE id=? AND status=?`,
		JobDone, time.Now().UTC(), id, JobRunning)
	return err
}

func (s *jobsStore) Reschedule(ctx context.Context, id string, runAt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status=?, run_at=?, last_error=?, updated_at=? WHERE id=? AND status=?`,
		JobPending, runAt.UTC(), lastError, time.Now().UTC(), id, JobRunning)
	return err
}

func (s *jobsStore) MarkDead(ctx context.Context, id, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status=?, last_error=?, updated_at=? WHERE id=?`,
		JobDead, lastError, time.Now().UTC(), id)
	return err
}

func (s *jobsStore) ReleaseStuckJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status=?, updated_at=? WHERE status=? AND updated_at<?`,
		JobPending, time.Now().UTC(), JobRunning, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *jobsStore) PurgeFinished(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE status IN (?,?) AND updated_at<?`,
		JobDone, JobDead, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
