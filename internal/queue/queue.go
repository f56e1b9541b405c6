// Package queue is the sqlite-backed work queue for poll and checkout
// requests. Each worker drains it serially; the queue survives restarts.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Commands.
const (
	CommandPoll     = "poll"
	CommandCheckout = "checkout"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job is one queued unit of work.
type Job struct {
	ID          string
	Job         string
	Command     string
	Status      Status
	SubmittedBy string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	LastError   string
}

// EnqueueRequest describes work to queue.
type EnqueueRequest struct {
	Job         string
	Command     string
	SubmittedBy string
}

type Queue struct {
	db *sql.DB
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.Job == "" {
		return "", fmt.Errorf("job is empty")
	}
	if req.Command != CommandPoll && req.Command != CommandCheckout {
		return "", fmt.Errorf("unknown command %q", req.Command)
	}
	if req.SubmittedBy == "" {
		return "", fmt.Errorf("submitted_by is empty")
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := q.db.ExecContext(ctx, `
INSERT INTO sync_queue(id, job, command, status, submitted_by, created_at)
VALUES(?, ?, ?, ?, ?, ?);
`, id, req.Job, req.Command, StatusQueued, req.SubmittedBy, now)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// Dequeue claims the oldest queued job and marks it running. Returns
// (nil, nil) if the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	nowS := time.Now().UTC().Format(time.RFC3339Nano)

	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM sync_queue
  WHERE status = ?
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE sync_queue
SET status = ?, started_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING id, job, command, status, submitted_by, created_at, started_at, completed_at, last_error;
`, StatusQueued, StatusRunning, nowS)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return j, nil
}

// Complete finishes a running job.
func (q *Queue) Complete(ctx context.Context, id string, status Status, lastError string) error {
	if status != StatusSucceeded && status != StatusFailed {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	nowS := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := q.db.ExecContext(ctx, `
UPDATE sync_queue
SET status = ?, completed_at = ?, last_error = ?
WHERE id = ? AND status = ?;
`, status, nowS, nullIfEmpty(lastError), id, StatusRunning)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s is not running", id)
	}
	return nil
}

// Pending reports whether the job already has queued or running work for
// the given command, to keep triggers from piling up duplicates.
func (q *Queue) Pending(ctx context.Context, job, command string) (bool, error) {
	var count int
	err := q.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM sync_queue
WHERE job = ? AND command = ? AND status IN (?, ?);
`, job, command, StatusQueued, StatusRunning).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count pending: %w", err)
	}
	return count > 0, nil
}

// RecoverOrphans re-queues jobs left running by a previous process.
func (q *Queue) RecoverOrphans(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE sync_queue SET status = ?, started_at = NULL WHERE status = ?;
`, StatusQueued, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("recover orphans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover orphans: %w", err)
	}
	return int(n), nil
}

func scanJob(row *sql.Row) (*Job, error) {
	var (
		j           Job
		statusS     string
		createdS    string
		startedS    sql.NullString
		completedS  sql.NullString
		lastErrorS  sql.NullString
	)
	err := row.Scan(&j.ID, &j.Job, &j.Command, &statusS, &j.SubmittedBy, &createdS, &startedS, &completedS, &lastErrorS)
	if err != nil {
		return nil, err
	}
	j.Status = Status(statusS)
	j.LastError = lastErrorS.String
	if t, err := time.Parse(time.RFC3339Nano, createdS); err == nil {
		j.CreatedAt = t
	}
	if startedS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedS.String); err == nil {
			j.StartedAt = &t
		}
	}
	if completedS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedS.String); err == nil {
			j.CompletedAt = &t
		}
	}
	return &j, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
