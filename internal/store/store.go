// Package store persists per-build state: one record per build plus the
// immutable revision tags stamped on it, keyed by workspace subdirectory.
// The tag of the last successful build is the poll baseline.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/quarryci/hgsync/internal/revision"
)

// Build statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Build is one recorded build of a job.
type Build struct {
	Job         string         `json:"job"`
	Number      int            `json:"number"`
	Status      string         `json:"status"`
	Change      string         `json:"change,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	Tags        []revision.Tag `json:"tags,omitempty"`
}

// Store reads and writes build history.
type Store struct {
	db *sql.DB
}

// New creates a Store over an opened database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// NextBuildNumber allocates the next build ordinal for a job.
func (s *Store) NextBuildNumber(ctx context.Context, job string) (int, error) {
	if job == "" {
		return 0, fmt.Errorf("job name is empty")
	}
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(number) FROM builds WHERE job = ?;", job).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("read last build number: %w", err)
	}
	return int(max.Int64) + 1, nil
}

// RecordBuild persists a completed build and its tags in one transaction.
func (s *Store) RecordBuild(ctx context.Context, b Build) error {
	if b.Job == "" {
		return fmt.Errorf("job name is empty")
	}
	if b.Number <= 0 {
		return fmt.Errorf("build number must be positive")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var completed any
	if b.CompletedAt != nil {
		completed = b.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO builds(job, number, status, change, started_at, completed_at, last_error)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, b.Job, b.Number, b.Status, b.Change, b.StartedAt.UTC().Format(time.RFC3339Nano), completed, nullIfEmpty(b.LastError))
	if err != nil {
		return fmt.Errorf("record build: %w", err)
	}

	for _, tag := range b.Tags {
		_, err = tx.ExecContext(ctx, `
INSERT INTO build_tags(job, number, subdir, rev_id, rev_number)
VALUES(?, ?, ?, ?, ?);
`, b.Job, b.Number, tag.Subdir, tag.ID, tag.Number)
		if err != nil {
			return fmt.Errorf("record build tag: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Baseline returns the revision tag of the most recent successful build for
// the given subdir, or nil when no such build exists. This is the comparison
// point for polling.
func (s *Store) Baseline(ctx context.Context, job, subdir string) (*revision.Tag, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT t.rev_id, t.rev_number, t.subdir
FROM build_tags t
JOIN builds b ON b.job = t.job AND b.number = t.number
WHERE t.job = ? AND t.subdir = ? AND b.status = ?
ORDER BY t.number DESC
LIMIT 1;
`, job, subdir, StatusSucceeded)

	var tag revision.Tag
	err := row.Scan(&tag.ID, &tag.Number, &tag.Subdir)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read baseline: %w", err)
	}
	return &tag, nil
}

// Tag returns the revision tag stamped on a specific build for a subdir, or
// nil when the build carries none.
func (s *Store) Tag(ctx context.Context, job string, number int, subdir string) (*revision.Tag, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT rev_id, rev_number, subdir
FROM build_tags
WHERE job = ? AND number = ? AND subdir = ?;
`, job, number, subdir)

	var tag revision.Tag
	err := row.Scan(&tag.ID, &tag.Number, &tag.Subdir)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read build tag: %w", err)
	}
	return &tag, nil
}

// Builds returns up to limit most recent builds for a job, newest first,
// tags attached.
func (s *Store) Builds(ctx context.Context, job string, limit int) ([]Build, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT job, number, status, change, started_at, completed_at, last_error
FROM builds
WHERE job = ?
ORDER BY number DESC
LIMIT ?;
`, job, limit)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var builds []Build
	for rows.Next() {
		var (
			b          Build
			change     sql.NullString
			startedS   string
			completedS sql.NullString
			lastError  sql.NullString
		)
		if err := rows.Scan(&b.Job, &b.Number, &b.Status, &change, &startedS, &completedS, &lastError); err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		b.Change = change.String
		b.LastError = lastError.String
		if t, err := time.Parse(time.RFC3339Nano, startedS); err == nil {
			b.StartedAt = t
		}
		if completedS.Valid {
			if t, err := time.Parse(time.RFC3339Nano, completedS.String); err == nil {
				b.CompletedAt = &t
			}
		}
		builds = append(builds, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}

	for i := range builds {
		tags, err := s.tagsFor(ctx, builds[i].Job, builds[i].Number)
		if err != nil {
			return nil, err
		}
		builds[i].Tags = tags
	}
	return builds, nil
}

func (s *Store) tagsFor(ctx context.Context, job string, number int) ([]revision.Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT rev_id, rev_number, subdir
FROM build_tags
WHERE job = ? AND number = ?
ORDER BY subdir ASC;
`, job, number)
	if err != nil {
		return nil, fmt.Errorf("list build tags: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tags []revision.Tag
	for rows.Next() {
		var tag revision.Tag
		if err := rows.Scan(&tag.ID, &tag.Number, &tag.Subdir); err != nil {
			return nil, fmt.Errorf("scan build tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
