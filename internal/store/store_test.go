package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/quarryci/hgsync/internal/revision"
	"github.com/quarryci/hgsync/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func record(t *testing.T, s *Store, job string, number int, status string, tags ...revision.Tag) {
	t.Helper()
	completed := time.Now().UTC()
	err := s.RecordBuild(context.Background(), Build{
		Job:         job,
		Number:      number,
		Status:      status,
		StartedAt:   completed.Add(-time.Minute),
		CompletedAt: &completed,
		Tags:        tags,
	})
	if err != nil {
		t.Fatalf("RecordBuild: %v", err)
	}
}

func TestNextBuildNumber(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.NextBuildNumber(ctx, "app")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("first build number = %d, want 1", n)
	}

	record(t, s, "app", 1, StatusSucceeded)
	record(t, s, "app", 2, StatusFailed)

	n, err = s.NextBuildNumber(ctx, "app")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("next build number = %d, want 3", n)
	}

	// Numbering is per job.
	n, err = s.NextBuildNumber(ctx, "other")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("other job's first number = %d, want 1", n)
	}
}

func TestBaselineIsLastSuccessfulBuild(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	baseline, err := s.Baseline(ctx, "app", "")
	if err != nil {
		t.Fatal(err)
	}
	if baseline != nil {
		t.Fatalf("no builds yet, baseline = %+v", baseline)
	}

	record(t, s, "app", 1, StatusSucceeded, revision.Tag{ID: "aaa", Number: "1"})
	record(t, s, "app", 2, StatusSucceeded, revision.Tag{ID: "bbb", Number: "2"})
	record(t, s, "app", 3, StatusFailed, revision.Tag{ID: "ccc", Number: "3"})

	baseline, err = s.Baseline(ctx, "app", "")
	if err != nil {
		t.Fatal(err)
	}
	if baseline == nil || baseline.ID != "bbb" {
		t.Fatalf("baseline = %+v, want the last successful build's tag bbb", baseline)
	}
}

func TestBaselineIsSubdirAware(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record(t, s, "app", 1, StatusSucceeded,
		revision.Tag{ID: "aaa", Number: "1", Subdir: ""},
		revision.Tag{ID: "xxx", Number: "9", Subdir: "vendor"},
	)

	baseline, err := s.Baseline(ctx, "app", "vendor")
	if err != nil {
		t.Fatal(err)
	}
	if baseline == nil || baseline.ID != "xxx" || baseline.Subdir != "vendor" {
		t.Fatalf("baseline = %+v, want the vendor tag", baseline)
	}

	baseline, err = s.Baseline(ctx, "app", "")
	if err != nil {
		t.Fatal(err)
	}
	if baseline == nil || baseline.ID != "aaa" {
		t.Fatalf("baseline = %+v, want the root tag", baseline)
	}
}

func TestTagForSpecificBuild(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record(t, s, "app", 1, StatusFailed, revision.Tag{ID: "aaa", Number: "1"})

	// A failed build's tag is still the changelog boundary.
	tag, err := s.Tag(ctx, "app", 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if tag == nil || tag.ID != "aaa" {
		t.Fatalf("tag = %+v", tag)
	}

	tag, err = s.Tag(ctx, "app", 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if tag != nil {
		t.Fatalf("missing build should yield nil, got %+v", tag)
	}
}

func TestBuildsNewestFirstWithTags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record(t, s, "app", 1, StatusSucceeded, revision.Tag{ID: "aaa", Number: "1"})
	record(t, s, "app", 2, StatusFailed)
	record(t, s, "app", 3, StatusSucceeded, revision.Tag{ID: "ccc", Number: "3"})

	builds, err := s.Builds(ctx, "app", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(builds) != 2 {
		t.Fatalf("len = %d, want 2", len(builds))
	}
	if builds[0].Number != 3 || builds[1].Number != 2 {
		t.Fatalf("order = %d, %d, want 3, 2", builds[0].Number, builds[1].Number)
	}
	if len(builds[0].Tags) != 1 || builds[0].Tags[0].ID != "ccc" {
		t.Fatalf("tags = %+v", builds[0].Tags)
	}
	if len(builds[1].Tags) != 0 {
		t.Fatalf("failed build without tag got %+v", builds[1].Tags)
	}
}

func TestRecordBuildValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordBuild(ctx, Build{Number: 1, Status: StatusSucceeded, StartedAt: time.Now()}); err == nil {
		t.Fatal("empty job should be rejected")
	}
	if err := s.RecordBuild(ctx, Build{Job: "app", Status: StatusSucceeded, StartedAt: time.Now()}); err == nil {
		t.Fatal("zero build number should be rejected")
	}
}
