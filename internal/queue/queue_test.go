package queue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/quarryci/hgsync/internal/storage"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestEnqueueValidation(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, EnqueueRequest{Command: CommandPoll, SubmittedBy: "test"}); err == nil {
		t.Fatal("empty job should be rejected")
	}
	if _, err := q.Enqueue(ctx, EnqueueRequest{Job: "app", Command: "compile", SubmittedBy: "test"}); err == nil {
		t.Fatal("unknown command should be rejected")
	}
	if _, err := q.Enqueue(ctx, EnqueueRequest{Job: "app", Command: CommandPoll}); err == nil {
		t.Fatal("empty submitted_by should be rejected")
	}
}

func TestDequeueFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, EnqueueRequest{Job: "a", Command: CommandPoll, SubmittedBy: "test"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := q.Enqueue(ctx, EnqueueRequest{Job: "b", Command: CommandCheckout, SubmittedBy: "test"})
	if err != nil {
		t.Fatal(err)
	}

	j1, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if j1 == nil || j1.ID != first {
		t.Fatalf("first dequeue = %+v, want id %s", j1, first)
	}
	if j1.Status != StatusRunning || j1.StartedAt == nil {
		t.Fatalf("dequeued job should be running: %+v", j1)
	}

	j2, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if j2 == nil || j2.ID != second {
		t.Fatalf("second dequeue = %+v, want id %s", j2, second)
	}

	j3, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if j3 != nil {
		t.Fatalf("empty queue should return nil, got %+v", j3)
	}
}

func TestComplete(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{Job: "a", Command: CommandPoll, SubmittedBy: "test"})
	if err != nil {
		t.Fatal(err)
	}

	// Only running jobs can be completed.
	if err := q.Complete(ctx, id, StatusSucceeded, ""); err == nil {
		t.Fatal("completing a queued job should fail")
	}

	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q.Complete(ctx, id, StatusFailed, "pull: exit status 255"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// Terminal states are final.
	if err := q.Complete(ctx, id, StatusSucceeded, ""); err == nil {
		t.Fatal("completing twice should fail")
	}

	if err := q.Complete(ctx, id, StatusRunning, ""); err == nil {
		t.Fatal("non-terminal status should be rejected")
	}
}

func TestPending(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	pending, err := q.Pending(ctx, "a", CommandPoll)
	if err != nil {
		t.Fatal(err)
	}
	if pending {
		t.Fatal("nothing queued yet")
	}

	id, err := q.Enqueue(ctx, EnqueueRequest{Job: "a", Command: CommandPoll, SubmittedBy: "test"})
	if err != nil {
		t.Fatal(err)
	}

	if pending, _ = q.Pending(ctx, "a", CommandPoll); !pending {
		t.Fatal("queued job should be pending")
	}
	if pending, _ = q.Pending(ctx, "a", CommandCheckout); pending {
		t.Fatal("pending is per command")
	}
	if pending, _ = q.Pending(ctx, "b", CommandPoll); pending {
		t.Fatal("pending is per job")
	}

	// Still pending while running, not after completion.
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatal(err)
	}
	if pending, _ = q.Pending(ctx, "a", CommandPoll); !pending {
		t.Fatal("running job should be pending")
	}
	if err := q.Complete(ctx, id, StatusSucceeded, ""); err != nil {
		t.Fatal(err)
	}
	if pending, _ = q.Pending(ctx, "a", CommandPoll); pending {
		t.Fatal("completed job should not be pending")
	}
}

func TestRecoverOrphans(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, EnqueueRequest{Job: "a", Command: CommandPoll, SubmittedBy: "test"}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatal(err)
	}

	n, err := q.RecoverOrphans(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}

	// The job is claimable again.
	j, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if j == nil || j.Job != "a" {
		t.Fatalf("dequeue after recovery = %+v", j)
	}
}
