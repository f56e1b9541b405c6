package scheduler

import (
	"context"

	"github.com/quarryci/hgsync/internal/queue"
)

// QueueService defines the queue operations used by the scheduler.
type QueueService interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	Pending(ctx context.Context, job, command string) (bool, error)
	RecoverOrphans(ctx context.Context) (int, error)
}
