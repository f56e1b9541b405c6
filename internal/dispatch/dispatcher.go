// Package dispatch drains the work queue: it executes polls and checkouts
// one at a time on the worker, and turns significant polls into queued
// checkouts.
package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/quarryci/hgsync/internal/log"
	"github.com/quarryci/hgsync/internal/poll"
	"github.com/quarryci/hgsync/internal/queue"
	"github.com/quarryci/hgsync/internal/store"
)

// Executor runs the actual work. *worker.Worker satisfies it.
type Executor interface {
	Poll(ctx context.Context, job string) (poll.Result, error)
	Checkout(ctx context.Context, job string, out io.Writer) (store.Build, error)
}

// QueueService defines the queue operations used by the dispatcher.
type QueueService interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Complete(ctx context.Context, id string, status queue.Status, lastError string) error
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	Pending(ctx context.Context, job, command string) (bool, error)
}

// Dispatcher dequeues jobs serially and executes them.
type Dispatcher struct {
	queue    QueueService
	executor Executor
	logger   *slog.Logger
}

// New creates a Dispatcher.
func New(q QueueService, executor Executor) *Dispatcher {
	return &Dispatcher{
		queue:    q,
		executor: executor,
		logger:   log.WithComponent("dispatch"),
	}
}

// Start runs the main dispatch loop. This is a blocking call that runs until
// ctx is cancelled. Jobs execute one at a time: the engine performs no
// internal parallelism, all concurrency control lives in the cache layer.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("dispatch loop started")
	defer d.logger.Info("dispatch loop stopped")

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.processNext(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("failed to process job", "error", err)
			}
		}
	}
}

func (d *Dispatcher) processNext(ctx context.Context) error {
	job, err := d.queue.Dequeue(ctx)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	d.execute(ctx, job)
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, job *queue.Job) {
	logger := log.WithJob(job.Job).With("command", job.Command, "queue_id", job.ID)
	logger.Info("executing")

	var execErr error
	switch job.Command {
	case queue.CommandPoll:
		execErr = d.executePoll(ctx, job, logger)
	case queue.CommandCheckout:
		execErr = d.executeCheckout(ctx, job, logger)
	default:
		logger.Error("unknown command in queue")
		execErr = errors.New("unknown command " + job.Command)
	}

	status := queue.StatusSucceeded
	lastError := ""
	if execErr != nil {
		status = queue.StatusFailed
		lastError = execErr.Error()
		logger.Error("execution failed", "error", execErr)
	}
	if err := d.queue.Complete(ctx, job.ID, status, lastError); err != nil {
		logger.Error("failed to complete queue entry", "error", err)
	}
}

func (d *Dispatcher) executePoll(ctx context.Context, job *queue.Job, logger *slog.Logger) error {
	result, err := d.executor.Poll(ctx, job.Job)
	if err != nil {
		return err
	}
	if result.Change != poll.Significant {
		logger.Info("no dependent changes detected", "change", result.Change.String())
		return nil
	}

	logger.Info("dependent changes detected; scheduling checkout")
	pending, err := d.queue.Pending(ctx, job.Job, queue.CommandCheckout)
	if err != nil {
		return err
	}
	if pending {
		logger.Debug("checkout already pending")
		return nil
	}
	_, err = d.queue.Enqueue(ctx, queue.EnqueueRequest{
		Job:         job.Job,
		Command:     queue.CommandCheckout,
		SubmittedBy: "poller",
	})
	return err
}

func (d *Dispatcher) executeCheckout(ctx context.Context, job *queue.Job, logger *slog.Logger) error {
	build, err := d.executor.Checkout(ctx, job.Job, io.Discard)
	if err != nil {
		return err
	}
	logger.Info("checkout recorded", "build", build.Number, "status", build.Status)
	return nil
}
