// Package scheduler decides when each job is due for a poll and enqueues
// the work. Execution happens elsewhere; the scheduler only ticks.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/quarryci/hgsync/internal/config"
	"github.com/quarryci/hgsync/internal/events"
	"github.com/quarryci/hgsync/internal/log"
	"github.com/quarryci/hgsync/internal/queue"
)

// Scheduler enqueues poll jobs on their configured cadence.
type Scheduler struct {
	cfg     *config.Config
	queue   QueueService
	events  *events.Hub
	logger  *slog.Logger
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	nextDue map[string]time.Time
}

// New creates a Scheduler.
func New(cfg *config.Config, q QueueService, hub *events.Hub) *Scheduler {
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Scheduler{
		cfg:     cfg,
		queue:   q,
		events:  hub,
		logger:  log.WithComponent("scheduler"),
		stopCh:  make(chan struct{}),
		nextDue: make(map[string]time.Time),
	}
}

// Start begins the tick loop and crash recovery.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("starting scheduler")

	recovered, err := s.queue.RecoverOrphans(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		s.logger.Warn("re-queued orphaned jobs from a previous run", "count", recovered)
	}

	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.Service.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

// tick performs a single scheduling pass.
func (s *Scheduler) tick(ctx context.Context) {
	s.logger.Debug("scheduler tick")
	s.events.Publish("scheduler.tick", map[string]any{"at": time.Now().UTC()})

	// Sort job names for deterministic iteration.
	var names []string
	for name := range s.cfg.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	now := time.Now()
	for _, name := range names {
		job := s.cfg.Jobs[name]
		if job.Disabled || job.Schedule == nil {
			continue
		}
		if !s.due(name, now) {
			continue
		}

		pending, err := s.queue.Pending(ctx, name, queue.CommandPoll)
		if err != nil {
			s.logger.Error("failed to check pending polls", "job", name, "error", err)
			continue
		}
		if pending {
			s.logger.Debug("poll already pending, skipping", "job", name)
			s.advance(name, now, job.Schedule)
			continue
		}

		if _, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
			Job:         name,
			Command:     queue.CommandPoll,
			SubmittedBy: "scheduler",
		}); err != nil {
			s.logger.Error("failed to enqueue poll", "job", name, "error", err)
			continue
		}
		s.logger.Debug("enqueued poll", "job", name)
		s.advance(name, now, job.Schedule)
	}
}

func (s *Scheduler) due(name string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := s.nextDue[name]
	return !ok || !now.Before(next)
}

func (s *Scheduler) advance(name string, now time.Time, sched *config.ScheduleConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextDue[name] = now.Add(calculateJitteredInterval(sched.Every, sched.Jitter))
}

// calculateJitteredInterval spreads polls of identically-configured jobs so
// they do not all hit the remote at once.
func calculateJitteredInterval(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(int64(jitter)+1))
}
