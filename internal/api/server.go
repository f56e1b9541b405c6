// Package api exposes the worker over HTTP: job listing, manual poll and
// checkout triggers, build history, and an SSE event stream.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quarryci/hgsync/internal/events"
	"github.com/quarryci/hgsync/internal/log"
	"github.com/quarryci/hgsync/internal/queue"
	"github.com/quarryci/hgsync/internal/store"
)

// QueueService defines the queue operations the API needs.
type QueueService interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	Pending(ctx context.Context, job, command string) (bool, error)
}

// BuildReader reads build history.
type BuildReader interface {
	Builds(ctx context.Context, job string, limit int) ([]store.Build, error)
}

// JobDirectory resolves configured jobs.
type JobDirectory interface {
	Jobs() []string
}

// Config holds API server configuration.
type Config struct {
	Listen string
	APIKey string
}

// Server is the HTTP API server.
type Server struct {
	config    Config
	queue     QueueService
	builds    BuildReader
	directory JobDirectory
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates an API server.
func New(config Config, q QueueService, builds BuildReader, directory JobDirectory, hub *events.Hub) *Server {
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Server{
		config:    config,
		queue:     q,
		builds:    builds,
		directory: directory,
		hub:       hub,
		logger:    log.WithComponent("api"),
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE connections stay open
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/jobs", s.handleListJobs)
		r.Post("/jobs/{job}/poll", s.handleTrigger(queue.CommandPoll))
		r.Post("/jobs/{job}/checkout", s.handleTrigger(queue.CommandCheckout))
		r.Get("/jobs/{job}/builds", s.handleListBuilds)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// requireAuth checks the bearer token when one is configured.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix ||
			subtle.ConstantTimeCompare([]byte(header[len(prefix):]), []byte(s.config.APIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
