// Package webhook runs the push-notification listener. Repository hooks
// POST to /notify/{job} with an HMAC-SHA256 signed body and the job is
// polled immediately instead of waiting for its next scheduled tick.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quarryci/hgsync/internal/config"
	"github.com/quarryci/hgsync/internal/log"
	"github.com/quarryci/hgsync/internal/queue"
)

// DefaultMaxBodySize bounds notification payloads.
const DefaultMaxBodySize = 1 << 20

// DefaultSignatureHeader is where the HMAC signature is expected.
const DefaultSignatureHeader = "X-Hub-Signature-256"

// JobQueuer defines the queue operations the listener needs.
type JobQueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	Pending(ctx context.Context, job, command string) (bool, error)
}

// JobDirectory resolves configured jobs.
type JobDirectory interface {
	Jobs() []string
}

// Server is the webhook HTTP server.
type Server struct {
	config    config.WebhookConfig
	queue     JobQueuer
	directory JobDirectory
	logger    *slog.Logger
	server    *http.Server
}

// New creates a webhook server. Defaults are applied for the signature
// header and body size limit.
func New(cfg config.WebhookConfig, q JobQueuer, directory JobDirectory) *Server {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = DefaultSignatureHeader
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	return &Server{
		config:    cfg,
		queue:     q,
		directory: directory,
		logger:    log.WithComponent("webhook"),
	}
}

// Start starts the webhook server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Post("/notify/{job}", s.handleNotify)
	return r
}

// loggingMiddleware logs requests without their bodies.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "job")

	if !s.knownJob(name) {
		s.respondError(w, http.StatusNotFound, "unknown job")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	signature := r.Header.Get(s.config.SignatureHeader)
	if err := verifySignature(body, signature, s.config.Secret); err != nil {
		s.logger.Warn("webhook signature verification failed", "job", name)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	pending, err := s.queue.Pending(ctx, name, queue.CommandPoll)
	if err != nil {
		s.logger.Error("failed to check pending polls", "job", name, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to enqueue poll")
		return
	}
	if pending {
		s.respondJSON(w, http.StatusAccepted, map[string]string{"job": name, "status": "already-pending"})
		return
	}

	id, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		Job:         name,
		Command:     queue.CommandPoll,
		SubmittedBy: "webhook",
	})
	if err != nil {
		s.logger.Error("failed to enqueue poll", "job", name, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to enqueue poll")
		return
	}

	s.logger.Info("poll enqueued from notification", "job", name, "queue_id", id)
	s.respondJSON(w, http.StatusAccepted, map[string]string{"job": name, "queue_id": id})
}

func (s *Server) knownJob(name string) bool {
	for _, job := range s.directory.Jobs() {
		if job == name {
			return true
		}
	}
	return false
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
