package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quarryci/hgsync/internal/queue"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	names := s.directory.Jobs()
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string]any{"jobs": names})
}

// handleTrigger enqueues a poll or checkout for a job. It is idempotent:
// a trigger that is already queued is reported, not duplicated.
func (s *Server) handleTrigger(command string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "job")
		if !s.knownJob(name) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("unknown job %q", name))
			return
		}

		pending, err := s.queue.Pending(r.Context(), name, command)
		if err != nil {
			s.logger.Error("failed to check pending work", "job", name, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to check pending work")
			return
		}
		if pending {
			writeJSON(w, http.StatusConflict, map[string]any{
				"job":     name,
				"command": command,
				"status":  "already-pending",
			})
			return
		}

		id, err := s.queue.Enqueue(r.Context(), queue.EnqueueRequest{
			Job:         name,
			Command:     command,
			SubmittedBy: "api",
		})
		if err != nil {
			s.logger.Error("failed to enqueue", "job", name, "command", command, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to enqueue")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"job":      name,
			"command":  command,
			"queue_id": id,
		})
	}
}

func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "job")
	if !s.knownJob(name) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown job %q", name))
		return
	}

	limit := 25
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	builds, err := s.builds.Builds(r.Context(), name, limit)
	if err != nil {
		s.logger.Error("failed to list builds", "job", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list builds")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": name, "builds": builds})
}

// handleEvents streams hub events as SSE, replaying the ring buffer first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch, cancel := s.hub.Subscribe()
	defer cancel()

	for _, ev := range s.hub.Recent() {
		writeSSE(w, ev.ID, ev.Type, ev.Data)
	}
	flusher.Flush()

	keepAlive := time.NewTicker(30 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			writeSSE(w, ev.ID, ev.Type, ev.Data)
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, id int64, eventType string, data []byte) {
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, eventType, data)
}

func (s *Server) knownJob(name string) bool {
	for _, job := range s.directory.Jobs() {
		if job == name {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
