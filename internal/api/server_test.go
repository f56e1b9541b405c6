package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quarryci/hgsync/internal/queue"
	"github.com/quarryci/hgsync/internal/store"
)

type fakeQueue struct {
	pending  bool
	enqueued []queue.EnqueueRequest
}

func (f *fakeQueue) Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error) {
	f.enqueued = append(f.enqueued, req)
	return "queue-id-1", nil
}

func (f *fakeQueue) Pending(ctx context.Context, job, command string) (bool, error) {
	return f.pending, nil
}

type fakeBuilds struct{ builds []store.Build }

func (f *fakeBuilds) Builds(ctx context.Context, job string, limit int) ([]store.Build, error) {
	if limit < len(f.builds) {
		return f.builds[:limit], nil
	}
	return f.builds, nil
}

type fakeDirectory struct{ jobs []string }

func (f *fakeDirectory) Jobs() []string { return f.jobs }

func newTestServer(apiKey string, q *fakeQueue, builds *fakeBuilds) *Server {
	return New(Config{Listen: "127.0.0.1:0", APIKey: apiKey}, q, builds, &fakeDirectory{jobs: []string{"app", "lib"}}, nil)
}

func do(s *Server, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	return rec
}

func TestHealthIsUnauthenticated(t *testing.T) {
	s := newTestServer("secret", &fakeQueue{}, &fakeBuilds{})
	rec := do(s, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	s := newTestServer("secret", &fakeQueue{}, &fakeBuilds{})

	if rec := do(s, http.MethodGet, "/api/v1/jobs", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status = %d", rec.Code)
	}
	if rec := do(s, http.MethodGet, "/api/v1/jobs", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d", rec.Code)
	}
	if rec := do(s, http.MethodGet, "/api/v1/jobs", "secret"); rec.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d", rec.Code)
	}

	// No key configured means open access.
	open := newTestServer("", &fakeQueue{}, &fakeBuilds{})
	if rec := do(open, http.MethodGet, "/api/v1/jobs", ""); rec.Code != http.StatusOK {
		t.Fatalf("open server: status = %d", rec.Code)
	}
}

func TestListJobsSorted(t *testing.T) {
	s := newTestServer("", &fakeQueue{}, &fakeBuilds{})
	rec := do(s, http.MethodGet, "/api/v1/jobs", "")

	var body struct {
		Jobs []string `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Jobs) != 2 || body.Jobs[0] != "app" || body.Jobs[1] != "lib" {
		t.Fatalf("jobs = %v", body.Jobs)
	}
}

func TestTriggerPoll(t *testing.T) {
	q := &fakeQueue{}
	s := newTestServer("", q, &fakeBuilds{})

	rec := do(s, http.MethodPost, "/api/v1/jobs/app/poll", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(q.enqueued) != 1 || q.enqueued[0].Command != queue.CommandPoll || q.enqueued[0].SubmittedBy != "api" {
		t.Fatalf("enqueued = %+v", q.enqueued)
	}
}

func TestTriggerCheckoutConflictWhenPending(t *testing.T) {
	q := &fakeQueue{pending: true}
	s := newTestServer("", q, &fakeBuilds{})

	rec := do(s, http.MethodPost, "/api/v1/jobs/app/checkout", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(q.enqueued) != 0 {
		t.Fatalf("enqueued = %+v", q.enqueued)
	}
}

func TestTriggerUnknownJob(t *testing.T) {
	s := newTestServer("", &fakeQueue{}, &fakeBuilds{})
	rec := do(s, http.MethodPost, "/api/v1/jobs/nope/poll", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestListBuilds(t *testing.T) {
	builds := &fakeBuilds{builds: []store.Build{
		{Job: "app", Number: 2, Status: store.StatusSucceeded},
		{Job: "app", Number: 1, Status: store.StatusFailed},
	}}
	s := newTestServer("", &fakeQueue{}, builds)

	rec := do(s, http.MethodGet, "/api/v1/jobs/app/builds", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Builds []store.Build `json:"builds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Builds) != 2 || body.Builds[0].Number != 2 {
		t.Fatalf("builds = %+v", body.Builds)
	}

	if rec := do(s, http.MethodGet, "/api/v1/jobs/app/builds?limit=0", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("limit=0: status = %d", rec.Code)
	}
}
