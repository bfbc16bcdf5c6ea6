package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kmkr/streamvault/internal/model"
)

type stubScheduler struct {
	addID string
	tasks map[string]model.Task
}

func (s *stubScheduler) Add(url, title, key, iv string) (string, error) {
	return s.addID, nil
}
func (s *stubScheduler) Pause(id string) error  { return nil }
func (s *stubScheduler) Resume(id string) error { return nil }
func (s *stubScheduler) Cancel(id string) error { return nil }
func (s *stubScheduler) Get(id string) (model.Task, bool) {
	t, ok := s.tasks[id]
	return t, ok
}
func (s *stubScheduler) List() []model.Task {
	out := make([]model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

func TestHandleAdd(t *testing.T) {
	sched := &stubScheduler{addID: "task-1", tasks: map[string]model.Task{}}
	srv := New(sched, nil, 0)

	body, _ := json.Marshal(addRequest{URL: "http://x/a.mp4", Title: "A"})
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]string
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["id"] != "task-1" {
		t.Errorf("id = %q", resp["id"])
	}
}

func TestHandleGetNotFound(t *testing.T) {
	sched := &stubScheduler{tasks: map[string]model.Task{}}
	srv := New(sched, nil, 0)

	req := httptest.NewRequest(http.MethodGet, "/tasks/missing", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandlePause(t *testing.T) {
	sched := &stubScheduler{tasks: map[string]model.Task{"a": {ID: "a"}}}
	srv := New(sched, nil, 0)

	req := httptest.NewRequest(http.MethodPost, "/tasks/a/pause", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
}
