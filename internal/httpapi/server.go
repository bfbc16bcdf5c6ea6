// Package httpapi exposes the Scheduler's public operations over a
// loopback-bound HTTP API, adapted from the teacher's ControlServer
// (go-chi router with a concurrency-limiting middleware). AI-assistant
// routes, audit logging, and MCP/browser bridging from the teacher are not
// carried forward — none correspond to a download-engine concern.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kmkr/streamvault/internal/model"
)

// Scheduler is the subset of scheduler.Scheduler this surface drives.
type Scheduler interface {
	Add(url, title, key, iv string) (string, error)
	Pause(id string) error
	Resume(id string) error
	Cancel(id string) error
	Get(id string) (model.Task, bool)
	List() []model.Task
}

// Server is the loopback HTTP control surface.
type Server struct {
	scheduler Scheduler
	logger    *slog.Logger
	router    chi.Router

	inFlight  int64
	maxInFlight int64
}

// New builds a Server wrapping scheduler. maxInFlight bounds concurrent
// requests (0 disables the limit).
func New(s Scheduler, logger *slog.Logger, maxInFlight int64) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{scheduler: s, logger: logger, maxInFlight: maxInFlight}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if maxInFlight > 0 {
		r.Use(srv.concurrencyLimitMiddleware)
	}

	r.Post("/tasks", srv.handleAdd)
	r.Get("/tasks", srv.handleList)
	r.Get("/tasks/{id}", srv.handleGet)
	r.Post("/tasks/{id}/pause", srv.handlePause)
	r.Post("/tasks/{id}/resume", srv.handleResume)
	r.Delete("/tasks/{id}", srv.handleCancel)

	srv.router = r
	return srv
}

// ServeHTTP lets Server itself be used as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start binds to 127.0.0.1:port and serves until the process exits or the
// listener errors.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	s.logger.Info("control surface listening", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) concurrencyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&s.inFlight, 1) > s.maxInFlight {
			atomic.AddInt64(&s.inFlight, -1)
			http.Error(w, "too many concurrent requests", http.StatusTooManyRequests)
			return
		}
		defer atomic.AddInt64(&s.inFlight, -1)
		next.ServeHTTP(w, r)
	})
}

type addRequest struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Key   string `json:"key,omitempty"`
	IV    string `json:"iv,omitempty"`
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.scheduler.Add(req.URL, req.Title, req.Key, req.IV)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.List())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, ok := s.scheduler.Get(id)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.scheduler.Pause(id); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.scheduler.Resume(id); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.scheduler.Cancel(id); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
