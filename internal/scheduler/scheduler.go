// Package scheduler implements the process-wide download Scheduler: the
// task table, the FIFO backlog, the bounded active set, the progress event
// stream, and the public control operations (add, pause, resume, cancel,
// list, subscribe). Per spec.md §9, this is an explicit, caller-owned
// instance rather than a singleton.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/kmkr/streamvault/internal/model"
	"github.com/kmkr/streamvault/internal/runner"
)

// Repository is the subset of internal/storage.Repository the Scheduler
// depends on, so tests can supply a fake.
type Repository interface {
	LoadAll() ([]model.Task, error)
	Upsert(model.Task) error
	Delete(id string) error
}

// Config bounds the Scheduler's behavior.
type Config struct {
	MaxConcurrent int
	DownloadRoot  string
}

// Scheduler owns the in-memory task table and dispatches work to the
// Task Runner within the configured concurrency bound.
type Scheduler struct {
	mu sync.Mutex

	repo   Repository
	runner *runner.Runner
	logger *slog.Logger
	cfg    Config

	tasks       map[string]*model.Task
	backlog     []string
	activeCount int

	bus *eventBus
}

// New builds a Scheduler. Call Initialize before any other operation.
func New(repo Repository, rnr *runner.Runner, logger *slog.Logger, cfg Config) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		repo:   repo,
		runner: rnr,
		logger: logger,
		cfg:    cfg,
		tasks:  make(map[string]*model.Task),
		bus:    newEventBus(),
	}
}

// Initialize loads all persisted tasks, coerces any Downloading rows to
// Paused (startup recovery never auto-resumes, spec.md §4.5), and starts
// the scheduling loop.
func (s *Scheduler) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.repo.LoadAll()
	if err != nil {
		return fmt.Errorf("scheduler: initialize: %w", err)
	}

	for i := range rows {
		t := rows[i]
		if t.Status == model.StatusDownloading {
			t.Status = model.StatusPaused
			if perr := s.repo.Upsert(t); perr != nil {
				s.logger.Error("scheduler: persist recovered task failed", "id", t.ID, "error", perr)
			}
		}
		task := t
		s.tasks[task.ID] = &task
		if task.Status == model.StatusPending {
			s.backlog = append(s.backlog, task.ID)
		}
	}

	s.pumpLocked()
	return nil
}

// Add creates a new task, persists it, enqueues it, and nudges the pump.
func (s *Scheduler) Add(url, title, key, iv string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Time-ordered (v7) ids make id order match creation order.
	uid, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("scheduler: add: %w", err)
	}
	id := uid.String()
	task := &model.Task{
		ID:     id,
		URL:    url,
		Title:  title,
		Kind:   model.ClassifyURL(url),
		Status: model.StatusPending,
		Key:    key,
		IV:     iv,
	}

	if err := s.repo.Upsert(*task); err != nil {
		return "", fmt.Errorf("scheduler: add: %w", err)
	}

	s.tasks[id] = task
	s.backlog = append(s.backlog, id)
	s.bus.publish(*task)
	s.pumpLocked()
	return id, nil
}

// Pause fires the task's cancel handle; the active runner exits cleanly
// and the status transitions to Paused.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok || task.Status != model.StatusDownloading {
		return fmt.Errorf("scheduler: pause %s: not downloading", id)
	}

	if task.CancelFunc != nil {
		task.CancelFunc()
	}
	task.Status = model.StatusPaused
	s.persistAndPublish(task)
	return nil
}

// Resume re-enqueues a Paused or Failed task at the backlog tail.
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok || (task.Status != model.StatusPaused && task.Status != model.StatusFailed) {
		return fmt.Errorf("scheduler: resume %s: not resumable", id)
	}

	task.Status = model.StatusPending
	task.Error = ""
	s.backlog = append(s.backlog, id)
	s.persistAndPublish(task)
	s.pumpLocked()
	return nil
}

// Cancel transitions any non-terminal task to Cancelled, deleting its row
// and on-disk artifacts.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("scheduler: cancel %s: not found", id)
	}
	if task.Status.Terminal() {
		return fmt.Errorf("scheduler: cancel %s: already terminal", id)
	}

	if task.CancelFunc != nil {
		task.CancelFunc()
	}

	s.removeFromBacklog(id)
	if err := s.repo.Delete(id); err != nil {
		s.logger.Error("scheduler: delete persisted task failed", "id", id, "error", err)
	}
	s.removeArtifacts(id)

	task.Status = model.StatusCancelled
	s.bus.publish(*task)
	delete(s.tasks, id)

	// activeCount is left untouched here: if task was Downloading, the
	// dispatch goroutine's own deferred decrement (scheduler.go's dispatch)
	// will run once runner.Run returns from the fired cancel handle, exactly
	// as it does for Pause. Decrementing here too would double-count the
	// single dispatch increment and let pumpLocked over-dispatch.
	s.pumpLocked()
	return nil
}

// Get returns a snapshot of a single task.
func (s *Scheduler) Get(id string) (model.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return model.Task{}, false
	}
	return task.Snapshot(), true
}

// List returns all tasks sorted by id descending (newest first).
func (s *Scheduler) List() []model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// Subscribe returns a stream of Task snapshots and an unsubscribe func.
func (s *Scheduler) Subscribe() (<-chan model.Task, func()) {
	return s.bus.subscribe()
}

func (s *Scheduler) removeFromBacklog(id string) {
	for i, bid := range s.backlog {
		if bid == id {
			s.backlog = append(s.backlog[:i], s.backlog[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) removeArtifacts(id string) {
	os.Remove(filepath.Join(s.cfg.DownloadRoot, id+".mp4"))
	os.RemoveAll(filepath.Join(s.cfg.DownloadRoot, id+"_temp"))
}

func (s *Scheduler) persistAndPublish(task *model.Task) {
	if err := s.repo.Upsert(*task); err != nil {
		s.logger.Error("scheduler: persist task failed", "id", task.ID, "error", err)
	}
	s.bus.publish(*task)
}

// pumpLocked is the scheduling primitive: while active_count <
// max_concurrent and the backlog is non-empty, pop the head and dispatch
// it. Must be called with s.mu held; it is re-entrant-safe because it only
// mutates state already protected by that lock.
func (s *Scheduler) pumpLocked() {
	for s.activeCount < s.cfg.MaxConcurrent && len(s.backlog) > 0 {
		id := s.backlog[0]
		s.backlog = s.backlog[1:]

		task, ok := s.tasks[id]
		if !ok || task.Status != model.StatusPending {
			continue
		}

		s.activeCount++
		s.dispatch(task)
	}
}

// dispatch spawns the Task Runner for task on its own goroutine. Progress
// updates flow back through s.onRunnerUpdate, which re-acquires s.mu.
func (s *Scheduler) dispatch(task *model.Task) {
	ctx, cancel := context.WithCancel(context.Background())
	task.Status = model.StatusDownloading
	task.CancelFunc = cancel
	s.persistAndPublish(task)

	go func(id string, runCtx context.Context) {
		s.mu.Lock()
		t, ok := s.tasks[id]
		if !ok {
			// Cancelled before the runner started: free the slot here.
			if s.activeCount > 0 {
				s.activeCount--
			}
			s.pumpLocked()
			s.mu.Unlock()
			return
		}
		snapshot := *t
		s.mu.Unlock()

		s.runner.Run(runCtx, snapshot, func(u runner.Update) {
			s.onRunnerUpdate(id, u)
		})

		s.mu.Lock()
		if s.activeCount > 0 {
			s.activeCount--
		}
		s.pumpLocked()
		s.mu.Unlock()
	}(task.ID, ctx)
}

func (s *Scheduler) onRunnerUpdate(id string, u runner.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return
	}

	if u.TotalUnits > 0 {
		task.TotalUnits = u.TotalUnits
	}
	if u.DownloadedUnits > 0 {
		task.DownloadedUnits = u.DownloadedUnits
	}
	if u.Progress > 0 {
		task.Progress = u.Progress
	}
	if u.SavePath != "" {
		task.SavePath = u.SavePath
	}

	switch u.Terminal {
	case model.StatusCompleted:
		task.Status = model.StatusCompleted
		task.Progress = 1.0
		task.CancelFunc = nil
	case model.StatusFailed:
		task.Status = model.StatusFailed
		task.Error = u.Error
		task.CancelFunc = nil
	}

	s.persistAndPublish(task)
}
