package scheduler

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmkr/streamvault/internal/fetch"
	"github.com/kmkr/streamvault/internal/manifest"
	"github.com/kmkr/streamvault/internal/model"
	"github.com/kmkr/streamvault/internal/runner"
)

// fakeRepo is an in-memory Repository for scheduler tests, avoiding a real
// SQLite dependency in this package's unit tests (storage's own tests cover
// the real repository).
type fakeRepo struct {
	mu   sync.Mutex
	rows map[string]model.Task
}

func newFakeRepo() *fakeRepo { return &fakeRepo{rows: make(map[string]model.Task)} }

func (f *fakeRepo) LoadAll() ([]model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Task, 0, len(f.rows))
	for _, t := range f.rows {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeRepo) Upsert(t model.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[t.ID] = t
	return nil
}

func (f *fakeRepo) Delete(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

func newTestScheduler(t *testing.T, maxConcurrent int) (*Scheduler, *fakeRepo) {
	t.Helper()
	root := t.TempDir()
	rnr := runner.New(runner.Deps{
		Fetcher:      fetch.New(http.DefaultClient),
		Resolver:     manifest.New(http.DefaultClient),
		DownloadRoot: root,
	})
	repo := newFakeRepo()
	s := New(repo, rnr, nil, Config{MaxConcurrent: maxConcurrent, DownloadRoot: root})
	require.NoError(t, s.Initialize())
	return s, repo
}

func TestAddAndComplete(t *testing.T) {
	body := strings.Repeat("v", 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	s, _ := newTestScheduler(t, 3)

	sub, unsub := s.Subscribe()
	defer unsub()

	id, err := s.Add(srv.URL, "Example", "", "")
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.ID == id && ev.Status == model.StatusCompleted {
				goto done
			}
		case <-deadline:
			t.Fatal("timed out waiting for completion")
		}
	}
done:
	task, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, model.StatusCompleted, task.Status)
	assert.Equal(t, 1.0, task.Progress)
}

func TestConcurrencyBound(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	active := 0
	maxActive := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		<-release

		mu.Lock()
		active--
		mu.Unlock()
		w.Write([]byte("done"))
	}))
	defer srv.Close()

	s, _ := newTestScheduler(t, 3)

	for i := 0; i < 6; i++ {
		_, err := s.Add(srv.URL, "t", "", "")
		require.NoError(t, err)
	}

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	got := maxActive
	mu.Unlock()
	assert.LessOrEqual(t, got, 3)

	close(release)
}

func TestConcurrencyBoundHeldAcrossCancel(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	active := 0
	maxActive := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		// A cancelled download's request stops counting once its client
		// goes away.
		select {
		case <-release:
		case <-r.Context().Done():
		}

		mu.Lock()
		active--
		mu.Unlock()
		w.Write([]byte("done"))
	}))
	defer srv.Close()

	s, _ := newTestScheduler(t, 3)

	ids := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		id, err := s.Add(srv.URL, "t", "", "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	time.Sleep(50 * time.Millisecond)

	// Cancel one of the three in-flight downloads; its slot must not be
	// double-freed, or pumpLocked would dispatch two replacements instead
	// of one and momentarily exceed max_concurrent.
	require.NoError(t, s.Cancel(ids[0]))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	got := maxActive
	mu.Unlock()
	assert.LessOrEqual(t, got, 3)

	close(release)
}

func TestPauseResume(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("abc"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-block
	}))
	defer srv.Close()
	defer close(block)

	s, _ := newTestScheduler(t, 3)
	id, err := s.Add(srv.URL, "t", "", "")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, s.Pause(id))

	time.Sleep(30 * time.Millisecond)
	task, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, model.StatusPaused, task.Status)

	// Resume re-enqueues the task as Pending; with a slot free, the pump
	// dispatches it before Resume returns.
	require.NoError(t, s.Resume(id))
	task, ok = s.Get(id)
	require.True(t, ok)
	assert.Equal(t, model.StatusDownloading, task.Status)
}

func TestCancelDeletesRowAndArtifacts(t *testing.T) {
	// The server holds the response open so the task is still Downloading,
	// with a partial artifact on disk, when Cancel runs.
	body := strings.Repeat("v", 64)
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-block
	}))
	defer srv.Close()
	defer close(block)

	root := t.TempDir()
	rnr := runner.New(runner.Deps{
		Fetcher:      fetch.New(http.DefaultClient),
		Resolver:     manifest.New(http.DefaultClient),
		DownloadRoot: root,
	})
	repo := newFakeRepo()
	s := New(repo, rnr, nil, Config{MaxConcurrent: 1, DownloadRoot: root})
	require.NoError(t, s.Initialize())

	id, err := s.Add(srv.URL, "t", "", "")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Cancel(id))

	_, ok := s.Get(id)
	assert.False(t, ok)

	_, statErr := os.Stat(filepath.Join(root, id+".mp4"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestStartupRecoveryForcesDownloadingToPaused(t *testing.T) {
	repo := newFakeRepo()
	repo.rows["stale-1"] = model.Task{ID: "stale-1", URL: "http://x", Title: "t", Status: model.StatusDownloading}

	root := t.TempDir()
	rnr := runner.New(runner.Deps{
		Fetcher:      fetch.New(http.DefaultClient),
		Resolver:     manifest.New(http.DefaultClient),
		DownloadRoot: root,
	})
	s := New(repo, rnr, nil, Config{MaxConcurrent: 3, DownloadRoot: root})
	require.NoError(t, s.Initialize())

	task, ok := s.Get("stale-1")
	require.True(t, ok)
	assert.Equal(t, model.StatusPaused, task.Status)
}

func TestListSortedByIDDescending(t *testing.T) {
	s, _ := newTestScheduler(t, 3)

	repo := newFakeRepo()
	_ = repo
	ids := []string{}
	for _, id := range []string{"a", "b", "c"} {
		s.mu.Lock()
		s.tasks[id] = &model.Task{ID: id, Status: model.StatusPending}
		s.mu.Unlock()
		ids = append(ids, id)
	}
	_ = ids

	list := s.List()
	require.GreaterOrEqual(t, len(list), 3)
	for i := 1; i < len(list); i++ {
		assert.GreaterOrEqual(t, list[i-1].ID, list[i].ID)
	}
}
