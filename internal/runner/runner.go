// Package runner implements the Task Runner: drives one task from Pending
// to a terminal state, dispatching to the MP4 or HLS path and reporting
// progress through a callback supplied by the Scheduler.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/kmkr/streamvault/internal/decrypt"
	"github.com/kmkr/streamvault/internal/fetch"
	"github.com/kmkr/streamvault/internal/manifest"
	"github.com/kmkr/streamvault/internal/model"
)

const (
	progressEmitThreshold = 0.005
	maxSegmentRetries     = 3
	maxManifestRedirects  = 4
)

// defaultSegmentRetryBackoff is the fixed back-off between segment retry
// attempts specified by spec.md §4.4. Tests may shrink Runner.RetryBackoff
// to avoid sleeping real seconds.
const defaultSegmentRetryBackoff = 2 * time.Second

// Update is emitted to the Scheduler whenever progress has advanced enough
// to be worth reporting, or the task completed or failed. Cancellation
// emits no Update.
type Update struct {
	DownloadedUnits int64
	TotalUnits      int64
	Progress        float64
	SavePath        string
	// Terminal, when set, is the final status the task should transition
	// to (Completed or Failed). Zero value means "still running".
	Terminal model.Status
	Error    string
}

// Deps bundles the Runner's collaborators.
type Deps struct {
	Fetcher     *fetch.Fetcher
	Resolver    *manifest.Resolver
	DecryptPool *decrypt.Pool
	// Limiter, when set, is attached to every fetch.Options the Runner
	// builds, shaping aggregate bandwidth across every task sharing this
	// Runner rather than per-task.
	Limiter      *rate.Limiter
	DownloadRoot string
	Logger       *slog.Logger
}

// Runner drives a single task to completion.
type Runner struct {
	deps Deps
	// RetryBackoff overrides defaultSegmentRetryBackoff; tests shrink it.
	RetryBackoff time.Duration
}

// New builds a Runner from its dependencies.
func New(deps Deps) *Runner {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Runner{deps: deps, RetryBackoff: defaultSegmentRetryBackoff}
}

// Run drives task to a terminal state, invoking onUpdate for every
// reportable progress step. Run returns only once the task is terminal or
// the context was cancelled (Paused/Cancelled callers distinguish by
// checking ctx.Err() — Run itself never reports Cancelled as an Update
// error, matching spec.md §4.4 step 5).
func (r *Runner) Run(ctx context.Context, task model.Task, onUpdate func(Update)) {
	var err error
	if task.Kind == model.KindHLS {
		err = r.runHLS(ctx, task, onUpdate)
	} else {
		err = r.runMP4(ctx, task, onUpdate)
	}

	if err == nil {
		savePath := filepath.Join(r.deps.DownloadRoot, task.ID+".mp4")
		if fi, statErr := os.Stat(savePath); statErr != nil {
			err = fmt.Errorf("check artifact: %w", statErr)
		} else if fi.Size() == 0 {
			err = fmt.Errorf("check artifact: %s is empty", savePath)
		}
	}

	if err == nil {
		onUpdate(Update{Terminal: model.StatusCompleted, Progress: 1.0})
		return
	}

	if isCancelled(err) {
		// Leave status as the cancel/pause operation already set; no
		// terminal Update is emitted here.
		return
	}

	onUpdate(Update{Terminal: model.StatusFailed, Error: err.Error()})
}

func isCancelled(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var fe *fetch.Error
	if errors.As(err, &fe) && fe.Kind == fetch.KindCancelled {
		return true
	}
	return false
}

// runMP4 implements spec.md §4.4's MP4 path.
func (r *Runner) runMP4(ctx context.Context, task model.Task, onUpdate func(Update)) error {
	savePath := filepath.Join(r.deps.DownloadRoot, task.ID+".mp4")
	if err := os.MkdirAll(filepath.Dir(savePath), 0o755); err != nil {
		return fmt.Errorf("mp4: ensure download dir: %w", err)
	}

	var rangeFrom int64
	if fi, err := os.Stat(savePath); err == nil {
		rangeFrom = fi.Size()
	}

	lastEmitted := -1.0
	emit := func(received, total int64) {
		downloaded := received + rangeFrom
		var totalUnits int64
		var progress float64
		if total != fetch.UnknownTotal {
			totalUnits = total
			if totalUnits > 0 {
				progress = float64(downloaded) / float64(totalUnits)
			}
		}
		if progress-lastEmitted >= progressEmitThreshold || progress >= 1.0 {
			lastEmitted = progress
			onUpdate(Update{DownloadedUnits: downloaded, TotalUnits: totalUnits, Progress: progress, SavePath: savePath})
		}
	}

	res, err := r.deps.Fetcher.Fetch(ctx, task.URL, savePath, fetch.Options{RangeFrom: rangeFrom, OnProgress: emit, Limiter: r.deps.Limiter})
	if err != nil {
		return err
	}

	if res.RangeNotHonored {
		// The server ignored our Range request; the fetcher already
		// rewrote the file from byte zero, so restart accounting.
		onUpdate(Update{DownloadedUnits: res.BytesWritten, TotalUnits: res.BytesWritten, Progress: 1.0, SavePath: savePath})
	}
	return nil
}

// runHLS implements spec.md §4.4's HLS path.
func (r *Runner) runHLS(ctx context.Context, task model.Task, onUpdate func(Update)) error {
	tempDir := filepath.Join(r.deps.DownloadRoot, task.ID+"_temp")
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return fmt.Errorf("hls: create temp dir: %w", err)
	}

	result, err := r.resolveMedia(ctx, task.URL)
	if err != nil {
		return err
	}
	segments := result.Segments
	n := len(segments)

	onUpdate(Update{TotalUnits: int64(n)})

	lastEmitted := -1.0
	for i, segURL := range segments {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		segPath := filepath.Join(tempDir, fmt.Sprintf("segment_%d.ts", i))

		if fi, statErr := os.Stat(segPath); statErr == nil && fi.Size() > 0 {
			r.emitHLSProgress(onUpdate, &lastEmitted, i+1, n)
			continue
		}

		if err := r.fetchSegmentWithRetry(ctx, segURL, segPath, i, n, onUpdate, &lastEmitted); err != nil {
			return err
		}

		if task.Key != "" {
			if err := r.decryptSegment(segPath, task.Key, task.IV, i); err != nil {
				return err
			}
		}

		r.emitHLSProgress(onUpdate, &lastEmitted, i+1, n)
	}

	savePath := filepath.Join(r.deps.DownloadRoot, task.ID+".mp4")
	if err := concatenateSegments(tempDir, n, savePath); err != nil {
		return fmt.Errorf("hls: concatenate segments: %w", err)
	}
	os.RemoveAll(tempDir)

	onUpdate(Update{DownloadedUnits: int64(n), TotalUnits: int64(n), Progress: 1.0, SavePath: savePath})
	return nil
}

// resolveMedia follows at most maxManifestRedirects master→media hops and
// returns the final media playlist's already-parsed Result, resolved once
// while task.url itself is left unchanged (spec.md §9's
// immutable-resolved-url design note) and without re-fetching the media
// playlist a second time just to read back the segments it already parsed.
func (r *Runner) resolveMedia(ctx context.Context, startURL string) (manifest.Result, error) {
	url := startURL
	for i := 0; i < maxManifestRedirects; i++ {
		result, err := r.deps.Resolver.Resolve(ctx, url)
		if err != nil {
			return manifest.Result{}, fmt.Errorf("hls: resolve manifest: %w", err)
		}
		if !result.IsMaster() {
			return result, nil
		}
		url = result.ReplacementURL
	}
	return manifest.Result{}, fmt.Errorf("hls: %w", ErrTooManyRedirects)
}

// ErrTooManyRedirects is raised when master→media resolution does not
// settle within maxManifestRedirects hops.
var ErrTooManyRedirects = errors.New("too many manifest redirects")

func (r *Runner) fetchSegmentWithRetry(ctx context.Context, segURL, segPath string, index, total int, onUpdate func(Update), lastEmitted *float64) error {
	var lastErr error
	for attempt := 0; attempt < maxSegmentRetries; attempt++ {
		emit := func(received, segTotal int64) {
			var segProgress float64
			if segTotal != fetch.UnknownTotal && segTotal > 0 {
				segProgress = float64(received) / float64(segTotal)
			}
			progress := (float64(index) + segProgress) / float64(total)
			if progress-*lastEmitted >= progressEmitThreshold {
				*lastEmitted = progress
				onUpdate(Update{Progress: progress})
			}
		}

		_, err := r.deps.Fetcher.Fetch(ctx, segURL, segPath, fetch.Options{OnProgress: emit, Limiter: r.deps.Limiter})
		if err == nil {
			return nil
		}
		if isCancelled(err) {
			return err
		}

		var fe *fetch.Error
		if errors.As(err, &fe) && fe.Kind == fetch.KindHTTPStatus && fe.StatusCode == 404 {
			return fmt.Errorf("hls: %w: index %d", ErrSegmentFailed, index)
		}

		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.RetryBackoff):
		}
	}
	_ = lastErr
	return fmt.Errorf("hls: %w: index %d", ErrSegmentFailed, index)
}

// ErrSegmentFailed is raised once a segment exhausts its retry budget.
var ErrSegmentFailed = errors.New("segment failed")

func (r *Runner) decryptSegment(segPath, key, iv string, index int) error {
	if r.deps.DecryptPool == nil {
		if err := decrypt.DecryptFile(segPath, []byte(key), ivBytes(iv), index); err != nil {
			return fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		return nil
	}
	if err := <-r.deps.DecryptPool.Submit(segPath, []byte(key), ivBytes(iv), index); err != nil {
		return fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return nil
}

// ErrDecryptionFailed wraps any failure from the AES decryption primitive.
var ErrDecryptionFailed = errors.New("decryption failed")

func ivBytes(iv string) []byte {
	if iv == "" {
		return nil
	}
	return []byte(iv)
}

func (r *Runner) emitHLSProgress(onUpdate func(Update), lastEmitted *float64, done, total int) {
	if total == 0 {
		return
	}
	progress := float64(done) / float64(total)
	if progress-*lastEmitted >= progressEmitThreshold || progress >= 1.0 {
		*lastEmitted = progress
		onUpdate(Update{DownloadedUnits: int64(done), TotalUnits: int64(total), Progress: progress})
	}
}

func concatenateSegments(tempDir string, n int, destPath string) error {
	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	for i := 0; i < n; i++ {
		segPath := filepath.Join(tempDir, fmt.Sprintf("segment_%d.ts", i))
		data, err := os.ReadFile(segPath)
		if err != nil {
			return fmt.Errorf("read segment %d: %w", i, err)
		}
		if _, err := out.Write(data); err != nil {
			return fmt.Errorf("write segment %d: %w", i, err)
		}
	}
	return nil
}
