// Package fetch implements the Segment Fetcher: downloading a single
// resource (whole MP4 or one HLS segment) with range resumption, retry-free
// cancellation propagation, and progress reporting. Retry policy belongs to
// the caller (internal/runner), not here.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"golang.org/x/time/rate"
)

// ErrorKind classifies a fetch failure for the caller's retry policy.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindCancelled
	KindTimeout
	KindConnectionReset
	KindHTTPStatus
)

// Error is the structured error returned by Fetch.
type Error struct {
	Kind           ErrorKind
	StatusCode     int
	PartialPreserved bool
	Err            error
}

func (e *Error) Error() string {
	if e.Kind == KindHTTPStatus {
		return fmt.Sprintf("fetch: http status %d", e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch: %s: %v", kindName(e.Kind), e.Err)
	}
	return fmt.Sprintf("fetch: %s", kindName(e.Kind))
}

func (e *Error) Unwrap() error { return e.Err }

func kindName(k ErrorKind) string {
	switch k {
	case KindCancelled:
		return "cancelled"
	case KindTimeout:
		return "timeout"
	case KindConnectionReset:
		return "connection reset"
	case KindHTTPStatus:
		return "http status"
	default:
		return "other"
	}
}

// UnknownTotal signals that the response carried no Content-Length.
const UnknownTotal int64 = -1

// ProgressFunc is invoked as bytes stream in. total is UnknownTotal if the
// server did not report Content-Length.
type ProgressFunc func(received, total int64)

// Options configures a single Fetch call.
type Options struct {
	// RangeFrom, if > 0, requests a byte range starting at that offset.
	RangeFrom int64
	OnProgress ProgressFunc
	// Limiter optionally shapes bandwidth for this call; callers sharing
	// one Limiter across calls get an aggregate cap instead of a per-call
	// one.
	Limiter *rate.Limiter
}

// Result is the outcome of a successful fetch.
type Result struct {
	BytesWritten int64
	// RangeNotHonored is true when RangeFrom > 0 was requested but the
	// server replied 200 (full body) instead of 206 (partial content) —
	// the defensive check from spec.md §9. The caller must restart
	// accounting from zero in this case.
	RangeNotHonored bool
}

// Fetcher streams an HTTP resource to a local file.
type Fetcher struct {
	Client *http.Client
	// UserAgent, when set, is sent as the User-Agent header on every
	// request.
	UserAgent string
}

// New builds a Fetcher using the given HTTP client. If client is nil, a
// client with the spec's 30s connect / 5min receive timeouts is built.
func New(client *http.Client) *Fetcher {
	if client == nil {
		client = defaultClient()
	}
	return &Fetcher{Client: client}
}

func defaultClient() *http.Client {
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	return &http.Client{
		Timeout: 5 * time.Minute,
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: 30 * time.Second,
		},
	}
}

// Fetch downloads url into destPath, appending when opts.RangeFrom > 0.
func (f *Fetcher) Fetch(ctx context.Context, url, destPath string, opts Options) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, &Error{Kind: KindOther, Err: err}
	}
	if opts.RangeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", opts.RangeFrom))
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return Result{}, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Result{}, &Error{Kind: KindHTTPStatus, StatusCode: resp.StatusCode, PartialPreserved: opts.RangeFrom > 0}
	}

	rangeNotHonored := opts.RangeFrom > 0 && resp.StatusCode != http.StatusPartialContent

	flags := os.O_CREATE | os.O_WRONLY
	if opts.RangeFrom > 0 && !rangeNotHonored {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	out, err := os.OpenFile(destPath, flags, 0o644)
	if err != nil {
		return Result{}, &Error{Kind: KindOther, Err: fmt.Errorf("open dest: %w", err)}
	}
	defer out.Close()

	total := UnknownTotal
	if resp.ContentLength > 0 {
		total = resp.ContentLength
		if opts.RangeFrom > 0 && !rangeNotHonored {
			total += opts.RangeFrom
		}
	}

	written, werr := copyWithProgress(ctx, out, resp.Body, opts, total)
	if werr != nil {
		return Result{}, classifyCopyError(ctx, werr, true)
	}

	return Result{BytesWritten: written, RangeNotHonored: rangeNotHonored}, nil
}

func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, opts Options, total int64) (int64, error) {
	buf := make([]byte, 32*1024)
	var received int64

	for {
		select {
		case <-ctx.Done():
			return received, ctx.Err()
		default:
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if opts.Limiter != nil {
				if werr := opts.Limiter.WaitN(ctx, n); werr != nil {
					return received, werr
				}
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return received, werr
			}
			received += int64(n)
			if opts.OnProgress != nil {
				opts.OnProgress(received, total)
			}
		}
		if rerr == io.EOF {
			return received, nil
		}
		if rerr != nil {
			return received, rerr
		}
	}
}

func classifyTransportError(ctx context.Context, err error) *Error {
	if ctx.Err() != nil {
		return &Error{Kind: KindCancelled, Err: err, PartialPreserved: true}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err, PartialPreserved: true}
	}
	if isConnReset(err) {
		return &Error{Kind: KindConnectionReset, Err: err, PartialPreserved: true}
	}
	return &Error{Kind: KindOther, Err: err, PartialPreserved: true}
}

func classifyCopyError(ctx context.Context, err error, partialPreserved bool) *Error {
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return &Error{Kind: KindCancelled, Err: err, PartialPreserved: partialPreserved}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err, PartialPreserved: partialPreserved}
	}
	if isConnReset(err) {
		return &Error{Kind: KindConnectionReset, Err: err, PartialPreserved: partialPreserved}
	}
	return &Error{Kind: KindOther, Err: err, PartialPreserved: partialPreserved}
}

func isConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET)
}
