// Package manifest implements the HLS two-level manifest resolution: master
// playlists select a variant, media playlists list ordered segment URIs.
package manifest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// ErrEmptyManifest is returned when a master playlist has no parseable
// variants, or a media playlist has zero segments.
var ErrEmptyManifest = errors.New("manifest: empty manifest")

var bandwidthRe = regexp.MustCompile(`BANDWIDTH=(\d+)`)

// Result is the outcome of resolving one manifest URL.
type Result struct {
	// ReplacementURL is set when the fetched manifest was a master
	// playlist; the caller should resolve this URL in turn.
	ReplacementURL string
	// Segments is set when the fetched manifest was a media playlist,
	// in play order, as absolute URLs.
	Segments []string
}

// IsMaster reports whether this result is a master-playlist redirect.
func (r Result) IsMaster() bool { return r.ReplacementURL != "" }

// Resolver fetches and parses HLS manifests. It is stateless and has no
// side effects other than the HTTP request it issues.
type Resolver struct {
	Client *http.Client
	// UserAgent, when set, is sent as the User-Agent header on every
	// manifest request.
	UserAgent string
}

// New builds a Resolver using the given HTTP client. If client is nil, a
// default client is used.
func New(client *http.Client) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &Resolver{Client: client}
}

// Resolve fetches manifestURL and returns either a replacement URL (master
// case) or the ordered segment list (media case).
func (res *Resolver) Resolve(ctx context.Context, manifestURL string) (Result, error) {
	body, err := res.fetch(ctx, manifestURL)
	if err != nil {
		return Result{}, err
	}

	if strings.Contains(body, "#EXT-X-STREAM-INF") {
		return res.parseMaster(body, manifestURL)
	}
	return res.parseMedia(body, manifestURL)
}

func (res *Resolver) fetch(ctx context.Context, manifestURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return "", fmt.Errorf("manifest: build request: %w", err)
	}
	if res.UserAgent != "" {
		req.Header.Set("User-Agent", res.UserAgent)
	}

	resp, err := res.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("manifest: fetch %s: %w", manifestURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("manifest: fetch %s: status %d", manifestURL, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("manifest: read body: %w", err)
	}
	return string(data), nil
}

// parseMaster scans #EXT-X-STREAM-INF lines, picks the highest-BANDWIDTH
// variant (first occurrence wins ties), and resolves it against baseURL.
func (res *Resolver) parseMaster(body, baseURL string) (Result, error) {
	scanner := bufio.NewScanner(strings.NewReader(body))

	bestBandwidth := -1
	bestURI := ""

	var pendingBandwidth *int
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#EXT-X-STREAM-INF") {
			bw := 0
			if m := bandwidthRe.FindStringSubmatch(line); m != nil {
				if v, err := strconv.Atoi(m[1]); err == nil {
					bw = v
				}
			}
			pendingBandwidth = &bw
			continue
		}

		if strings.HasPrefix(line, "#") {
			continue
		}

		// This is a variant URI line following a #EXT-X-STREAM-INF tag.
		if pendingBandwidth == nil {
			continue
		}
		bw := *pendingBandwidth
		pendingBandwidth = nil

		if bw > bestBandwidth {
			bestBandwidth = bw
			bestURI = line
		}
	}

	if bestURI == "" {
		return Result{}, ErrEmptyManifest
	}

	resolved, err := resolveURI(baseURL, bestURI)
	if err != nil {
		return Result{}, fmt.Errorf("manifest: resolve variant uri: %w", err)
	}
	return Result{ReplacementURL: resolved}, nil
}

// parseMedia treats every non-empty, non-comment line as a segment URI,
// preserving input order.
func (res *Resolver) parseMedia(body, baseURL string) (Result, error) {
	scanner := bufio.NewScanner(strings.NewReader(body))

	var segments []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		resolved, err := resolveURI(baseURL, line)
		if err != nil {
			return Result{}, fmt.Errorf("manifest: resolve segment uri: %w", err)
		}
		segments = append(segments, resolved)
	}

	if len(segments) == 0 {
		return Result{}, ErrEmptyManifest
	}
	return Result{Segments: segments}, nil
}

// resolveURI resolves a (possibly relative) URI against the manifest's own
// URL, the way a browser resolves a relative href.
func resolveURI(baseURL, uri string) (string, error) {
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		return uri, nil
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}
