// Package fetch downloads item media into a local artifact directory. Retry
// policy lives here, not in the stage runner: the runner sees a single
// Fetch call succeed or fail.
package fetch

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/clipsight/clipsight/internal/model"
	"github.com/clipsight/clipsight/internal/resilience"
)

// Options configures the HTTP fetcher.
type Options struct {
	ArtifactDir string
	UserAgent   string
	Timeout     time.Duration
	// RequestsPerSecond throttles downloads across all jobs sharing this
	// fetcher. Zero means 2 rps.
	RequestsPerSecond float64
	Retry             resilience.RetryConfig
}

// HTTPFetcher downloads media over HTTP and writes one artifact file per
// item under ArtifactDir.
type HTTPFetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	opts    Options
}

// NewHTTPFetcher creates a fetcher, creating the artifact directory if
// needed.
func NewHTTPFetcher(opts Options) (*HTTPFetcher, error) {
	if opts.ArtifactDir == "" {
		opts.ArtifactDir = filepath.Join(os.TempDir(), "clipsight-artifacts")
	}
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "clipsight/1.0"
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 2
	}
	if err := os.MkdirAll(opts.ArtifactDir, 0o755); err != nil {
		return nil, eris.Wrap(err, "fetch: create artifact dir")
	}

	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		opts:    opts,
	}, nil
}

// Fetch downloads the item's media and returns a DownloadedItem pointing at
// the local artifact. Transient HTTP failures are retried; a 4xx other than
// 408/429 fails immediately.
func (f *HTTPFetcher) Fetch(ctx context.Context, item model.CandidateItem) (model.DownloadedItem, error) {
	mediaURL := item.MediaURL
	if mediaURL == "" {
		mediaURL = item.URL
	}
	if mediaURL == "" {
		return model.DownloadedItem{}, eris.Errorf("fetch: item %s has no media url", item.ID)
	}

	path := filepath.Join(f.opts.ArtifactDir, item.ID+".mp4")

	cfg := f.opts.Retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("fetch", "download")
	}

	size, err := resilience.Do(ctx, cfg, func(ctx context.Context) (int64, error) {
		return f.download(ctx, mediaURL, path)
	})
	if err != nil {
		return model.DownloadedItem{}, eris.Wrapf(err, "fetch: download item %s", item.ID)
	}

	zap.L().Debug("downloaded artifact",
		zap.String("item_id", item.ID),
		zap.String("path", path),
		zap.Int64("bytes", size),
	)

	return model.DownloadedItem{
		ItemID:       item.ID,
		ArtifactRef:  path,
		SizeBytes:    size,
		DownloadedAt: time.Now().UTC(),
	}, nil
}

func (f *HTTPFetcher) download(ctx context.Context, mediaURL, path string) (int64, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return 0, eris.Wrap(err, "fetch: rate limit wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return 0, eris.Wrap(err, "fetch: build request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("fetch: unexpected status %d for %s", resp.StatusCode, mediaURL)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return 0, resilience.NewTransientError(err, resp.StatusCode)
		}
		return 0, err
	}

	tmp, err := os.CreateTemp(f.opts.ArtifactDir, ".download-*")
	if err != nil {
		return 0, eris.Wrap(err, "fetch: create temp file")
	}
	defer os.Remove(tmp.Name())

	size, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, eris.Wrap(err, "fetch: write artifact")
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, eris.Wrap(err, "fetch: move artifact into place")
	}
	return size, nil
}
