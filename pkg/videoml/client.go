// Package videoml provides a client for the video intelligence annotation
// API: labels, transcript and shot-change detection for a media artifact.
package videoml

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/clipsight/clipsight/internal/resilience"
)

// Client defines the annotation operations used by the pipeline.
type Client interface {
	// Annotate submits an artifact for analysis and returns the computed
	// labels, transcript, and shot-change count.
	Annotate(ctx context.Context, req AnnotateRequest) (*AnnotateResponse, error)
}

// AnnotateRequest identifies the artifact to analyze.
type AnnotateRequest struct {
	ItemID      string `json:"item_id"`
	ArtifactRef string `json:"artifact_ref"`
}

// AnnotateResponse is the parsed annotation result.
type AnnotateResponse struct {
	Labels          []string `json:"labels"`
	Transcript      string   `json:"transcript"`
	ShotChangeCount int      `json:"shot_change_count"`
}

// Option configures the videoml client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit overrides the default request rate.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithRetryConfig overrides the default retry policy.
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
}

// NewClient creates a new video intelligence client. Annotation runs take
// tens of seconds server-side, so the default timeout is generous.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.videoml.dev/v1",
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(1), 1),
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Annotate(ctx context.Context, req AnnotateRequest) (*AnnotateResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "videoml: marshal request")
	}

	cfg := c.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("videoml", "annotate")
	}

	return resilience.Do(ctx, cfg, func(ctx context.Context) (*AnnotateResponse, error) {
		return c.annotateOnce(ctx, payload)
	})
}

func (c *httpClient) annotateOnce(ctx context.Context, payload []byte) (*AnnotateResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "videoml: rate limit wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/annotate", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "videoml: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "videoml: read response body")
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("videoml: status %d: %s", resp.StatusCode, string(body))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var result AnnotateResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "videoml: unmarshal response")
	}
	return &result, nil
}
