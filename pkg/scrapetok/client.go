// Package scrapetok provides a client for an Apify-style actor API that
// scrapes short-form video metadata for profiles or hashtags.
package scrapetok

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/clipsight/clipsight/internal/model"
)

// Client defines the scraping operations used by the CLI.
type Client interface {
	// ScrapeProfiles runs the actor against one or more source profiles and
	// returns the scraped items tagged by profile.
	ScrapeProfiles(ctx context.Context, profiles []string, perProfile int) ([]model.CandidateItem, error)
	// ScrapeHashtag runs the actor against a hashtag query.
	ScrapeHashtag(ctx context.Context, hashtag string, limit int) ([]model.CandidateItem, error)
}

// Option configures the scrapetok client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithActorID overrides the default scraper actor.
func WithActorID(id string) Option {
	return func(c *httpClient) {
		c.actorID = id
	}
}

// WithPollInterval overrides the run-status poll interval (for testing).
func WithPollInterval(d time.Duration) Option {
	return func(c *httpClient) {
		c.pollInterval = d
	}
}

type httpClient struct {
	token        string
	baseURL      string
	actorID      string
	pollInterval time.Duration
	http         *http.Client
}

// NewClient creates a new actor-run client.
func NewClient(token, actorID string, opts ...Option) Client {
	c := &httpClient{
		token:        token,
		baseURL:      "https://api.apify.com/v2",
		actorID:      actorID,
		pollInterval: 3 * time.Second,
		http: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// scrapedItem is the actor's dataset row shape.
type scrapedItem struct {
	ID            string `json:"id"`
	AuthorName    string `json:"authorName"`
	WebVideoURL   string `json:"webVideoUrl"`
	VideoURL      string `json:"videoUrl"`
	Text          string `json:"text"`
	Duration      int    `json:"videoDuration"`
	CreateTimeISO string `json:"createTimeISO"`
	PlayCount     int64  `json:"playCount"`
	DiggCount     int64  `json:"diggCount"`
	CommentCount  int64  `json:"commentCount"`
	ShareCount    int64  `json:"shareCount"`
	CollectCount  int64  `json:"collectCount"`
}

func (c *httpClient) ScrapeProfiles(ctx context.Context, profiles []string, perProfile int) ([]model.CandidateItem, error) {
	if len(profiles) == 0 {
		return nil, eris.New("scrapetok: at least one profile is required")
	}
	input := map[string]any{
		"profiles":       profiles,
		"resultsPerPage": perProfile,
	}
	return c.runActor(ctx, input)
}

func (c *httpClient) ScrapeHashtag(ctx context.Context, hashtag string, limit int) ([]model.CandidateItem, error) {
	if hashtag == "" {
		return nil, eris.New("scrapetok: hashtag is required")
	}
	input := map[string]any{
		"hashtags":       []string{hashtag},
		"resultsPerPage": limit,
	}
	return c.runActor(ctx, input)
}

// runActor starts an actor run, polls until it finishes, and maps the
// dataset rows onto candidate items.
func (c *httpClient) runActor(ctx context.Context, input map[string]any) ([]model.CandidateItem, error) {
	runID, err := c.startRun(ctx, input)
	if err != nil {
		return nil, err
	}
	zap.L().Debug("actor run started", zap.String("run_id", runID))

	datasetID, err := c.waitForRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	rows, err := c.datasetItems(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	items := make([]model.CandidateItem, 0, len(rows))
	for _, r := range rows {
		if r.ID == "" {
			continue
		}
		publishedAt, _ := time.Parse(time.RFC3339, r.CreateTimeISO)
		items = append(items, model.CandidateItem{
			ID:              r.ID,
			SourceProfile:   r.AuthorName,
			URL:             r.WebVideoURL,
			MediaURL:        r.VideoURL,
			Description:     r.Text,
			DurationSeconds: r.Duration,
			PublishedAt:     publishedAt,
			PlayCount:       r.PlayCount,
			DiggCount:       r.DiggCount,
			CommentCount:    r.CommentCount,
			ShareCount:      r.ShareCount,
			CollectCount:    r.CollectCount,
		})
	}
	return items, nil
}

func (c *httpClient) startRun(ctx context.Context, input map[string]any) (string, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return "", eris.Wrap(err, "scrapetok: marshal actor input")
	}

	reqURL := c.baseURL + "/acts/" + url.PathEscape(c.actorID) + "/runs?token=" + url.QueryEscape(c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return "", eris.Wrap(err, "scrapetok: create run request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "scrapetok: start actor run")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return "", eris.Errorf("scrapetok: start run: status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", eris.Wrap(err, "scrapetok: decode run response")
	}
	return result.Data.ID, nil
}

func (c *httpClient) waitForRun(ctx context.Context, runID string) (string, error) {
	statusURL := c.baseURL + "/actor-runs/" + url.PathEscape(runID) + "?token=" + url.QueryEscape(c.token)

	for {
		select {
		case <-ctx.Done():
			return "", eris.Wrap(ctx.Err(), "scrapetok: wait for run")
		case <-time.After(c.pollInterval):
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
		if err != nil {
			return "", eris.Wrap(err, "scrapetok: create status request")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return "", eris.Wrap(err, "scrapetok: poll run status")
		}

		var status struct {
			Data struct {
				Status           string `json:"status"`
				DefaultDatasetID string `json:"defaultDatasetId"`
			} `json:"data"`
		}
		err = json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		if err != nil {
			return "", eris.Wrap(err, "scrapetok: decode run status")
		}

		switch status.Data.Status {
		case "SUCCEEDED":
			return status.Data.DefaultDatasetID, nil
		case "FAILED", "ABORTED", "TIMED-OUT":
			return "", eris.Errorf("scrapetok: actor run %s ended with status %s", runID, status.Data.Status)
		}
	}
}

func (c *httpClient) datasetItems(ctx context.Context, datasetID string) ([]scrapedItem, error) {
	reqURL := c.baseURL + "/datasets/" + url.PathEscape(datasetID) + "/items?token=" + url.QueryEscape(c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "scrapetok: create dataset request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "scrapetok: fetch dataset items")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, eris.Errorf("scrapetok: dataset items: status %d: %s", resp.StatusCode, string(respBody))
	}

	var rows []scrapedItem
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, eris.Wrap(err, "scrapetok: decode dataset items")
	}
	return rows, nil
}
