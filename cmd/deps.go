package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"

	"github.com/clipsight/clipsight/internal/credits"
	"github.com/clipsight/clipsight/internal/fetch"
	"github.com/clipsight/clipsight/internal/model"
	"github.com/clipsight/clipsight/internal/pipeline"
	"github.com/clipsight/clipsight/internal/resilience"
	"github.com/clipsight/clipsight/internal/store"
	"github.com/clipsight/clipsight/pkg/anthropic"
	"github.com/clipsight/clipsight/pkg/scrapetok"
	"github.com/clipsight/clipsight/pkg/videoml"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "clipsight.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initRunner wires the full pipeline: store, fetcher, annotator, generator,
// and the credit ledger.
func initRunner(st store.Store) (*pipeline.Runner, error) {
	if cfg.Anthropic.Key == "" {
		return nil, eris.New("anthropic API key is required (CLIPSIGHT_ANTHROPIC_KEY)")
	}
	if cfg.VideoML.Key == "" {
		return nil, eris.New("video annotation API key is required (CLIPSIGHT_VIDEOML_KEY)")
	}

	fetcher, err := fetch.NewHTTPFetcher(fetch.Options{
		ArtifactDir: cfg.Fetch.ArtifactDir,
		Retry:       resilience.RetryConfig{MaxAttempts: cfg.Fetch.MaxRetries + 1},
	})
	if err != nil {
		return nil, err
	}

	annotator := pipeline.NewVideoMLAnnotator(videoml.NewClient(
		cfg.VideoML.Key,
		videoml.WithBaseURL(cfg.VideoML.BaseURL),
		videoml.WithRateLimit(cfg.VideoML.RequestsPerSec),
	))

	generator := pipeline.NewAnthropicGenerator(
		anthropic.NewClient(cfg.Anthropic.Key),
		cfg.Anthropic.Model,
		cfg.Anthropic.MaxTokens,
	)

	return pipeline.NewRunner(st, fetcher, annotator, generator, credits.NewStoreLedger(st), cfg), nil
}

func initScraper() (scrapetok.Client, error) {
	if cfg.Scrape.Token == "" {
		return nil, eris.New("scrape API token is required (CLIPSIGHT_SCRAPE_TOKEN)")
	}
	return scrapetok.NewClient(
		cfg.Scrape.Token,
		cfg.Scrape.ActorID,
		scrapetok.WithBaseURL(cfg.Scrape.BaseURL),
	), nil
}

// loadItemsFile reads a JSON array of candidate items from disk, the offline
// alternative to scraping.
func loadItemsFile(path string) ([]model.CandidateItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read items file %s", path)
	}
	var items []model.CandidateItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, eris.Wrapf(err, "parse items file %s", path)
	}
	return items, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
