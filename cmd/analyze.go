package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clipsight/clipsight/internal/model"
	"github.com/clipsight/clipsight/internal/pipeline"
	"github.com/clipsight/clipsight/internal/ranking"
	"github.com/clipsight/clipsight/pkg/notion"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Scrape, select, and analyze short-form videos end to end",
	Long:  "Collects candidate items (scrape or JSON file), ranks and selects a working set, creates an admission-checked job, runs it, and prints the report.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		owner, _ := cmd.Flags().GetString("owner")
		if owner == "" {
			return eris.New("--owner is required")
		}
		profiles, _ := cmd.Flags().GetStringSlice("profiles")
		hashtag, _ := cmd.Flags().GetString("hashtag")
		itemsFile, _ := cmd.Flags().GetString("items-file")
		total, _ := cmd.Flags().GetInt("total")
		asJSON, _ := cmd.Flags().GetBool("json")
		publish, _ := cmd.Flags().GetBool("publish")

		raw, hashtagMode, err := collectItems(ctx, profiles, hashtag, itemsFile)
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			return eris.New("no candidate items found")
		}

		selected := selectItems(raw, profiles, hashtagMode, total)
		if len(selected) == 0 {
			return eris.New("selection produced no items")
		}
		summary := ranking.Summarize(raw, selected)

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}
		runner, err := initRunner(st)
		if err != nil {
			return err
		}

		job, err := runner.CreateJob(ctx, owner, selected, summary)
		if err != nil {
			return eris.Wrap(err, "analyze: create job")
		}
		fmt.Fprintf(os.Stderr, "Job %s created (%d items selected from %d)\n", job.ID, len(selected), len(raw))

		if err := runner.RunJob(ctx, job.ID); err != nil {
			return eris.Wrap(err, "analyze: run job")
		}

		final, err := st.GetJob(ctx, job.ID)
		if err != nil {
			return err
		}

		if publish {
			if url, pubErr := publishReport(ctx, final); pubErr != nil {
				zap.L().Warn("report publishing failed", zap.Error(pubErr))
			} else {
				fmt.Fprintf(os.Stderr, "Report published: %s\n", url)
			}
		}

		if asJSON {
			return printJSON(final)
		}
		fmt.Print(pipeline.FormatJobReport(final))
		return nil
	},
}

// collectItems gathers raw candidates from a JSON file, profile scrape, or
// hashtag scrape, reporting whether hashtag-mode dedup applies.
func collectItems(ctx context.Context, profiles []string, hashtag, itemsFile string) ([]model.CandidateItem, bool, error) {
	if itemsFile != "" {
		items, err := loadItemsFile(itemsFile)
		return items, hashtag != "", err
	}

	scraper, err := initScraper()
	if err != nil {
		return nil, false, err
	}
	if hashtag != "" {
		items, err := scraper.ScrapeHashtag(ctx, hashtag, cfg.Scrape.MaxItems)
		return items, true, err
	}
	if len(profiles) > 0 {
		perProfile := cfg.Scrape.MaxItems / len(profiles)
		if perProfile < 1 {
			perProfile = 1
		}
		items, err := scraper.ScrapeProfiles(ctx, profiles, perProfile)
		return items, false, err
	}
	return nil, false, eris.New("one of --profiles, --hashtag, or --items-file is required")
}

// selectItems applies the selection strategy: dedup for hashtag scrapes,
// per-source distribution for multi-profile competitor runs, and the
// two-stage interactive ranking otherwise.
func selectItems(raw []model.CandidateItem, profiles []string, hashtagMode bool, total int) []model.CandidateItem {
	if hashtagMode {
		raw = ranking.DedupeByID(raw)
	}
	if len(profiles) > 1 && total > 0 {
		return ranking.DistributeBySource(raw, total)
	}
	return ranking.TopInteractive(raw)
}

func publishReport(ctx context.Context, job *model.Job) (string, error) {
	if cfg.Notion.Token == "" {
		return "", eris.New("notion token is required (CLIPSIGHT_NOTION_TOKEN)")
	}
	client := notion.NewClient(cfg.Notion.Token)
	title := fmt.Sprintf("Video Analysis %s", job.ID)
	return notion.PublishReport(ctx, client, cfg.Notion.DatabaseID, title, pipeline.FormatJobReport(job))
}

func init() {
	analyzeCmd.Flags().String("owner", "", "credit account to check and charge")
	analyzeCmd.Flags().StringSlice("profiles", nil, "source profiles to scrape")
	analyzeCmd.Flags().String("hashtag", "", "hashtag to scrape instead of profiles")
	analyzeCmd.Flags().String("items-file", "", "JSON file of candidate items (skips scraping)")
	analyzeCmd.Flags().Int("total", 0, "total items when distributing across profiles")
	analyzeCmd.Flags().Bool("json", false, "print the full job record as JSON")
	analyzeCmd.Flags().Bool("publish", false, "publish the report to Notion")
	rootCmd.AddCommand(analyzeCmd)
}
