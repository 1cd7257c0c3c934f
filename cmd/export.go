package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/tealeg/xlsx/v2"

	"github.com/clipsight/clipsight/internal/model"
)

var exportCmd = &cobra.Command{
	Use:   "export <job-id> <output.xlsx>",
	Short: "Export a job's per-item results to a spreadsheet",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		job, err := st.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "export")
		}
		if len(job.AnnotationResults) == 0 {
			return eris.Errorf("job %s has no annotation results to export", job.ID)
		}

		f, err := buildWorkbook(job)
		if err != nil {
			return err
		}
		if err := f.Save(args[1]); err != nil {
			return eris.Wrapf(err, "export: save %s", args[1])
		}

		fmt.Fprintf(os.Stderr, "Exported %d items to %s\n", len(job.AnnotationResults), args[1])
		return nil
	},
}

func buildWorkbook(job *model.Job) (*xlsx.File, error) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("items")
	if err != nil {
		return nil, eris.Wrap(err, "export: add sheet")
	}

	header := sheet.AddRow()
	for _, h := range []string{
		"item_id", "source", "url", "plays", "likes", "comments", "shares",
		"engagement_rate", "labels", "shot_changes", "from_cache", "transcript",
	} {
		header.AddCell().SetString(h)
	}

	for _, ann := range job.AnnotationResults {
		item, _ := job.ItemByID(ann.ItemID)
		row := sheet.AddRow()
		row.AddCell().SetString(ann.ItemID)
		row.AddCell().SetString(item.SourceProfile)
		row.AddCell().SetString(item.URL)
		row.AddCell().SetInt64(ann.Metrics.PlayCount)
		row.AddCell().SetInt64(ann.Metrics.DiggCount)
		row.AddCell().SetInt64(ann.Metrics.CommentCount)
		row.AddCell().SetInt64(ann.Metrics.ShareCount)
		row.AddCell().SetFloat(item.EngagementRate())
		row.AddCell().SetString(strings.Join(ann.Labels, ", "))
		row.AddCell().SetInt(ann.ShotChangeCount)
		row.AddCell().SetBool(ann.FromCache)
		row.AddCell().SetString(ann.Transcript)
	}

	if job.PrimaryInsights != nil {
		insights, err := f.AddSheet("insights")
		if err != nil {
			return nil, eris.Wrap(err, "export: add insights sheet")
		}
		row := insights.AddRow()
		row.AddCell().SetString("focus")
		row.AddCell().SetString(string(job.PrimaryInsights.Focus))
		row = insights.AddRow()
		row.AddCell().SetString("raw_response")
		row.AddCell().SetString(job.PrimaryInsights.RawResponse)
	}

	return f, nil
}

func init() {
	rootCmd.AddCommand(exportCmd)
}
