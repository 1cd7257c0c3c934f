package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/clipsight/clipsight/internal/model"
	"github.com/clipsight/clipsight/internal/ranking"
)

var rankCmd = &cobra.Command{
	Use:   "rank <items-file>",
	Short: "Preview selection on a JSON items file without creating a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := loadItemsFile(args[0])
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			return eris.New("items file is empty")
		}

		dedupe, _ := cmd.Flags().GetBool("dedupe")
		total, _ := cmd.Flags().GetInt("total")
		asJSON, _ := cmd.Flags().GetBool("json")

		if dedupe {
			raw = ranking.DedupeByID(raw)
		}

		var selected []model.CandidateItem
		if total > 0 {
			selected = ranking.DistributeBySource(raw, total)
		} else {
			selected = ranking.TopInteractive(raw)
		}

		if asJSON {
			return printJSON(selected)
		}

		summary := ranking.Summarize(raw, selected)
		fmt.Printf("Selected %d of %d items (avg engagement rate %.4f)\n\n",
			summary.SelectedItems, summary.TotalItems, summary.AvgEngagementRate)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSOURCE\tPLAYS\tLIKES\tCOMMENTS\tSHARES\tENG RATE")
		for _, it := range selected {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%.4f\n",
				it.ID, it.SourceProfile, it.PlayCount, it.DiggCount, it.CommentCount, it.ShareCount, it.EngagementRate())
		}
		return w.Flush()
	},
}

func init() {
	rankCmd.Flags().Bool("dedupe", false, "drop duplicate item ids before ranking")
	rankCmd.Flags().Int("total", 0, "distribute across sources up to this total instead of top-interactive selection")
	rankCmd.Flags().Bool("json", false, "print selected items as JSON")
	rootCmd.AddCommand(rankCmd)
}
