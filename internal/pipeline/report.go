package pipeline

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/clipsight/clipsight/internal/model"
)

var titleCaser = cases.Title(language.English)

// FormatJobReport renders a completed job's insights as a human-readable
// report for the CLI and for publishing. Falls back to the raw provider
// text when no structured insights were parsed.
func FormatJobReport(job *model.Job) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Video Analysis Report — Job %s\n\n", job.ID)

	s := job.Summary
	fmt.Fprintf(&b, "Dataset: %d items scanned, %d selected", s.TotalItems, s.SelectedItems)
	if len(s.Sources) > 0 {
		fmt.Fprintf(&b, " across %s", strings.Join(s.Sources, ", "))
	}
	b.WriteString(".\n")
	fmt.Fprintf(&b, "Engagement: %d plays, %d likes, %d comments, %d shares (avg rate %.4f).\n",
		s.TotalPlays, s.TotalDiggs, s.TotalComments, s.TotalShares, s.AvgEngagementRate)
	if job.FailureCount > 0 {
		fmt.Fprintf(&b, "Note: %d of %d items could not be analyzed.\n", job.FailureCount, len(job.SelectedItemIDs))
	}

	ins := job.PrimaryInsights
	if ins == nil {
		b.WriteString("\nNo insights were generated for this job.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "\n%s Analysis (temperature %.1f)\n", titleCaser.String(string(ins.Focus)), ins.Temperature)

	if ins.Parsed == nil {
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(ins.RawResponse))
		b.WriteString("\n")
		return b.String()
	}

	p := ins.Parsed
	if p.Summary != "" {
		fmt.Fprintf(&b, "\nSummary\n%s\n", p.Summary)
	}
	writeList(&b, "Content Pillars", p.ContentPillars)
	writeList(&b, "Hooks That Worked", p.Hooks)

	if len(p.VideoIdeas) > 0 {
		b.WriteString("\nVideo Ideas\n")
		for i, idea := range p.VideoIdeas {
			fmt.Fprintf(&b, "%d. %s\n", i+1, idea.Title)
			if idea.Hook != "" {
				fmt.Fprintf(&b, "   Hook: %s\n", idea.Hook)
			}
			if idea.Concept != "" {
				fmt.Fprintf(&b, "   Concept: %s\n", idea.Concept)
			}
		}
	}
	writeList(&b, "Recommendations", p.Recommendations)

	if len(job.InsightVariants) > 0 {
		fmt.Fprintf(&b, "\n%d alternative variant(s) available:", len(job.InsightVariants))
		for _, v := range job.InsightVariants {
			fmt.Fprintf(&b, " %s", titleCaser.String(string(v.Focus)))
		}
		b.WriteString("\n")
	}

	return b.String()
}

func writeList(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s\n", heading)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}
