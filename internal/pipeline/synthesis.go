package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/clipsight/clipsight/internal/model"
)

// SynthesisOptions parameterizes one insight generation call.
type SynthesisOptions struct {
	Focus       model.Focus
	Temperature float64
	IdeaCount   int
	// Variant appends to the job's insight variants instead of overwriting
	// the primary insights.
	Variant bool
}

func (o *SynthesisOptions) applyDefaults(cfg synthesisDefaults) {
	if o.Focus == "" {
		o.Focus = model.Focus(cfg.Focus)
	}
	if o.Temperature <= 0 {
		o.Temperature = cfg.Temperature
	}
	if o.IdeaCount <= 0 {
		o.IdeaCount = cfg.IdeaCount
	}
}

type synthesisDefaults struct {
	Focus       string
	Temperature float64
	IdeaCount   int
}

// Synthesize generates insights for a job that has reached the synthesis
// stage, including completed jobs: regenerating with different creative
// parameters never requires re-running the item loop. In variant mode the
// primary insights are left alone (backfilled only when still empty).
func (r *Runner) Synthesize(ctx context.Context, jobID string, opts SynthesisOptions) (*model.Insights, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch job.Stage {
	case model.StageGeneratingInsights, model.StageCompleted:
	case model.StageFailed:
		return nil, model.ErrJobTerminated
	default:
		return nil, eris.Errorf("pipeline: job %s has not reached synthesis (stage %s)", jobID, job.Stage)
	}

	opts.applyDefaults(synthesisDefaults{
		Focus:       r.synCfg.Focus,
		Temperature: r.synCfg.Temperature,
		IdeaCount:   r.synCfg.IdeaCount,
	})
	if !opts.Focus.Valid() {
		return nil, eris.Errorf("pipeline: unknown focus %q", opts.Focus)
	}

	ins, err := r.generateForJob(ctx, job, opts)
	if err != nil {
		return nil, err
	}

	if opts.Variant {
		err = r.store.AppendInsightVariant(ctx, jobID, ins)
	} else {
		err = r.store.SetPrimaryInsights(ctx, jobID, ins)
	}
	if err != nil {
		return nil, err
	}
	return &ins, nil
}

// generateInsights is the in-pipeline path: the job row was just moved to
// generating_insights by the caller, which also persists the result.
func (r *Runner) generateInsights(ctx context.Context, jobID string, opts SynthesisOptions) (model.Insights, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return model.Insights{}, err
	}
	opts.applyDefaults(synthesisDefaults{
		Focus:       r.synCfg.Focus,
		Temperature: r.synCfg.Temperature,
		IdeaCount:   r.synCfg.IdeaCount,
	})
	if !opts.Focus.Valid() {
		opts.Focus = model.FocusAnalytical
	}
	return r.generateForJob(ctx, job, opts)
}

func (r *Runner) generateForJob(ctx context.Context, job *model.Job, opts SynthesisOptions) (model.Insights, error) {
	prompt := buildSynthesisPrompt(job, r.synCfg.TranscriptMaxChars)
	system, err := systemInstruction(opts.Focus, opts.IdeaCount)
	if err != nil {
		return model.Insights{}, err
	}

	genCtx, cancel := context.WithTimeout(ctx, secs(r.cfg.GenerateTimeoutSecs, 120))
	defer cancel()

	result, err := r.generator.Generate(genCtx, GenerateRequest{
		Prompt:            prompt,
		SystemInstruction: system,
		Temperature:       opts.Temperature,
	})
	if err != nil {
		return model.Insights{}, eris.Wrap(err, "pipeline: generate insights")
	}

	ins := model.Insights{
		RawResponse: result.Text,
		Parsed:      parseInsights(result.Text),
		Focus:       opts.Focus,
		Temperature: opts.Temperature,
		IdeaCount:   opts.IdeaCount,
		TokenUsage:  result.Usage,
		GeneratedAt: time.Now().UTC(),
	}
	if ins.Parsed == nil {
		zap.L().Warn("synthesis response was not valid structured output, keeping raw text",
			zap.String("job_id", job.ID))
	}
	return ins, nil
}

// buildSynthesisPrompt embeds the ranked-metrics summary and a per-item
// block (engagement counters, labels, truncated transcript) into one prompt.
func buildSynthesisPrompt(job *model.Job, transcriptMaxChars int) string {
	if transcriptMaxChars <= 0 {
		transcriptMaxChars = 1500
	}

	var b strings.Builder
	s := job.Summary

	b.WriteString("Analyzed video dataset overview:\n")
	fmt.Fprintf(&b, "- Items in raw dataset: %d, selected for analysis: %d\n", s.TotalItems, s.SelectedItems)
	if len(s.Sources) > 0 {
		fmt.Fprintf(&b, "- Source profiles: %s\n", strings.Join(s.Sources, ", "))
	}
	fmt.Fprintf(&b, "- Totals across selected items: %d plays, %d likes, %d comments, %d shares\n",
		s.TotalPlays, s.TotalDiggs, s.TotalComments, s.TotalShares)
	fmt.Fprintf(&b, "- Average engagement rate: %.4f, average duration: %.0fs\n",
		s.AvgEngagementRate, s.AvgDurationSeconds)
	if job.FailureCount > 0 {
		fmt.Fprintf(&b, "- %d of %d selected items could not be analyzed and are omitted below\n",
			job.FailureCount, len(job.SelectedItemIDs))
	}

	b.WriteString("\nPer-video analysis:\n")
	for i, ann := range job.AnnotationResults {
		item, _ := job.ItemByID(ann.ItemID)
		fmt.Fprintf(&b, "\n--- Video %d ---\n", i+1)
		if item.Description != "" {
			fmt.Fprintf(&b, "Description: %s\n", item.Description)
		}
		fmt.Fprintf(&b, "Metrics: %d plays, %d likes, %d comments, %d shares, %ds duration\n",
			ann.Metrics.PlayCount, ann.Metrics.DiggCount, ann.Metrics.CommentCount, ann.Metrics.ShareCount,
			item.DurationSeconds)
		if len(ann.Labels) > 0 {
			fmt.Fprintf(&b, "Visual labels: %s\n", strings.Join(ann.Labels, ", "))
		}
		if ann.Transcript != "" {
			transcript := ann.Transcript
			if len(transcript) > transcriptMaxChars {
				transcript = transcript[:transcriptMaxChars] + "…"
			}
			fmt.Fprintf(&b, "Transcript: %s\n", transcript)
		}
	}

	return b.String()
}

// parseInsights attempts a best-effort structured parse of the provider
// response. A nil return means the raw text is all we keep; parse failure
// never fails a job.
func parseInsights(text string) *model.ParsedInsights {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return nil
	}
	var parsed model.ParsedInsights
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil
	}
	if parsed.Summary == "" && len(parsed.ContentPillars) == 0 && len(parsed.VideoIdeas) == 0 {
		return nil
	}
	return &parsed
}

// cleanJSON attempts to extract a JSON object from text that may contain
// markdown code fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
