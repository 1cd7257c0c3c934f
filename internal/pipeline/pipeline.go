// Package pipeline drives an analysis job through its stages: fetch each
// selected item, annotate it (cache-first), then synthesize insights.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/clipsight/clipsight/internal/config"
	"github.com/clipsight/clipsight/internal/cost"
	"github.com/clipsight/clipsight/internal/credits"
	"github.com/clipsight/clipsight/internal/model"
	"github.com/clipsight/clipsight/internal/store"
)

// Fetcher downloads an item's media and returns a local artifact reference.
// Retry policy belongs to the implementation, not the runner.
type Fetcher interface {
	Fetch(ctx context.Context, item model.CandidateItem) (model.DownloadedItem, error)
}

// Annotator computes the expensive per-item analysis for a fetched artifact.
type Annotator interface {
	Annotate(ctx context.Context, item model.CandidateItem, artifact model.DownloadedItem) (model.AnnotationResult, error)
}

// GenerateRequest is one call to the text provider.
type GenerateRequest struct {
	Prompt            string
	SystemInstruction string
	Temperature       float64
	MaxTokens         int64
}

// GenerateResult carries the provider response and its token accounting.
type GenerateResult struct {
	Text  string
	Usage model.TokenUsage
}

// TextGenerator produces the synthesis text.
type TextGenerator interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}

// ThresholdExceededError aborts a job when more than the configured fraction
// of selected items failed. It is the only mid-pipeline abort condition.
type ThresholdExceededError struct {
	JobID       string
	FailureRate float64
	Threshold   float64
}

func (e *ThresholdExceededError) Error() string {
	return fmt.Sprintf("job %s: failure rate %.2f exceeded threshold %.2f", e.JobID, e.FailureRate, e.Threshold)
}

// Runner advances jobs through the pipeline. One Runner serves all jobs;
// each RunJob call is the single writer for its job.
type Runner struct {
	store     store.Store
	fetcher   Fetcher
	annotator Annotator
	generator TextGenerator
	ledger    credits.Ledger
	cfg       config.PipelineConfig
	synCfg    config.SynthesisConfig
}

// NewRunner creates a Runner with all dependencies.
func NewRunner(
	st store.Store,
	fetcher Fetcher,
	annotator Annotator,
	generator TextGenerator,
	ledger credits.Ledger,
	cfg *config.Config,
) *Runner {
	return &Runner{
		store:     st,
		fetcher:   fetcher,
		annotator: annotator,
		generator: generator,
		ledger:    ledger,
		cfg:       cfg.Pipeline,
		synCfg:    cfg.Synthesis,
	}
}

// CreateJob checks admission for the job's full price, charges the
// selection batch, and creates the job record in the initial stage. When the
// owner cannot afford the job, no job is created and no credits move.
func (r *Runner) CreateJob(ctx context.Context, ownerID string, items []model.CandidateItem, summary model.RankedSummary) (*model.Job, error) {
	if len(items) == 0 {
		return nil, eris.New("pipeline: no items selected")
	}

	total := cost.JobPrice(len(items))
	balance, err := r.ledger.Balance(ctx, ownerID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: check balance")
	}
	if balance < total {
		return nil, &credits.InsufficientCreditsError{OwnerID: ownerID, Required: total, Available: balance}
	}

	if _, err := r.ledger.Consume(ctx, ownerID, cost.SelectionPrice, "selection_batch"); err != nil {
		return nil, eris.Wrap(err, "pipeline: charge selection batch")
	}

	job, err := r.store.CreateJob(ctx, ownerID, items, summary)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create job")
	}

	zap.L().Info("job created",
		zap.String("job_id", job.ID),
		zap.String("owner_id", ownerID),
		zap.Int("selected_items", len(items)),
		zap.Int("price_credits", total),
	)
	return job, nil
}

// RunJob executes the item loop and synthesis for a queued job. Items are
// processed strictly in selection order; a single item failure is tolerated
// and counted, and the job aborts only when the failure rate crosses the
// configured threshold.
func (r *Runner) RunJob(ctx context.Context, jobID string) error {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Stage.Terminal() {
		return model.ErrJobTerminated
	}
	if job.Stage != model.StageQueued {
		return eris.Errorf("pipeline: job %s is %s, expected %s", jobID, job.Stage, model.StageQueued)
	}

	log := zap.L().With(zap.String("job_id", jobID), zap.String("owner_id", job.OwnerID))
	start := time.Now()

	// The annotation batch is the second billable stage.
	annotationPrice := cost.AnnotationPrice(len(job.SelectedItemIDs))
	if _, err := r.ledger.Consume(ctx, job.OwnerID, annotationPrice, "annotation_batch"); err != nil {
		r.failJob(ctx, jobID, fmt.Sprintf("annotation batch not charged: %v", err))
		return eris.Wrap(err, "pipeline: charge annotation batch")
	}

	if err := r.store.UpdateJobStage(ctx, jobID, model.StageDownloading); err != nil {
		return err
	}
	log.Info("job started",
		zap.Int("selected_items", len(job.SelectedItemIDs)),
		zap.Int("annotation_price_credits", annotationPrice),
	)

	if err := r.runItemLoop(ctx, job, log); err != nil {
		return err
	}

	if err := r.store.UpdateJobStage(ctx, jobID, model.StageGeneratingInsights); err != nil {
		return err
	}
	if err := r.store.UpdateJobProgress(ctx, jobID, itemPhaseSpan); err != nil {
		return err
	}

	ins, err := r.generateInsights(ctx, jobID, SynthesisOptions{
		Focus:       model.Focus(r.synCfg.Focus),
		Temperature: r.synCfg.Temperature,
		IdeaCount:   r.synCfg.IdeaCount,
	})
	if err != nil {
		r.failJob(ctx, jobID, fmt.Sprintf("synthesis failed: %v", err))
		return eris.Wrap(err, "pipeline: synthesis")
	}
	if err := r.store.SetPrimaryInsights(ctx, jobID, ins); err != nil {
		return err
	}
	if err := r.store.UpdateJobProgress(ctx, jobID, 100); err != nil {
		return err
	}
	if err := r.store.UpdateJobStage(ctx, jobID, model.StageCompleted); err != nil {
		return err
	}

	log.Info("job completed",
		zap.Duration("duration", time.Since(start)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return nil
}

// itemPhaseSpan is the progress share of the item loop; synthesis owns the
// rest up to 100.
const itemPhaseSpan = 70

// runItemLoop fetches and annotates every selected item in order, recording
// each outcome before moving on.
func (r *Runner) runItemLoop(ctx context.Context, job *model.Job, log *zap.Logger) error {
	jobID := job.ID
	total := len(job.SelectedItemIDs)
	failures := 0
	analyzing := false

	// markAnalyzing advances the stage once, before the first annotation is
	// recorded.
	markAnalyzing := func() error {
		if analyzing {
			return nil
		}
		analyzing = true
		return r.store.UpdateJobStage(ctx, jobID, model.StageAnalyzingItems)
	}

	for i, itemID := range job.SelectedItemIDs {
		item, ok := job.ItemByID(itemID)
		if !ok {
			return eris.Errorf("pipeline: job %s references unknown item %s", jobID, itemID)
		}

		processed, err := r.processItem(ctx, job, item, markAnalyzing, log)
		if err != nil {
			return err
		}
		if !processed {
			failures++
			count, err := r.store.IncrementFailureCount(ctx, jobID)
			if err != nil {
				return err
			}

			rate := float64(count) / float64(total)
			if rate > r.cfg.FailureRateThreshold {
				thresholdErr := &ThresholdExceededError{JobID: jobID, FailureRate: rate, Threshold: r.cfg.FailureRateThreshold}
				r.failJob(ctx, jobID, thresholdErr.Error())
				log.Warn("job aborted",
					zap.Float64("failure_rate", rate),
					zap.Float64("threshold", r.cfg.FailureRateThreshold),
				)
				return thresholdErr
			}
		}

		progress := itemPhaseSpan * (i + 1) / total
		if err := r.store.UpdateJobProgress(ctx, jobID, progress); err != nil {
			return err
		}
	}
	return nil
}

// processItem handles one item end to end. It returns false when the item
// failed (fetch or annotate) and should be counted, reserving error returns
// for store failures that invalidate the whole run.
func (r *Runner) processItem(ctx context.Context, job *model.Job, item model.CandidateItem, markAnalyzing func() error, log *zap.Logger) (bool, error) {
	now := time.Now().UTC()

	// Cache hit: skip fetch and annotate entirely.
	entry, found, err := r.store.GetAnnotation(ctx, item.ID)
	if err != nil {
		return false, err
	}
	if found {
		if err := r.store.TouchAnnotation(ctx, item.ID, now); err != nil {
			return false, err
		}
		if err := markAnalyzing(); err != nil {
			return false, err
		}
		if err := r.store.AppendAnnotationResult(ctx, job.ID, entry.ToAnnotation(now)); err != nil {
			return false, err
		}
		log.Debug("annotation cache hit", zap.String("item_id", item.ID))
		return true, nil
	}

	artifact, err := r.fetchItem(ctx, item)
	if err != nil {
		log.Warn("item fetch failed", zap.String("item_id", item.ID), zap.Error(err))
		return false, nil
	}
	if err := r.store.AppendDownloadedItem(ctx, job.ID, artifact); err != nil {
		return false, err
	}

	if err := markAnalyzing(); err != nil {
		return false, err
	}

	result, err := r.annotateItem(ctx, item, artifact)
	if err != nil {
		log.Warn("item annotation failed", zap.String("item_id", item.ID), zap.Error(err))
		return false, nil
	}

	annotatedAt := time.Now().UTC()
	if err := r.store.PutAnnotation(ctx, model.AnnotationCacheEntry{
		ItemID:          item.ID,
		Labels:          result.Labels,
		Transcript:      result.Transcript,
		ShotChangeCount: result.ShotChangeCount,
		Metrics:         model.SnapshotOf(item),
		CreatedAt:       annotatedAt,
		LastUsedAt:      annotatedAt,
	}); err != nil {
		return false, err
	}

	if err := r.store.AppendAnnotationResult(ctx, job.ID, model.ItemAnnotation{
		ItemID:          item.ID,
		Labels:          result.Labels,
		Transcript:      result.Transcript,
		ShotChangeCount: result.ShotChangeCount,
		Metrics:         model.SnapshotOf(item),
		AnnotatedAt:     annotatedAt,
	}); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Runner) fetchItem(ctx context.Context, item model.CandidateItem) (model.DownloadedItem, error) {
	ctx, cancel := context.WithTimeout(ctx, secs(r.cfg.FetchTimeoutSecs, 120))
	defer cancel()
	return r.fetcher.Fetch(ctx, item)
}

func (r *Runner) annotateItem(ctx context.Context, item model.CandidateItem, artifact model.DownloadedItem) (model.AnnotationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, secs(r.cfg.AnnotateTimeoutSecs, 180))
	defer cancel()
	return r.annotator.Annotate(ctx, item, artifact)
}

// failJob transitions to failed, logging rather than propagating a store
// error so the original failure stays the caller-visible one.
func (r *Runner) failJob(ctx context.Context, jobID, message string) {
	if err := r.store.FailJob(ctx, jobID, message); err != nil {
		zap.L().Error("failed to mark job failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func secs(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}
