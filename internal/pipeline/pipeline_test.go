package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipsight/clipsight/internal/config"
	"github.com/clipsight/clipsight/internal/cost"
	"github.com/clipsight/clipsight/internal/credits"
	"github.com/clipsight/clipsight/internal/model"
	"github.com/clipsight/clipsight/internal/store"
)

// --- test doubles ---

type fakeFetcher struct {
	failFor map[string]bool
	calls   []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, item model.CandidateItem) (model.DownloadedItem, error) {
	f.calls = append(f.calls, item.ID)
	if f.failFor[item.ID] {
		return model.DownloadedItem{}, errors.New("download refused")
	}
	return model.DownloadedItem{ItemID: item.ID, ArtifactRef: "/tmp/" + item.ID + ".mp4"}, nil
}

type fakeAnnotator struct {
	failFor map[string]bool
	calls   []string
}

func (a *fakeAnnotator) Annotate(ctx context.Context, item model.CandidateItem, artifact model.DownloadedItem) (model.AnnotationResult, error) {
	a.calls = append(a.calls, item.ID)
	if a.failFor[item.ID] {
		return model.AnnotationResult{}, errors.New("annotation backend error")
	}
	return model.AnnotationResult{
		Labels:          []string{"label-" + item.ID},
		Transcript:      "transcript for " + item.ID,
		ShotChangeCount: 7,
	}, nil
}

type fakeGenerator struct {
	text    string
	err     error
	calls   int
	lastReq GenerateRequest
}

func (g *fakeGenerator) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	g.calls++
	g.lastReq = req
	if g.err != nil {
		return GenerateResult{}, g.err
	}
	return GenerateResult{
		Text:  g.text,
		Usage: model.TokenUsage{InputTokens: 900, OutputTokens: 300, Cost: 0.01},
	}, nil
}

const validInsightsJSON = `{
	"summary": "short punchy videos win",
	"content_pillars": ["cooking", "humor"],
	"hooks": ["question openers"],
	"video_ideas": [{"title": "Idea 1", "concept": "c", "hook": "h"}],
	"recommendations": ["post at 9am"]
}`

type harness struct {
	runner    *Runner
	store     store.Store
	ledger    credits.Ledger
	fetcher   *fakeFetcher
	annotator *fakeAnnotator
	generator *fakeGenerator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	cfg := &config.Config{
		Pipeline: config.PipelineConfig{
			FailureRateThreshold: 0.5,
			FetchTimeoutSecs:     5,
			AnnotateTimeoutSecs:  5,
			GenerateTimeoutSecs:  5,
		},
		Synthesis: config.SynthesisConfig{
			Focus:              "analytical",
			Temperature:        0.7,
			IdeaCount:          3,
			TranscriptMaxChars: 1500,
		},
	}

	h := &harness{
		store:     s,
		ledger:    credits.NewStoreLedger(s),
		fetcher:   &fakeFetcher{failFor: map[string]bool{}},
		annotator: &fakeAnnotator{failFor: map[string]bool{}},
		generator: &fakeGenerator{text: validInsightsJSON},
	}
	h.runner = NewRunner(s, h.fetcher, h.annotator, h.generator, h.ledger, cfg)
	return h
}

func (h *harness) grant(t *testing.T, owner string, amount int) {
	t.Helper()
	require.NoError(t, h.ledger.Grant(context.Background(), owner, amount))
}

func nItems(n int) []model.CandidateItem {
	items := make([]model.CandidateItem, n)
	for i := range items {
		items[i] = model.CandidateItem{
			ID:            fmt.Sprintf("vid-%02d", i+1),
			SourceProfile: "creator1",
			MediaURL:      fmt.Sprintf("https://cdn.example.com/vid-%02d.mp4", i+1),
			PlayCount:     1000,
			DiggCount:     100,
		}
	}
	return items
}

// --- CreateJob ---

func TestCreateJob_ChargesSelectionBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.grant(t, "owner-1", 100)

	job, err := h.runner.CreateJob(ctx, "owner-1", nItems(5), model.RankedSummary{SelectedItems: 5})
	require.NoError(t, err)
	assert.Equal(t, model.StageQueued, job.Stage)

	balance, err := h.ledger.Balance(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 100-cost.SelectionPrice, balance)
}

func TestCreateJob_InsufficientCredits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.grant(t, "owner-1", 3) // below even the selection price

	_, err := h.runner.CreateJob(ctx, "owner-1", nItems(5), model.RankedSummary{})
	require.Error(t, err)

	var insufficient *credits.InsufficientCreditsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, cost.JobPrice(5), insufficient.Required)
	assert.Equal(t, 3, insufficient.Available)

	// No job created, no credits moved.
	jobs, err := h.store.ListJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
	balance, _ := h.ledger.Balance(ctx, "owner-1")
	assert.Equal(t, 3, balance)
}

// --- RunJob ---

func TestRunJob_HappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.grant(t, "owner-1", 100)

	job, err := h.runner.CreateJob(ctx, "owner-1", nItems(4), model.RankedSummary{SelectedItems: 4})
	require.NoError(t, err)
	require.NoError(t, h.runner.RunJob(ctx, job.ID))

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageCompleted, got.Stage)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 0, got.FailureCount)

	// Results in selection order, none from cache.
	require.Len(t, got.AnnotationResults, 4)
	for i, ann := range got.AnnotationResults {
		assert.Equal(t, got.SelectedItemIDs[i], ann.ItemID)
		assert.False(t, ann.FromCache)
	}

	require.NotNil(t, got.PrimaryInsights)
	require.NotNil(t, got.PrimaryInsights.Parsed)
	assert.Equal(t, "short punchy videos win", got.PrimaryInsights.Parsed.Summary)
	assert.Equal(t, model.FocusAnalytical, got.PrimaryInsights.Focus)

	// Both billable stages charged.
	balance, _ := h.ledger.Balance(ctx, "owner-1")
	assert.Equal(t, 100-cost.SelectionPrice-cost.AnnotationPrice(4), balance)
}

func TestRunJob_FailureRateAbort(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.grant(t, "owner-1", 100)

	items := nItems(10)
	// Items 1-6 fail at fetch: the sixth failure pushes the rate to 0.6.
	for i := 1; i <= 6; i++ {
		h.fetcher.failFor[fmt.Sprintf("vid-%02d", i)] = true
	}

	job, err := h.runner.CreateJob(ctx, "owner-1", items, model.RankedSummary{})
	require.NoError(t, err)

	err = h.runner.RunJob(ctx, job.ID)
	require.Error(t, err)

	var threshold *ThresholdExceededError
	require.True(t, errors.As(err, &threshold))
	assert.InDelta(t, 0.6, threshold.FailureRate, 0.001)

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageFailed, got.Stage)
	assert.Contains(t, got.ErrorMessage, "exceeded threshold")
	assert.Equal(t, 6, got.FailureCount)

	// Processing stopped at the aborting item: 7-10 never attempted.
	assert.Len(t, h.fetcher.calls, 6)
	assert.Equal(t, 0, h.generator.calls)
}

func TestRunJob_ToleratesFailuresBelowThreshold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.grant(t, "owner-1", 100)

	// 4 of 10 fail (2 at fetch, 2 at annotate): rate 0.4 never crosses 0.5.
	h.fetcher.failFor["vid-02"] = true
	h.fetcher.failFor["vid-05"] = true
	h.annotator.failFor["vid-07"] = true
	h.annotator.failFor["vid-09"] = true

	job, err := h.runner.CreateJob(ctx, "owner-1", nItems(10), model.RankedSummary{})
	require.NoError(t, err)
	require.NoError(t, h.runner.RunJob(ctx, job.ID))

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageCompleted, got.Stage)
	assert.Equal(t, 4, got.FailureCount)
	assert.Len(t, got.AnnotationResults, 6)
	// Accounting invariant holds at completion.
	assert.Equal(t, len(got.SelectedItemIDs), len(got.AnnotationResults)+got.FailureCount)
	require.NotNil(t, got.PrimaryInsights)
}

func TestRunJob_CacheHitSkipsProviders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.grant(t, "owner-1", 100)

	items := nItems(3)

	first, err := h.runner.CreateJob(ctx, "owner-1", items, model.RankedSummary{})
	require.NoError(t, err)
	require.NoError(t, h.runner.RunJob(ctx, first.ID))
	assert.Len(t, h.annotator.calls, 3)

	// Second job over the same items: everything comes from the cache.
	second, err := h.runner.CreateJob(ctx, "owner-1", items, model.RankedSummary{})
	require.NoError(t, err)
	require.NoError(t, h.runner.RunJob(ctx, second.ID))

	assert.Len(t, h.annotator.calls, 3, "annotator must not run again")
	assert.Len(t, h.fetcher.calls, 3, "fetcher must not run again")

	got, err := h.store.GetJob(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageCompleted, got.Stage)
	require.Len(t, got.AnnotationResults, 3)
	for i, ann := range got.AnnotationResults {
		assert.True(t, ann.FromCache)
		assert.Equal(t, got.SelectedItemIDs[i], ann.ItemID)
		assert.Equal(t, []string{"label-" + ann.ItemID}, ann.Labels)
	}
}

func TestRunJob_MalformedSynthesisStillCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.grant(t, "owner-1", 100)
	h.generator.text = "Here are my thoughts, in plain prose, with no JSON at all."

	job, err := h.runner.CreateJob(ctx, "owner-1", nItems(2), model.RankedSummary{})
	require.NoError(t, err)
	require.NoError(t, h.runner.RunJob(ctx, job.ID))

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageCompleted, got.Stage)
	require.NotNil(t, got.PrimaryInsights)
	assert.Nil(t, got.PrimaryInsights.Parsed)
	assert.Equal(t, h.generator.text, got.PrimaryInsights.RawResponse)
}

func TestRunJob_SynthesisErrorFailsJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.grant(t, "owner-1", 100)
	h.generator.err = errors.New("provider unavailable")

	job, err := h.runner.CreateJob(ctx, "owner-1", nItems(2), model.RankedSummary{})
	require.NoError(t, err)

	err = h.runner.RunJob(ctx, job.ID)
	require.Error(t, err)

	got, _ := h.store.GetJob(ctx, job.ID)
	assert.Equal(t, model.StageFailed, got.Stage)
	assert.Contains(t, got.ErrorMessage, "synthesis failed")
}

func TestRunJob_RejectsNonQueuedJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.grant(t, "owner-1", 100)

	job, err := h.runner.CreateJob(ctx, "owner-1", nItems(2), model.RankedSummary{})
	require.NoError(t, err)
	require.NoError(t, h.runner.RunJob(ctx, job.ID))

	err = h.runner.RunJob(ctx, job.ID)
	assert.ErrorIs(t, err, model.ErrJobTerminated)
}

func TestRunJob_AnnotationChargeFailureFailsJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	// Enough for creation (selection + annotation for 2 items = 5+10=15),
	// then drain the account so the annotation charge at run time bounces.
	h.grant(t, "owner-1", cost.JobPrice(2))

	job, err := h.runner.CreateJob(ctx, "owner-1", nItems(2), model.RankedSummary{})
	require.NoError(t, err)

	_, err = h.ledger.Consume(ctx, "owner-1", cost.AnnotationPrice(2), "drain")
	require.NoError(t, err)

	err = h.runner.RunJob(ctx, job.ID)
	require.Error(t, err)

	got, _ := h.store.GetJob(ctx, job.ID)
	assert.Equal(t, model.StageFailed, got.Stage)
	assert.Contains(t, got.ErrorMessage, "annotation batch not charged")
}

// --- Synthesize (regeneration) ---

func completedJob(t *testing.T, h *harness) *model.Job {
	t.Helper()
	ctx := context.Background()
	h.grant(t, "owner-1", 100)
	job, err := h.runner.CreateJob(ctx, "owner-1", nItems(2), model.RankedSummary{})
	require.NoError(t, err)
	require.NoError(t, h.runner.RunJob(ctx, job.ID))
	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	return got
}

func TestSynthesize_VariantsPreservePrimary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := completedJob(t, h)
	originalPrimary := job.PrimaryInsights.RawResponse

	h.generator.text = `{"summary": "viral take", "content_pillars": ["trends"]}`
	_, err := h.runner.Synthesize(ctx, job.ID, SynthesisOptions{Focus: model.FocusViral, Temperature: 0.9, Variant: true})
	require.NoError(t, err)

	h.generator.text = `{"summary": "creative take", "content_pillars": ["formats"]}`
	_, err = h.runner.Synthesize(ctx, job.ID, SynthesisOptions{Focus: model.FocusCreative, Temperature: 1.0, Variant: true})
	require.NoError(t, err)

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, originalPrimary, got.PrimaryInsights.RawResponse)
	require.Len(t, got.InsightVariants, 2)
	assert.Equal(t, model.FocusViral, got.InsightVariants[0].Focus)
	assert.Equal(t, model.FocusCreative, got.InsightVariants[1].Focus)
}

func TestSynthesize_OverwriteReplacesPrimary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := completedJob(t, h)

	h.generator.text = `{"summary": "regenerated", "content_pillars": ["new"]}`
	_, err := h.runner.Synthesize(ctx, job.ID, SynthesisOptions{Focus: model.FocusEducational})
	require.NoError(t, err)

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PrimaryInsights.Parsed)
	assert.Equal(t, "regenerated", got.PrimaryInsights.Parsed.Summary)
	assert.Equal(t, model.FocusEducational, got.PrimaryInsights.Focus)
	assert.Empty(t, got.InsightVariants)
}

func TestSynthesize_RejectsUnfinishedJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.grant(t, "owner-1", 100)

	job, err := h.runner.CreateJob(ctx, "owner-1", nItems(2), model.RankedSummary{})
	require.NoError(t, err)

	_, err = h.runner.Synthesize(ctx, job.ID, SynthesisOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has not reached synthesis")
}

func TestSynthesize_RejectsFailedJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.grant(t, "owner-1", 100)

	job, err := h.runner.CreateJob(ctx, "owner-1", nItems(2), model.RankedSummary{})
	require.NoError(t, err)
	require.NoError(t, h.store.FailJob(ctx, job.ID, "boom"))

	_, err = h.runner.Synthesize(ctx, job.ID, SynthesisOptions{})
	assert.ErrorIs(t, err, model.ErrJobTerminated)
}

func TestSynthesize_RejectsUnknownFocus(t *testing.T) {
	h := newHarness(t)
	job := completedJob(t, h)

	_, err := h.runner.Synthesize(context.Background(), job.ID, SynthesisOptions{Focus: "whimsical"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown focus")
}

func TestSynthesize_PassesFocusInstructionAndPrompt(t *testing.T) {
	h := newHarness(t)
	job := completedJob(t, h)

	_, err := h.runner.Synthesize(context.Background(), job.ID, SynthesisOptions{Focus: model.FocusViral, IdeaCount: 7})
	require.NoError(t, err)

	assert.Contains(t, h.generator.lastReq.SystemInstruction, "shareability")
	assert.Contains(t, h.generator.lastReq.SystemInstruction, "exactly 7 video_ideas")
	assert.Contains(t, h.generator.lastReq.Prompt, "Per-video analysis")
	assert.Contains(t, h.generator.lastReq.Prompt, "transcript for vid-01")
}
