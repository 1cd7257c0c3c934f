package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/clipsight/clipsight/internal/model"
)

// ErrInsufficientBalance is returned by DeductCredits when the owner's
// balance cannot cover the amount. The credits package converts it into a
// caller-facing error carrying required vs. available amounts.
var ErrInsufficientBalance = eris.New("store: insufficient balance")

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Stage   model.Stage `json:"stage,omitempty"`
	OwnerID string      `json:"owner_id,omitempty"`
	Limit   int         `json:"limit,omitempty"`
	Offset  int         `json:"offset,omitempty"`
}

// Store defines the persistence interface for the analysis pipeline.
//
// Job mutators reject jobs that have already reached a terminal stage with
// model.ErrJobTerminated. SetPrimaryInsights and AppendInsightVariant are the
// one exception: they remain legal on completed jobs so analysis can be
// regenerated without re-running the pipeline, but are rejected on failed
// jobs.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, ownerID string, items []model.CandidateItem, summary model.RankedSummary) (*model.Job, error)
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
	UpdateJobStage(ctx context.Context, jobID string, stage model.Stage) error
	UpdateJobProgress(ctx context.Context, jobID string, progress int) error
	AppendDownloadedItem(ctx context.Context, jobID string, item model.DownloadedItem) error
	AppendAnnotationResult(ctx context.Context, jobID string, ann model.ItemAnnotation) error
	IncrementFailureCount(ctx context.Context, jobID string) (int, error)
	SetPrimaryInsights(ctx context.Context, jobID string, ins model.Insights) error
	AppendInsightVariant(ctx context.Context, jobID string, ins model.Insights) error
	FailJob(ctx context.Context, jobID string, message string) error

	// Annotation cache (shared across jobs and owners, keyed by item id)
	GetAnnotation(ctx context.Context, itemID string) (*model.AnnotationCacheEntry, bool, error)
	PutAnnotation(ctx context.Context, entry model.AnnotationCacheEntry) error
	TouchAnnotation(ctx context.Context, itemID string, usedAt time.Time) error

	// Credit accounts
	GetBalance(ctx context.Context, ownerID string) (int, error)
	AddCredits(ctx context.Context, ownerID string, amount int) error
	DeductCredits(ctx context.Context, ownerID string, amount int, reason string) (string, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
