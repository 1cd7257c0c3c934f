package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Stage represents the current state of an analysis job. Stages only move
// forward through the fixed sequence; failed is reachable from any
// non-terminal stage.
type Stage string

const (
	StageQueued             Stage = "queued"
	StageDownloading        Stage = "downloading"
	StageAnalyzingItems     Stage = "analyzing_items"
	StageGeneratingInsights Stage = "generating_insights"
	StageCompleted          Stage = "completed"
	StageFailed             Stage = "failed"
)

// ErrJobTerminated is returned by any attempt to mutate a job that has
// already reached a terminal stage.
var ErrJobTerminated = eris.New("job is in a terminal stage")

// stageOrder indexes the forward sequence. failed sits outside it.
var stageOrder = map[Stage]int{
	StageQueued:             0,
	StageDownloading:        1,
	StageAnalyzingItems:     2,
	StageGeneratingInsights: 3,
	StageCompleted:          4,
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	if s == StageFailed {
		return true
	}
	_, ok := stageOrder[s]
	return ok
}

// Terminal reports whether the stage is final and immutable.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// CanTransitionTo reports whether moving from s to next is a legal forward
// transition. Terminal stages admit no transitions.
func (s Stage) CanTransitionTo(next Stage) bool {
	if s.Terminal() {
		return false
	}
	if next == StageFailed {
		return true
	}
	cur, ok := stageOrder[s]
	if !ok {
		return false
	}
	nxt, ok := stageOrder[next]
	if !ok {
		return false
	}
	return nxt > cur
}

// DownloadedItem records one fetched media artifact.
type DownloadedItem struct {
	ItemID       string    `json:"item_id"`
	ArtifactRef  string    `json:"artifact_ref"`
	SizeBytes    int64     `json:"size_bytes,omitempty"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// ItemAnnotation is one per-item analysis result in a job, normalized so
// downstream code cannot tell a cache hit from a fresh provider call.
type ItemAnnotation struct {
	ItemID          string          `json:"item_id"`
	FromCache       bool            `json:"from_cache"`
	Labels          []string        `json:"labels"`
	Transcript      string          `json:"transcript"`
	ShotChangeCount int             `json:"shot_change_count"`
	Metrics         MetricsSnapshot `json:"metrics"`
	AnnotatedAt     time.Time       `json:"annotated_at"`
}

// Job is one run of the analysis pipeline. SelectedItemIDs is fixed at
// creation; all other fields are mutated exclusively by the stage runner.
type Job struct {
	ID                string           `json:"id"`
	OwnerID           string           `json:"owner_id"`
	SelectedItemIDs   []string         `json:"selected_item_ids"`
	Items             []CandidateItem  `json:"items"`
	Summary           RankedSummary    `json:"summary"`
	Stage             Stage            `json:"stage"`
	Progress          int              `json:"progress"`
	DownloadedItems   []DownloadedItem `json:"downloaded_items,omitempty"`
	AnnotationResults []ItemAnnotation `json:"annotation_results,omitempty"`
	PrimaryInsights   *Insights        `json:"primary_insights,omitempty"`
	InsightVariants   []Insights       `json:"insight_variants,omitempty"`
	FailureCount      int              `json:"failure_count"`
	ErrorMessage      string           `json:"error_message,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// ItemByID returns the selected item with the given id.
func (j *Job) ItemByID(id string) (CandidateItem, bool) {
	for _, it := range j.Items {
		if it.ID == id {
			return it, true
		}
	}
	return CandidateItem{}, false
}

// FailureRate is the fraction of selected items that failed, computed over
// the full selection rather than the count attempted so far.
func (j *Job) FailureRate() float64 {
	if len(j.SelectedItemIDs) == 0 {
		return 0
	}
	return float64(j.FailureCount) / float64(len(j.SelectedItemIDs))
}
