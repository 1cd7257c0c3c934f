package model

import "time"

// AnnotationResult is the fixed response contract of the remote annotation
// provider for one media artifact.
type AnnotationResult struct {
	Labels          []string `json:"labels"`
	Transcript      string   `json:"transcript"`
	ShotChangeCount int      `json:"shot_change_count"`
}

// AnnotationCacheEntry stores a previously computed annotation keyed by item
// id, shared across all jobs and owners. Entries live indefinitely; the
// provider call dominates storage cost so there is no eviction.
type AnnotationCacheEntry struct {
	ItemID          string          `json:"item_id"`
	Labels          []string        `json:"labels"`
	Transcript      string          `json:"transcript"`
	ShotChangeCount int             `json:"shot_change_count"`
	Metrics         MetricsSnapshot `json:"metrics"`
	CreatedAt       time.Time       `json:"created_at"`
	LastUsedAt      time.Time       `json:"last_used_at"`
}

// ToAnnotation normalizes a cache entry into the same shape as a fresh
// provider result so downstream code is cache-agnostic.
func (e AnnotationCacheEntry) ToAnnotation(usedAt time.Time) ItemAnnotation {
	return ItemAnnotation{
		ItemID:          e.ItemID,
		FromCache:       true,
		Labels:          e.Labels,
		Transcript:      e.Transcript,
		ShotChangeCount: e.ShotChangeCount,
		Metrics:         e.Metrics,
		AnnotatedAt:     usedAt,
	}
}
