package model

import "time"

// CandidateItem is one unit of scraped short-form content eligible for
// ranking and analysis. Immutable once produced by selection.
type CandidateItem struct {
	ID              string    `json:"id"`
	SourceProfile   string    `json:"source_profile"`
	URL             string    `json:"url"`
	MediaURL        string    `json:"media_url,omitempty"`
	Description     string    `json:"description,omitempty"`
	DurationSeconds int       `json:"duration_seconds"`
	PublishedAt     time.Time `json:"published_at"`
	PlayCount       int64     `json:"play_count"`
	DiggCount       int64     `json:"digg_count"`
	CommentCount    int64     `json:"comment_count"`
	ShareCount      int64     `json:"share_count"`
	CollectCount    int64     `json:"collect_count"`
}

// EngagementRate returns (diggs+comments+shares)/plays, with the denominator
// floored at 1 so zero-view items don't divide by zero.
func (c CandidateItem) EngagementRate() float64 {
	plays := c.PlayCount
	if plays < 1 {
		plays = 1
	}
	return float64(c.DiggCount+c.CommentCount+c.ShareCount) / float64(plays)
}

// Interactions returns comments+shares, the secondary ranking key used to
// favor items that provoke responses rather than passive views.
func (c CandidateItem) Interactions() int64 {
	return c.CommentCount + c.ShareCount
}

// MetricsSnapshot captures an item's engagement counters at a point in time.
type MetricsSnapshot struct {
	PlayCount    int64 `json:"play_count"`
	DiggCount    int64 `json:"digg_count"`
	CommentCount int64 `json:"comment_count"`
	ShareCount   int64 `json:"share_count"`
	CollectCount int64 `json:"collect_count"`
}

// SnapshotOf copies an item's counters into a MetricsSnapshot.
func SnapshotOf(item CandidateItem) MetricsSnapshot {
	return MetricsSnapshot{
		PlayCount:    item.PlayCount,
		DiggCount:    item.DiggCount,
		CommentCount: item.CommentCount,
		ShareCount:   item.ShareCount,
		CollectCount: item.CollectCount,
	}
}

// RankedSummary aggregates metrics over the raw dataset and the selected
// working set. It is snapshotted onto the Job at creation and later embedded
// into the synthesis prompt.
type RankedSummary struct {
	TotalItems         int      `json:"total_items"`
	SelectedItems      int      `json:"selected_items"`
	Sources            []string `json:"sources,omitempty"`
	TotalPlays         int64    `json:"total_plays"`
	TotalDiggs         int64    `json:"total_diggs"`
	TotalComments      int64    `json:"total_comments"`
	TotalShares        int64    `json:"total_shares"`
	AvgEngagementRate  float64  `json:"avg_engagement_rate"`
	AvgDurationSeconds float64  `json:"avg_duration_seconds"`
}
