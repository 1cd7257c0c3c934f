// Package ranking turns a raw scraped item set into a bounded, high-value
// working set using engagement-based selection.
package ranking

import (
	"math"
	"sort"

	"github.com/clipsight/clipsight/internal/model"
)

const (
	// Primary selection keeps the top likesPoolSize items by like count,
	// then re-ranks that pool by interactions and keeps finalPickSize.
	likesPoolSize = 10
	finalPickSize = 5
)

// TopInteractive performs the two-stage primary selection: rank items with
// likes > 0 by like count, keep the top 10, then re-rank that subset by
// comments+shares and keep the top 5. The result favors items that are both
// popular and provoke responses, not merely viewed. All sorts are stable so
// ties preserve original list order.
func TopInteractive(items []model.CandidateItem) []model.CandidateItem {
	liked := make([]model.CandidateItem, 0, len(items))
	for _, it := range items {
		if it.DiggCount > 0 {
			liked = append(liked, it)
		}
	}

	sort.SliceStable(liked, func(i, j int) bool {
		return liked[i].DiggCount > liked[j].DiggCount
	})
	if len(liked) > likesPoolSize {
		liked = liked[:likesPoolSize]
	}

	sort.SliceStable(liked, func(i, j int) bool {
		return liked[i].Interactions() > liked[j].Interactions()
	})
	if len(liked) > finalPickSize {
		liked = liked[:finalPickSize]
	}
	return liked
}

// DistributeBySource selects up to total items spread across source profiles.
// Each source contributes at most ceil(total/sources) items, ranked within
// the source by engagement rate. Sources appear in first-seen order and the
// concatenated result is truncated to total.
func DistributeBySource(items []model.CandidateItem, total int) []model.CandidateItem {
	if total <= 0 || len(items) == 0 {
		return nil
	}

	var order []string
	groups := make(map[string][]model.CandidateItem)
	for _, it := range items {
		if _, seen := groups[it.SourceProfile]; !seen {
			order = append(order, it.SourceProfile)
		}
		groups[it.SourceProfile] = append(groups[it.SourceProfile], it)
	}

	perSource := int(math.Ceil(float64(total) / float64(len(order))))

	var out []model.CandidateItem
	for _, source := range order {
		group := groups[source]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].EngagementRate() > group[j].EngagementRate()
		})
		if len(group) > perSource {
			group = group[:perSource]
		}
		out = append(out, group...)
	}

	if len(out) > total {
		out = out[:total]
	}
	return out
}

// DedupeByID drops items whose id has already been seen, keeping the first
// occurrence. Used for category/hashtag scrapes where the same item can
// appear under several tags.
func DedupeByID(items []model.CandidateItem) []model.CandidateItem {
	seen := make(map[string]struct{}, len(items))
	out := make([]model.CandidateItem, 0, len(items))
	for _, it := range items {
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		out = append(out, it)
	}
	return out
}

// Summarize aggregates engagement statistics over the raw dataset and the
// selected working set. The summary is snapshotted onto the job and later
// embedded into the synthesis prompt.
func Summarize(raw, selected []model.CandidateItem) model.RankedSummary {
	s := model.RankedSummary{
		TotalItems:    len(raw),
		SelectedItems: len(selected),
	}

	seen := make(map[string]struct{})
	for _, it := range selected {
		if _, ok := seen[it.SourceProfile]; !ok && it.SourceProfile != "" {
			seen[it.SourceProfile] = struct{}{}
			s.Sources = append(s.Sources, it.SourceProfile)
		}
		s.TotalPlays += it.PlayCount
		s.TotalDiggs += it.DiggCount
		s.TotalComments += it.CommentCount
		s.TotalShares += it.ShareCount
	}

	if len(selected) > 0 {
		var rateSum, durationSum float64
		for _, it := range selected {
			rateSum += it.EngagementRate()
			durationSum += float64(it.DurationSeconds)
		}
		s.AvgEngagementRate = rateSum / float64(len(selected))
		s.AvgDurationSeconds = durationSum / float64(len(selected))
	}
	return s
}
