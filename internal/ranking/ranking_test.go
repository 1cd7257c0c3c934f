package ranking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipsight/clipsight/internal/model"
)

func item(id string, diggs, comments, shares, plays int64) model.CandidateItem {
	return model.CandidateItem{
		ID:           id,
		DiggCount:    diggs,
		CommentCount: comments,
		ShareCount:   shares,
		PlayCount:    plays,
	}
}

func TestTopInteractive_TwoStageSelection(t *testing.T) {
	// 12 items: v12..v1 by likes. The top 10 by likes are v12..v3; within
	// that pool interactions (comments+shares) decide the final five.
	var items []model.CandidateItem
	for i := 1; i <= 12; i++ {
		items = append(items, item(
			// likes grow with i, interactions grow against likes so the
			// re-rank visibly reorders the pool
			idOf(i), int64(i*100), int64((13-i)*10), int64(13-i), 1000,
		))
	}

	got := TopInteractive(items)
	require.Len(t, got, 5)

	// Every pick must come from the top-10-by-likes pool (v3..v12).
	likesPool := map[string]bool{}
	for i := 3; i <= 12; i++ {
		likesPool[idOf(i)] = true
	}
	for _, g := range got {
		assert.True(t, likesPool[g.ID], "pick %s outside the likes pool", g.ID)
	}

	// Within the pool lower i means more interactions, so v3..v7 win.
	assert.Equal(t, []string{idOf(3), idOf(4), idOf(5), idOf(6), idOf(7)}, idsOf(got))

	// Ordered by interactions descending.
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Interactions(), got[i].Interactions())
	}
}

func TestTopInteractive_SkipsZeroLikes(t *testing.T) {
	items := []model.CandidateItem{
		item("a", 0, 500, 500, 1000),
		item("b", 10, 1, 1, 1000),
	}
	got := TopInteractive(items)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}

func TestTopInteractive_FewerThanFive(t *testing.T) {
	items := []model.CandidateItem{
		item("a", 5, 1, 0, 100),
		item("b", 3, 9, 0, 100),
	}
	got := TopInteractive(items)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"b", "a"}, idsOf(got))
}

func TestTopInteractive_StableOnTies(t *testing.T) {
	items := []model.CandidateItem{
		item("first", 10, 2, 0, 100),
		item("second", 10, 2, 0, 100),
		item("third", 10, 2, 0, 100),
	}
	got := TopInteractive(items)
	assert.Equal(t, []string{"first", "second", "third"}, idsOf(got))
}

func TestDistributeBySource(t *testing.T) {
	mk := func(id, source string, diggs int64) model.CandidateItem {
		it := item(id, diggs, 0, 0, 100)
		it.SourceProfile = source
		return it
	}
	items := []model.CandidateItem{
		mk("a1", "alpha", 10),
		mk("b1", "beta", 50),
		mk("a2", "alpha", 90),
		mk("b2", "beta", 20),
		mk("a3", "alpha", 40),
	}

	// total=4 over 2 sources: perSource = ceil(4/2) = 2.
	got := DistributeBySource(items, 4)
	require.Len(t, got, 4)

	// Sources in first-seen order (alpha then beta), each ranked by
	// engagement rate within the source.
	assert.Equal(t, []string{"a2", "a3", "b1", "b2"}, idsOf(got))
}

func TestDistributeBySource_Truncates(t *testing.T) {
	mk := func(id, source string) model.CandidateItem {
		it := item(id, 10, 0, 0, 100)
		it.SourceProfile = source
		return it
	}
	items := []model.CandidateItem{
		mk("a1", "alpha"), mk("a2", "alpha"),
		mk("b1", "beta"), mk("b2", "beta"),
		mk("c1", "gamma"), mk("c2", "gamma"),
	}

	// total=4 over 3 sources: perSource = ceil(4/3) = 2, concat = 6, cut to 4.
	got := DistributeBySource(items, 4)
	assert.Len(t, got, 4)
}

func TestDistributeBySource_Empty(t *testing.T) {
	assert.Nil(t, DistributeBySource(nil, 5))
	assert.Nil(t, DistributeBySource([]model.CandidateItem{item("a", 1, 0, 0, 1)}, 0))
}

func TestDedupeByID(t *testing.T) {
	items := []model.CandidateItem{
		item("a", 1, 0, 0, 1),
		item("b", 2, 0, 0, 1),
		item("a", 99, 0, 0, 1),
		item("c", 3, 0, 0, 1),
		item("b", 98, 0, 0, 1),
	}
	got := DedupeByID(items)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "b", "c"}, idsOf(got))
	// First occurrence wins.
	assert.Equal(t, int64(1), got[0].DiggCount)
}

func TestSummarize(t *testing.T) {
	raw := make([]model.CandidateItem, 20)
	selected := []model.CandidateItem{
		{ID: "a", SourceProfile: "alpha", PlayCount: 1000, DiggCount: 100, CommentCount: 10, ShareCount: 5, DurationSeconds: 30},
		{ID: "b", SourceProfile: "beta", PlayCount: 2000, DiggCount: 300, CommentCount: 20, ShareCount: 15, DurationSeconds: 60},
	}

	s := Summarize(raw, selected)
	assert.Equal(t, 20, s.TotalItems)
	assert.Equal(t, 2, s.SelectedItems)
	assert.Equal(t, []string{"alpha", "beta"}, s.Sources)
	assert.Equal(t, int64(3000), s.TotalPlays)
	assert.Equal(t, int64(400), s.TotalDiggs)
	assert.Equal(t, int64(30), s.TotalComments)
	assert.Equal(t, int64(20), s.TotalShares)
	assert.InDelta(t, 45.0, s.AvgDurationSeconds, 0.001)
	assert.InDelta(t, (0.115+0.1675)/2, s.AvgEngagementRate, 0.0001)
}

func idOf(i int) string {
	return "v" + string(rune('0'+i/10)) + string(rune('0'+i%10))
}

func idsOf(items []model.CandidateItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
