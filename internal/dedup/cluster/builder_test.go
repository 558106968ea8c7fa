package cluster

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/salesboard/dedup/internal/dedup"
)

// stubScorer returns canned scores for non-edge pairs; unknown pairs score 0.
type stubScorer struct {
	scores map[string]float64
}

func (s stubScorer) Compare(a, b string) dedup.SimilarityResult {
	if a > b {
		a, b = b, a
	}
	return dedup.SimilarityResult{NameA: a, NameB: b, Score: s.scores[dedup.PairKey(a, b)]}
}

func edge(a, b string, score float64) dedup.SimilarityResult {
	if a > b {
		a, b = b, a
	}
	return dedup.SimilarityResult{NameA: a, NameB: b, Score: score}
}

func newTestBuilder(t *testing.T, cfg dedup.Config) *Builder {
	t.Helper()
	return NewBuilder(cfg, zaptest.NewLogger(t))
}

func TestBuild_TransitiveClustering(t *testing.T) {
	// A~B and B~C clear the 0.65 threshold, A~C (0.55) does not; graph
	// connectivity through B must still produce ONE group of three.
	nameA := "Falcon Trading"
	nameB := "Falcon Trdg"
	nameC := "Falcon General Trading DXB"

	edges := []dedup.SimilarityResult{
		edge(nameA, nameB, 0.95),
		edge(nameB, nameC, 0.80),
	}
	scorer := stubScorer{scores: map[string]float64{
		dedup.PairKey(nameA, nameC): 0.55,
	}}

	b := newTestBuilder(t, dedup.DefaultConfig())
	groups, oversized, err := b.Build(context.Background(), edges, scorer)
	require.NoError(t, err)

	require.Len(t, groups, 1)
	assert.Empty(t, oversized)

	g := groups[0]
	assert.ElementsMatch(t, []string{nameA, nameB, nameC}, g.Members)
	assert.InDelta(t, (0.95+0.80+0.55)/3, g.Confidence, 1e-9)
	assert.Equal(t, "Falcon Trdg", g.SuggestedCanonicalName, "shortest member wins")
	assert.Len(t, g.PairwiseDetails, 3, "full pairwise details, not just edges")
}

func TestBuild_SeparateComponents(t *testing.T) {
	edges := []dedup.SimilarityResult{
		edge("Alpha Trading", "Alpha Trdg", 0.9),
		edge("Beta Foods", "Beta Foodstuff", 0.85),
	}

	b := newTestBuilder(t, dedup.DefaultConfig())
	groups, _, err := b.Build(context.Background(), edges, stubScorer{})
	require.NoError(t, err)

	require.Len(t, groups, 2)
	seen := make(map[string]int)
	for _, g := range groups {
		for _, m := range g.Members {
			seen[m]++
		}
	}
	for name, count := range seen {
		assert.Equal(t, 1, count, "member %q must appear in exactly one group", name)
	}
}

func TestBuild_FullPairwiseConfidence(t *testing.T) {
	// spanning edges alone would average 0.9; the weak non-edge pair drags
	// the full pairwise mean down
	edges := []dedup.SimilarityResult{
		edge("A Corp", "B Corp", 0.9),
		edge("B Corp", "C Corp", 0.9),
	}
	scorer := stubScorer{scores: map[string]float64{
		dedup.PairKey("A Corp", "C Corp"): 0.2,
	}}

	b := newTestBuilder(t, dedup.DefaultConfig())
	groups, _, err := b.Build(context.Background(), edges, scorer)
	require.NoError(t, err)

	require.Len(t, groups, 1)
	assert.InDelta(t, (0.9+0.9+0.2)/3, groups[0].Confidence, 1e-9)
}

func TestBuild_OversizedFlaggedNotTruncated(t *testing.T) {
	cfg := dedup.DefaultConfig()
	cfg.MaxGroupSize = 5

	// chain of 8 names, each linked to the next
	names := make([]string, 8)
	for i := range names {
		names[i] = fmt.Sprintf("Chained Customer %c", 'A'+i)
	}
	var edges []dedup.SimilarityResult
	for i := 0; i+1 < len(names); i++ {
		edges = append(edges, edge(names[i], names[i+1], 0.9))
	}

	b := newTestBuilder(t, cfg)
	groups, oversized, err := b.Build(context.Background(), edges, stubScorer{})
	require.NoError(t, err)

	assert.Empty(t, groups, "oversized component must not be auto-suggested")
	require.Len(t, oversized, 1)
	assert.Len(t, oversized[0].Members, 8, "flagged, never truncated")
	assert.False(t, oversized[0].HighConfidence)
}

func TestBuild_LargeComponentIterative(t *testing.T) {
	// thousands of interlinked names must not overflow the stack
	cfg := dedup.DefaultConfig()

	n := 3000
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("Customer %06d", i)
	}
	edges := make([]dedup.SimilarityResult, 0, n-1)
	for i := 0; i+1 < n; i++ {
		edges = append(edges, edge(names[i], names[i+1], 0.9))
	}

	b := newTestBuilder(t, cfg)
	groups, oversized, err := b.Build(context.Background(), edges, stubScorer{})
	require.NoError(t, err)

	assert.Empty(t, groups)
	require.Len(t, oversized, 1)
	assert.Len(t, oversized[0].Members, n)
	assert.InDelta(t, 0.9, oversized[0].Confidence, 1e-9)
}

func TestBuild_OrderIndependent(t *testing.T) {
	e1 := edge("Falcon Trading", "Falcon Trdg", 0.95)
	e2 := edge("Falcon Trdg", "Falcon General", 0.8)
	e3 := edge("Gulf Star", "Gulf Star FZE", 0.88)
	scorer := stubScorer{scores: map[string]float64{
		dedup.PairKey("Falcon Trading", "Falcon General"): 0.5,
	}}

	b := newTestBuilder(t, dedup.DefaultConfig())
	first, _, err := b.Build(context.Background(), []dedup.SimilarityResult{e1, e2, e3}, scorer)
	require.NoError(t, err)
	second, _, err := b.Build(context.Background(), []dedup.SimilarityResult{e3, e2, e1}, scorer)
	require.NoError(t, err)

	assert.Equal(t, first, second, "edge order must not change the result")
}

func TestBuild_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := newTestBuilder(t, dedup.DefaultConfig())
	groups, oversized, err := b.Build(ctx, []dedup.SimilarityResult{edge("A Co", "A Corp", 0.9)}, stubScorer{})

	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, groups)
	assert.Nil(t, oversized)
}

func TestBuild_HighConfidenceLabel(t *testing.T) {
	b := newTestBuilder(t, dedup.DefaultConfig())

	groups, _, err := b.Build(context.Background(), []dedup.SimilarityResult{edge("A Co", "A Corp", 0.97)}, stubScorer{})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.True(t, groups[0].HighConfidence)

	groups, _, err = b.Build(context.Background(), []dedup.SimilarityResult{edge("B Co", "B Corp", 0.7)}, stubScorer{})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.False(t, groups[0].HighConfidence)
}

func TestCanonicalName(t *testing.T) {
	tests := []struct {
		name     string
		members  []string
		expected string
	}{
		{
			name:     "shortest member",
			members:  []string{"Acme Trading LLC", "Acme LLC", "Acme General Trading"},
			expected: "Acme",
		},
		{
			name:     "alphabetical tie break",
			members:  []string{"Zeta Co", "Beta Co"},
			expected: "Beta",
		},
		{
			name:     "suffix stripped from winner only",
			members:  []string{"Falcon Trdg", "Falcon Trading LLC"},
			expected: "Falcon Trdg",
		},
		{
			name:     "empty",
			members:  nil,
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CanonicalName(tt.members))
		})
	}
}
