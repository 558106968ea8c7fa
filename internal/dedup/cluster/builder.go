// Package cluster groups high-similarity name pairs into merge-group
// candidates by extracting connected components from the similarity graph.
// Connected components guarantee transitive closure and order-independence,
// where greedy absorb-and-mark clustering fractures transitively related
// names depending on scan order.
package cluster

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/salesboard/dedup/internal/dedup"
	"github.com/salesboard/dedup/internal/dedup/normalizer"
)

// PairScorer supplies the similarity result for an arbitrary pair. The
// builder uses it to fill in the non-edge pairs of a component so that
// group confidence is a mean over ALL member pairs, surfacing weak internal
// cohesion even when the component is graph-connected through intermediate
// members.
type PairScorer interface {
	Compare(a, b string) dedup.SimilarityResult
}

// Builder turns threshold-clearing similarity pairs into MergeGroup
// candidates.
type Builder struct {
	logger *zap.Logger
	cfg    dedup.Config
}

// NewBuilder builds a Builder. cfg must already have passed Validate.
func NewBuilder(cfg dedup.Config, logger *zap.Logger) *Builder {
	return &Builder{logger: logger, cfg: cfg}
}

// Build extracts connected components from the given edges. Components
// within MaxGroupSize become groups; larger ones are returned separately,
// fully formed and never truncated, because a component that big is more
// likely a shared generic brand word than genuine duplication. Output
// ordering is deterministic: descending confidence, then canonical name.
// Cancellation is checked between components.
func (b *Builder) Build(ctx context.Context, edges []dedup.SimilarityResult, scorer PairScorer) (groups, oversized []dedup.MergeGroup, err error) {
	adj := make(map[string][]string)
	pairResults := make(map[string]dedup.SimilarityResult, len(edges))
	for _, e := range edges {
		adj[e.NameA] = append(adj[e.NameA], e.NameB)
		adj[e.NameB] = append(adj[e.NameB], e.NameA)
		pairResults[dedup.PairKey(e.NameA, e.NameB)] = e
	}

	nodes := make([]string, 0, len(adj))
	for n := range adj {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	visited := make(map[string]struct{}, len(nodes))
	for _, start := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if _, ok := visited[start]; ok {
			continue
		}
		component := traverse(start, adj, visited)
		if len(component) < 2 {
			continue
		}
		if len(component) > b.cfg.MaxGroupSize {
			oversized = append(oversized, b.buildOversized(component, pairResults))
			continue
		}
		groups = append(groups, b.buildGroup(component, pairResults, scorer))
	}

	sortGroups(groups)
	sortGroups(oversized)

	b.logger.Debug("clusters built",
		zap.Int("edges", len(edges)),
		zap.Int("groups", len(groups)),
		zap.Int("oversized", len(oversized)))
	return groups, oversized, nil
}

// traverse collects the connected component containing start, breadth-first
// with an explicit queue. No recursion: a division with thousands of
// interlinked near-duplicate names must not overflow the stack.
func traverse(start string, adj map[string][]string, visited map[string]struct{}) []string {
	var component []string
	queue := []string{start}
	visited[start] = struct{}{}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		component = append(component, node)
		for _, next := range adj[node] {
			if _, ok := visited[next]; ok {
				continue
			}
			visited[next] = struct{}{}
			queue = append(queue, next)
		}
	}
	return component
}

func (b *Builder) buildGroup(component []string, pairResults map[string]dedup.SimilarityResult, scorer PairScorer) dedup.MergeGroup {
	members := make([]string, len(component))
	copy(members, component)
	sort.Strings(members)

	details := make([]dedup.SimilarityResult, 0, len(members)*(len(members)-1)/2)
	var sum float64
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			res, ok := pairResults[dedup.PairKey(members[i], members[j])]
			if !ok {
				res = scorer.Compare(members[i], members[j])
			}
			details = append(details, res)
			sum += res.Score
		}
	}

	confidence := 0.0
	if len(details) > 0 {
		confidence = sum / float64(len(details))
	}

	return dedup.MergeGroup{
		Members:                members,
		SuggestedCanonicalName: CanonicalName(members),
		Confidence:             confidence,
		HighConfidence:         confidence >= b.cfg.HighConfidenceThreshold,
		PairwiseDetails:        details,
	}
}

// buildOversized reports an oversized component without paying the full
// pairwise cost: confidence is the mean over its known edges only and no
// pairwise details are attached. The component is excluded from
// auto-suggestion either way.
func (b *Builder) buildOversized(component []string, pairResults map[string]dedup.SimilarityResult) dedup.MergeGroup {
	members := make([]string, len(component))
	copy(members, component)
	sort.Strings(members)

	in := make(map[string]struct{}, len(members))
	for _, m := range members {
		in[m] = struct{}{}
	}

	keys := make([]string, 0, len(pairResults))
	for k, res := range pairResults {
		if _, ok := in[res.NameA]; !ok {
			continue
		}
		if _, ok := in[res.NameB]; !ok {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sum float64
	for _, k := range keys {
		sum += pairResults[k].Score
	}
	confidence := 0.0
	if len(keys) > 0 {
		confidence = sum / float64(len(keys))
	}

	return dedup.MergeGroup{
		Members:                members,
		SuggestedCanonicalName: CanonicalName(members),
		Confidence:             confidence,
		HighConfidence:         false,
	}
}

// CanonicalName elects a group's display name: the shortest raw member,
// tie-break first alphabetically, with trailing legal suffixes stripped.
func CanonicalName(members []string) string {
	if len(members) == 0 {
		return ""
	}
	best := members[0]
	for _, m := range members[1:] {
		if len(m) < len(best) || (len(m) == len(best) && m < best) {
			best = m
		}
	}
	return normalizer.StripTrailingSuffixes(best)
}

func sortGroups(groups []dedup.MergeGroup) {
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Confidence != groups[j].Confidence {
			return groups[i].Confidence > groups[j].Confidence
		}
		return groups[i].SuggestedCanonicalName < groups[j].SuggestedCanonicalName
	})
}
