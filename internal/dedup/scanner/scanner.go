// Package scanner orchestrates a full deduplication scan: load the customer
// universe, exclude names already claimed by rules or protected by business
// rules, block, score pairs in parallel, cluster, filter, and persist merge
// suggestions for operator review.
package scanner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/salesboard/dedup/internal/dedup"
	"github.com/salesboard/dedup/internal/dedup/blocking"
	"github.com/salesboard/dedup/internal/dedup/cluster"
	"github.com/salesboard/dedup/internal/dedup/normalizer"
	"github.com/salesboard/dedup/internal/dedup/similarity"
	"github.com/salesboard/dedup/pkg/metrics"
)

// Deps are the external collaborators a scan reads and writes. Statistics
// may be nil: business-rule protection is then skipped with a warning. The
// other four are required.
type Deps struct {
	Customers   dedup.CustomerSource
	Statistics  dedup.StatisticsSource
	Rules       dedup.RuleStore
	Rejections  dedup.RejectionStore
	Suggestions dedup.SuggestionStore
}

// Options tune a Scanner beyond the engine configuration.
type Options struct {
	// DryRun computes and reports groups but skips suggestion persistence.
	DryRun bool
	// Progress receives throttled progress events when non-nil. Emission
	// never blocks and the scanner never closes the channel.
	Progress chan<- ProgressEvent
}

// Scanner runs deduplication scans. Safe for sequential reuse across
// divisions; the similarity cache carries over between runs.
type Scanner struct {
	logger  *zap.Logger
	cfg     dedup.Config
	deps    Deps
	opts    Options
	engine  *similarity.Engine
	index   *blocking.Index
	builder *cluster.Builder
}

// New validates cfg, checks the required collaborators and builds a ready
// Scanner.
func New(cfg dedup.Config, deps Deps, opts Options, logger *zap.Logger) (*Scanner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Customers == nil:
		return nil, &dedup.ConfigError{Field: "customer_source", Reason: "required"}
	case deps.Rules == nil:
		return nil, &dedup.ConfigError{Field: "rule_store", Reason: "required"}
	case deps.Rejections == nil:
		return nil, &dedup.ConfigError{Field: "rejection_store", Reason: "required"}
	case deps.Suggestions == nil:
		return nil, &dedup.ConfigError{Field: "suggestion_store", Reason: "required"}
	}

	norm, err := normalizer.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("build normalizer: %w", err)
	}
	engine := similarity.NewEngine(cfg, norm, logger)
	return &Scanner{
		logger:  logger,
		cfg:     cfg,
		deps:    deps,
		opts:    opts,
		engine:  engine,
		index:   blocking.NewIndex(norm, logger),
		builder: cluster.NewBuilder(cfg, logger),
	}, nil
}

// Engine exposes the scanner's similarity engine so rule revalidation can
// share its result cache.
func (s *Scanner) Engine() *similarity.Engine { return s.engine }

// Scan runs one full scan for a division. A failed scan returns a nil
// result and the cause; it never returns partial output silently.
func (s *Scanner) Scan(ctx context.Context, divisionID string) (*dedup.ScanResult, error) {
	result, err := s.scan(ctx, divisionID)
	if err != nil {
		metrics.ScansTotal.WithLabelValues(divisionID, "error").Inc()
		return nil, err
	}
	metrics.ScansTotal.WithLabelValues(divisionID, "ok").Inc()
	metrics.ScanDuration.Observe(result.Stats.Duration.Seconds())
	return result, nil
}

func (s *Scanner) scan(ctx context.Context, divisionID string) (*dedup.ScanResult, error) {
	started := time.Now()
	prog := newProgressEmitter(s.opts.Progress, s.cfg.ProgressInterval)
	hits0, misses0 := s.engine.CacheStats()

	var stats dedup.ScanStats
	prog.emit(StageLoading, 0, 0, true)

	universe, err := s.deps.Customers.ListDistinctCustomerNames(ctx, divisionID)
	if err != nil {
		return nil, dedup.NewDataAccessError("customer_source", "list_distinct_customer_names", err)
	}
	stats.UniverseSize = len(universe)

	activeRules, err := s.deps.Rules.GetActiveRules(ctx, divisionID)
	if err != nil {
		return nil, dedup.NewDataAccessError("rule_store", "get_active_rules", err)
	}
	claimed := dedup.ClaimedNames(activeRules)

	rejectedPairs, err := s.deps.Rejections.GetRejectedPairs(ctx, divisionID)
	if err != nil {
		return nil, dedup.NewDataAccessError("rejection_store", "get_rejected_pairs", err)
	}
	rejected := make(map[string]struct{}, len(rejectedPairs))
	for _, p := range rejectedPairs {
		rejected[p.Key()] = struct{}{}
	}

	protected, err := s.protectedNames(ctx, divisionID)
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]struct{}, len(claimed)+len(protected))
	for _, name := range universe {
		if _, ok := claimed[name]; ok {
			excluded[name] = struct{}{}
			stats.ExcludedByRules++
			continue
		}
		if _, ok := protected[name]; ok {
			excluded[name] = struct{}{}
			stats.ExcludedProtected++
		}
	}

	prog.emit(StageBlocking, 0, 0, true)
	blocks := s.index.BuildBlocks(universe, excluded)
	stats.Blocks = len(blocks)

	edges, err := s.scoreBlocks(ctx, blocks, rejected, prog, &stats)
	if err != nil {
		return nil, fmt.Errorf("scan aborted: %w", err)
	}
	stats.EdgesAboveThreshold = len(edges)

	prog.emit(StageClustering, 0, 0, true)
	groups, oversized, err := s.builder.Build(ctx, edges, s.engine)
	if err != nil {
		return nil, fmt.Errorf("scan aborted: %w", err)
	}

	kept := make([]dedup.MergeGroup, 0, len(groups))
	for _, g := range groups {
		if g.Confidence < s.cfg.MinConfidenceThreshold {
			stats.GroupsBelowConfidence++
			metrics.GroupsFound.WithLabelValues("below_confidence").Inc()
			continue
		}
		if pair, found := containsRejectedPair(g, rejected); found {
			// the pair never met through a direct edge, so it got here via
			// transitive third parties; the reviewer's verdict still wins
			stats.GroupsDroppedRejected++
			metrics.GroupsFound.WithLabelValues("rejected_pair").Inc()
			s.logger.Info("group dropped, contains rejected pair",
				zap.String("division_id", divisionID),
				zap.String("name_a", pair.NameA),
				zap.String("name_b", pair.NameB),
				zap.Strings("members", g.Members))
			continue
		}
		kept = append(kept, g)
	}
	kept = s.dropDisjointnessViolations(kept, claimed)

	stats.GroupsSuggested = len(kept)
	stats.GroupsOversized = len(oversized)
	for range kept {
		metrics.GroupsFound.WithLabelValues("suggested").Inc()
	}
	for range oversized {
		metrics.GroupsFound.WithLabelValues("oversized").Inc()
	}

	if !s.opts.DryRun && len(kept) > 0 {
		prog.emit(StagePersisting, 0, 0, true)
		if err := s.deps.Suggestions.AppendSuggestions(ctx, divisionID, kept); err != nil {
			return nil, dedup.NewDataAccessError("suggestion_store", "append_suggestions", err)
		}
		metrics.SuggestionsWritten.Add(float64(len(kept)))
	}

	hits1, misses1 := s.engine.CacheStats()
	stats.CacheHits = hits1 - hits0
	stats.CacheMisses = misses1 - misses0
	metrics.CacheHits.Add(float64(stats.CacheHits))
	metrics.CacheMisses.Add(float64(stats.CacheMisses))
	metrics.PairsCompared.Add(float64(stats.PairsCompared))
	stats.Duration = time.Since(started)

	prog.emit(StageDone, stats.PairsCompared, stats.PairsCompared, true)

	s.logger.Info("scan complete",
		zap.String("division_id", divisionID),
		zap.Bool("dry_run", s.opts.DryRun),
		zap.Int("universe", stats.UniverseSize),
		zap.Int("excluded_by_rules", stats.ExcludedByRules),
		zap.Int("excluded_protected", stats.ExcludedProtected),
		zap.Int("blocks", stats.Blocks),
		zap.Int("pairs_compared", stats.PairsCompared),
		zap.Int("edges", stats.EdgesAboveThreshold),
		zap.Int("groups_suggested", stats.GroupsSuggested),
		zap.Int("groups_oversized", stats.GroupsOversized),
		zap.Duration("duration", stats.Duration))

	return &dedup.ScanResult{
		DivisionID: divisionID,
		Groups:     kept,
		Oversized:  oversized,
		Stats:      stats,
	}, nil
}

// protectedNames resolves the business-rule protections to a name set.
// High-value customers and recently created customers carry too much
// reporting risk to merge automatically.
func (s *Scanner) protectedNames(ctx context.Context, divisionID string) (map[string]struct{}, error) {
	protected := make(map[string]struct{})
	br := s.cfg.BusinessRules
	if !br.ProtectHighValueCustomers && !br.ProtectRecentCustomers {
		return protected, nil
	}
	if s.deps.Statistics == nil {
		s.logger.Warn("business-rule protection enabled but no statistics source configured, skipping",
			zap.String("division_id", divisionID))
		return protected, nil
	}

	rows, err := s.deps.Statistics.GetCustomerStatistics(ctx, divisionID)
	if err != nil {
		return nil, dedup.NewDataAccessError("statistics_source", "get_customer_statistics", err)
	}

	highValue := decimal.NewFromFloat(br.HighValueThreshold)
	cutoff := time.Now().AddDate(0, 0, -br.RecentDaysThreshold)
	for _, row := range rows {
		if br.ProtectHighValueCustomers && row.TotalSales.GreaterThanOrEqual(highValue) {
			protected[row.CustomerName] = struct{}{}
			continue
		}
		if br.ProtectRecentCustomers && row.CreatedAt.After(cutoff) {
			protected[row.CustomerName] = struct{}{}
		}
	}
	return protected, nil
}

type pairJob struct {
	a, b string
}

// scoreBlocks walks the blocks in deterministic order, scoring each block's
// pairs on a worker pool and keeping the edges that clear the threshold.
// Cancellation is checked between blocks; in-flight pairs drain before
// return.
func (s *Scanner) scoreBlocks(ctx context.Context, blocks map[string][]string, rejected map[string]struct{}, prog *progressEmitter, stats *dedup.ScanStats) ([]dedup.SimilarityResult, error) {
	keys := make([]string, 0, len(blocks))
	totalPairs := 0
	for k, names := range blocks {
		keys = append(keys, k)
		totalPairs += len(names) * (len(names) - 1) / 2
	}
	sort.Strings(keys)
	prog.emit(StageScoring, 0, totalPairs, true)

	var edges []dedup.SimilarityResult
	done := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		names := blocks[key]

		jobs := make([]pairJob, 0, len(names)*(len(names)-1)/2)
		for i := 0; i < len(names); i++ {
			for j := i + 1; j < len(names); j++ {
				if _, skip := rejected[dedup.PairKey(names[i], names[j])]; skip {
					stats.PairsSkippedRejected++
					continue
				}
				jobs = append(jobs, pairJob{a: names[i], b: names[j]})
			}
		}
		done += len(names) * (len(names) - 1) / 2
		if len(jobs) == 0 {
			continue
		}

		for _, res := range s.scorePairs(jobs) {
			if res.Score >= s.cfg.MinConfidenceThreshold {
				edges = append(edges, res)
			}
		}
		stats.PairsCompared += len(jobs)
		prog.emit(StageScoring, done, totalPairs, false)
	}
	return edges, nil
}

// scorePairs fans one block's pairs out over the worker pool and collects
// every result. The only state shared between workers is the similarity
// cache, which is race-tolerant.
func (s *Scanner) scorePairs(jobs []pairJob) []dedup.SimilarityResult {
	workers := s.cfg.Workers
	if workers > len(jobs) {
		workers = len(jobs)
	}
	if workers < 1 {
		workers = 1
	}

	jobCh := make(chan pairJob)
	resCh := make(chan dedup.SimilarityResult, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				resCh <- s.engine.Compare(job.a, job.b)
			}
		}()
	}

	go func() {
		for _, job := range jobs {
			jobCh <- job
		}
		close(jobCh)
		wg.Wait()
		close(resCh)
	}()

	results := make([]dedup.SimilarityResult, 0, len(jobs))
	for res := range resCh {
		results = append(results, res)
	}
	return results
}

// containsRejectedPair reports whether any member pair of the group was
// rejected by a reviewer.
func containsRejectedPair(g dedup.MergeGroup, rejected map[string]struct{}) (dedup.RejectedPair, bool) {
	for i := 0; i < len(g.Members); i++ {
		for j := i + 1; j < len(g.Members); j++ {
			if _, found := rejected[dedup.PairKey(g.Members[i], g.Members[j])]; found {
				return dedup.NewRejectedPair(g.Members[i], g.Members[j]), true
			}
		}
	}
	return dedup.RejectedPair{}, false
}

// dropDisjointnessViolations re-checks that no member appears twice across
// groups or inside an active rule. Components are disjoint by construction
// and rule members are excluded before blocking, so a hit here means a bug
// upstream; the group is dropped and logged rather than persisted.
func (s *Scanner) dropDisjointnessViolations(groups []dedup.MergeGroup, claimed map[string]uuid.UUID) []dedup.MergeGroup {
	seen := make(map[string]struct{})
	kept := make([]dedup.MergeGroup, 0, len(groups))
	for _, g := range groups {
		violation := ""
		for _, m := range g.Members {
			if _, dup := seen[m]; dup {
				violation = fmt.Sprintf("%q already in another group", m)
				break
			}
			if owner, ok := claimed[m]; ok {
				violation = fmt.Sprintf("%q claimed by rule %s", m, owner)
				break
			}
		}
		if violation != "" {
			s.logger.Error("group violates disjointness, dropped",
				zap.String("violation", violation),
				zap.Strings("members", g.Members))
			continue
		}
		for _, m := range g.Members {
			seen[m] = struct{}{}
		}
		kept = append(kept, g)
	}
	return kept
}
