// Package dedup defines the shared data model, configuration and collaborator
// contracts for the customer-name deduplication engine. The algorithmic
// components live in the subpackages (normalizer, similarity, blocking,
// cluster, rules, scanner); everything they exchange is declared here.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RuleStatus is the lifecycle state of a MergeRule.
type RuleStatus string

const (
	// RuleStatusActive means every original customer still exists in the
	// division's customer universe.
	RuleStatusActive RuleStatus = "active"
	// RuleStatusNeedsUpdate means some, but not all, original customers have
	// vanished from the universe.
	RuleStatusNeedsUpdate RuleStatus = "needs_update"
	// RuleStatusOrphaned means none of the original customers remain.
	RuleStatusOrphaned RuleStatus = "orphaned"
)

// SignalSet carries the individual per-signal scores that make up a
// composite similarity score. Every field is in [0,1].
type SignalSet struct {
	Levenshtein    float64 `json:"levenshtein"`
	JaroWinkler    float64 `json:"jaro_winkler"`
	TokenSet       float64 `json:"token_set"`
	SuffixStripped float64 `json:"suffix_stripped"`
	NGramPrefix    float64 `json:"ngram_prefix"`
	CoreBrand      float64 `json:"core_brand"`
	Phonetic       float64 `json:"phonetic"`
}

// SimilarityResult is the immutable outcome of comparing two raw names.
// It is symmetric: comparing (B, A) yields the same Score and Signals.
type SimilarityResult struct {
	NameA   string    `json:"name_a"`
	NameB   string    `json:"name_b"`
	Score   float64   `json:"score"`
	Signals SignalSet `json:"signals"`
}

// MergeGroup is a proposed cluster of raw names believed to denote a single
// real-world customer. Members has set semantics and is kept sorted for
// deterministic output. Confidence is the arithmetic mean over ALL member
// pairs, not only the graph edges that connected the group.
type MergeGroup struct {
	Members                []string           `json:"members"`
	SuggestedCanonicalName string             `json:"suggested_canonical_name"`
	Confidence             float64            `json:"confidence"`
	HighConfidence         bool               `json:"high_confidence"`
	PairwiseDetails        []SimilarityResult `json:"pairwise_details,omitempty"`
}

// MemberSetHash returns a deterministic digest of the member set, independent
// of member ordering. Suggestion stores use it for idempotence on
// (division, canonical name, member set).
func (g MergeGroup) MemberSetHash() string {
	return HashNameSet(g.Members)
}

// HashNameSet digests a set of names order-independently.
func HashNameSet(names []string) string {
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\x00")))
	return hex.EncodeToString(sum[:])
}

// MergeRule is an accepted MergeGroup persisted with lifecycle state.
// Downstream reporting folds every original customer's totals into the
// canonical name, so no raw name may appear in more than one claiming rule.
type MergeRule struct {
	ID                uuid.UUID  `json:"id"`
	DivisionID        string     `json:"division_id"`
	CanonicalName     string     `json:"canonical_name"`
	OriginalCustomers []string   `json:"original_customers"`
	Status            RuleStatus `json:"status"`
	LastValidatedAt   time.Time  `json:"last_validated_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Claims reports whether the rule's status still lays claim to its original
// customers. Orphaned rules claim nothing.
func (r *MergeRule) Claims() bool {
	return r.Status == RuleStatusActive || r.Status == RuleStatusNeedsUpdate
}

// ClaimedNames maps every original customer of the claiming rules (Active
// or NeedsUpdate) to the rule that owns it. Orphaned rules contribute
// nothing.
func ClaimedNames(rules []MergeRule) map[string]uuid.UUID {
	claimed := make(map[string]uuid.UUID)
	for i := range rules {
		if !rules[i].Claims() {
			continue
		}
		for _, name := range rules[i].OriginalCustomers {
			claimed[name] = rules[i].ID
		}
	}
	return claimed
}

// RulePatch is a partial update to a MergeRule. Nil (or empty slice) fields
// are left untouched.
type RulePatch struct {
	CanonicalName     *string
	OriginalCustomers []string
	Status            *RuleStatus
	LastValidatedAt   *time.Time
}

// RejectedPair is an unordered pair of raw names a reviewer explicitly
// declared not to be duplicates. It is stored with NameA <= NameB.
type RejectedPair struct {
	NameA string `json:"name_a"`
	NameB string `json:"name_b"`
}

// NewRejectedPair normalizes the member order so that equal pairs compare
// equal regardless of argument order.
func NewRejectedPair(a, b string) RejectedPair {
	if a > b {
		a, b = b, a
	}
	return RejectedPair{NameA: a, NameB: b}
}

// Key returns the order-independent lookup key for the pair.
func (p RejectedPair) Key() string {
	return PairKey(p.NameA, p.NameB)
}

// PairKey builds an order-independent key for two raw names. Similarity
// results and rejection records are both keyed this way because comparison
// is symmetric.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}

// CustomerStat is the business-rule protection input for one customer:
// lifetime sales total and first-seen time.
type CustomerStat struct {
	CustomerName string          `json:"customer_name"`
	TotalSales   decimal.Decimal `json:"total_sales"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ScoredName pairs a candidate name with its similarity score.
type ScoredName struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// ReplacementSuggestion proposes a currently unclaimed universe name as the
// stand-in for an original customer that vanished from the universe.
type ReplacementSuggestion struct {
	MissingName string       `json:"missing_name"`
	Candidate   string       `json:"candidate"`
	Score       float64      `json:"score"`
	RunnersUp   []ScoredName `json:"runners_up,omitempty"`
}

// RevalidationReport describes the outcome of revalidating one rule against
// a fresh universe snapshot.
type RevalidationReport struct {
	RuleID       uuid.UUID               `json:"rule_id"`
	OldStatus    RuleStatus              `json:"old_status"`
	NewStatus    RuleStatus              `json:"new_status"`
	MissingNames []string                `json:"missing_names,omitempty"`
	Replacements []ReplacementSuggestion `json:"replacements,omitempty"`
}

// Suggestion is the persisted form of a MergeGroup awaiting operator review.
type Suggestion struct {
	ID             uuid.UUID `json:"id"`
	DivisionID     string    `json:"division_id"`
	CanonicalName  string    `json:"canonical_name"`
	Members        []string  `json:"members"`
	Confidence     float64   `json:"confidence"`
	HighConfidence bool      `json:"high_confidence"`
	MemberHash     string    `json:"member_hash"`
	CreatedAt      time.Time `json:"created_at"`
}

// ScanStats summarizes one scan run.
type ScanStats struct {
	UniverseSize          int           `json:"universe_size"`
	ExcludedByRules       int           `json:"excluded_by_rules"`
	ExcludedProtected     int           `json:"excluded_protected"`
	Blocks                int           `json:"blocks"`
	PairsCompared         int           `json:"pairs_compared"`
	PairsSkippedRejected  int           `json:"pairs_skipped_rejected"`
	EdgesAboveThreshold   int           `json:"edges_above_threshold"`
	GroupsSuggested       int           `json:"groups_suggested"`
	GroupsOversized       int           `json:"groups_oversized"`
	GroupsBelowConfidence int           `json:"groups_below_confidence"`
	GroupsDroppedRejected int           `json:"groups_dropped_rejected"`
	CacheHits             uint64        `json:"cache_hits"`
	CacheMisses           uint64        `json:"cache_misses"`
	Duration              time.Duration `json:"duration"`
}

// ScanResult is the outcome of a successful scan. Oversized components are
// reported fully formed for manual review but are never auto-suggested.
type ScanResult struct {
	DivisionID string       `json:"division_id"`
	Groups     []MergeGroup `json:"groups"`
	Oversized  []MergeGroup `json:"oversized,omitempty"`
	Stats      ScanStats    `json:"stats"`
}
