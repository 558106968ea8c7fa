// Package similarity scores how likely two raw customer names denote the
// same real-world customer, combining seven weighted signals into a single
// composite score in [0,1].
package similarity

import (
	"context"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/antzucaro/matchr"
	"go.uber.org/zap"

	"github.com/salesboard/dedup/internal/dedup"
	"github.com/salesboard/dedup/internal/dedup/normalizer"
)

// coreBrandBoostFloor is the core-brand score at which the composite boost
// applies.
const coreBrandBoostFloor = 0.90

// nGramPrefixTokens is how many leading meaningful tokens the prefix signal
// compares. Brand names are front-loaded; trailing descriptive words are
// mostly noise.
const nGramPrefixTokens = 2

// Engine computes composite similarity between raw customer names. Safe for
// concurrent use; results are cached on the unordered pair, so Compare(a,b)
// and Compare(b,a) return the identical result.
type Engine struct {
	logger *zap.Logger
	cfg    dedup.Config
	norm   *normalizer.Normalizer
	cache  *pairCache
}

// NewEngine builds an Engine. cfg must already have passed Validate.
func NewEngine(cfg dedup.Config, norm *normalizer.Normalizer, logger *zap.Logger) *Engine {
	return &Engine{
		logger: logger,
		cfg:    cfg,
		norm:   norm,
		cache:  newPairCache(cfg.CacheSize),
	}
}

// Compare scores two raw names. The result is symmetric and carries the
// names in lexicographic order.
func (e *Engine) Compare(a, b string) dedup.SimilarityResult {
	if a > b {
		a, b = b, a
	}
	key := dedup.PairKey(a, b)
	if res, ok := e.cache.get(key); ok {
		return res
	}
	res := e.compare(a, b)
	e.cache.put(key, res)
	return res
}

// CompareCtx is Compare with an up-front cancellation check, for callers
// scoring large batches. The comparison itself never blocks.
func (e *Engine) CompareCtx(ctx context.Context, a, b string) (dedup.SimilarityResult, error) {
	if err := ctx.Err(); err != nil {
		return dedup.SimilarityResult{}, err
	}
	return e.Compare(a, b), nil
}

// CacheStats returns cumulative cache hits and misses.
func (e *Engine) CacheStats() (hits, misses uint64) {
	return e.cache.stats()
}

func (e *Engine) compare(a, b string) dedup.SimilarityResult {
	res := dedup.SimilarityResult{NameA: a, NameB: b}

	na, nb := e.norm.Normalize(a), e.norm.Normalize(b)
	if na == nb {
		// exact match after canonicalization
		res.Score = 1.0
		res.Signals = dedup.SignalSet{
			Levenshtein: 1, JaroWinkler: 1, TokenSet: 1, SuffixStripped: 1,
			NGramPrefix: 1, CoreBrand: 1, Phonetic: 1,
		}
		return res
	}

	res.Signals = dedup.SignalSet{
		Levenshtein: e.safeSignal("levenshtein", func() float64 {
			return editRatio(na, nb)
		}),
		JaroWinkler: e.safeSignal("jaro_winkler", func() float64 {
			return matchr.JaroWinkler(na, nb, false)
		}),
		TokenSet: e.safeSignal("token_set", func() float64 {
			return tokenSetSimilarity(na, nb)
		}),
		SuffixStripped: e.safeSignal("suffix_stripped", func() float64 {
			return editRatio(normalizer.StripSuffixes(a), normalizer.StripSuffixes(b))
		}),
		NGramPrefix: e.safeSignal("ngram_prefix", func() float64 {
			return editRatio(leadingTokens(na, nGramPrefixTokens), leadingTokens(nb, nGramPrefixTokens))
		}),
		CoreBrand: e.safeSignal("core_brand", func() float64 {
			return editRatio(e.norm.CoreBrand(a), e.norm.CoreBrand(b))
		}),
		Phonetic: e.safeSignal("phonetic", func() float64 {
			return phoneticSimilarity(na, nb)
		}),
	}

	w := e.cfg.Weights
	s := res.Signals
	score := w.Levenshtein*s.Levenshtein +
		w.JaroWinkler*s.JaroWinkler +
		w.TokenSet*s.TokenSet +
		w.SuffixStripped*s.SuffixStripped +
		w.NGramPrefix*s.NGramPrefix +
		w.CoreBrand*s.CoreBrand +
		w.Phonetic*s.Phonetic

	// strong brand-identity agreement nudges the composite, capped so the
	// boost alone can never carry a pair across the threshold
	if s.CoreBrand >= coreBrandBoostFloor {
		score *= e.cfg.CoreBrandBoost
	}
	res.Score = clamp01(score)
	return res
}

// safeSignal runs one signal computation, recovering a panic from an
// encoder on unexpected input by degrading that signal to 0. Losing one
// signal is preferable to losing the whole candidate pair.
func (e *Engine) safeSignal(name string, fn func() float64) (score float64) {
	defer func() {
		if r := recover(); r != nil {
			score = 0
			e.logger.Warn("similarity signal degraded to 0",
				zap.String("signal", name),
				zap.Any("panic", r))
		}
	}()
	return clamp01(fn())
}

// editRatio is normalized Levenshtein similarity in [0,1].
func editRatio(s1, s2 string) float64 {
	if s1 == s2 {
		return 1.0
	}
	if s1 == "" || s2 == "" {
		return 0.0
	}
	maxLen := float64(len(s1))
	if l := float64(len(s2)); l > maxLen {
		maxLen = l
	}
	distance := levenshtein.ComputeDistance(s1, s2)
	return 1.0 - float64(distance)/maxLen
}

// tokenSetSimilarity is the Jaccard index of the names' significant word
// sets: tokens longer than two characters with descriptor stop-words
// removed.
func tokenSetSimilarity(na, nb string) float64 {
	return jaccard(significantTokenSet(na), significantTokenSet(nb))
}

func significantTokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range normalizer.Tokens(s) {
		if len(t) <= 2 || normalizer.IsStopWord(t) {
			continue
		}
		set[t] = struct{}{}
	}
	return set
}

// phoneticSimilarity is the Jaccard index of the Double Metaphone primary
// codes of each name's meaningful words, catching transliteration and typo
// variants ("Mohammed" vs "Muhammad").
func phoneticSimilarity(na, nb string) float64 {
	return jaccard(phoneticCodeSet(na), phoneticCodeSet(nb))
}

func phoneticCodeSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range normalizer.MeaningfulTokens(s) {
		primary, _ := matchr.DoubleMetaphone(t)
		if primary == "" {
			// numeric or otherwise unencodable token, keep it verbatim
			primary = t
		}
		set[primary] = struct{}{}
	}
	return set
}

// leadingTokens joins the first k meaningful tokens; when a name has none
// (all single characters) it falls back to its full token list so two
// degenerate names never compare as identical empty prefixes.
func leadingTokens(s string, k int) string {
	toks := normalizer.MeaningfulTokens(s)
	if len(toks) == 0 {
		toks = normalizer.Tokens(s)
	}
	if len(toks) > k {
		toks = toks[:k]
	}
	return strings.Join(toks, " ")
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
