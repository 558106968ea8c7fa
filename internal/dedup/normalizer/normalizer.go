// Package normalizer canonicalizes raw customer-name strings into the
// comparable forms the similarity engine and blocking index operate on.
package normalizer

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/salesboard/dedup/internal/dedup"
)

//go:embed abbreviations.yaml
var lexiconYAML []byte

type lexiconFile struct {
	Abbreviations map[string]string `yaml:"abbreviations"`
	Locations     []string          `yaml:"locations"`
}

// coreBrandMaxTokens caps core-brand extraction; brand identity is
// front-loaded and rarely exceeds a few words.
const coreBrandMaxTokens = 4

// Noise patterns, applied in order during the stripping stage.
var (
	emailRegex     = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	poBoxRegex     = regexp.MustCompile(`(?i)\bp\.?\s*o\.?\s*box\s*[:#]?\s*\d*`)
	premisesRegex  = regexp.MustCompile(`(?i)\b(shop|office|unit|floor|flat|room|building|bldg|warehouse|store)\s*(no\.?|number|#)?\s*[:#]?\s*[a-z]?[-\s]?\d+[a-z]?\b`)
	phoneRegex     = regexp.MustCompile(`(?i)\b(tel|mob|mobile|ph|phone|fax|call)\s*[:.]?\s*\+?[\d\s().-]{6,}`)
	phoneLikeRegex = regexp.MustCompile(`\+?\d[\d\s().-]{6,}\d`)
	numberRegex    = regexp.MustCompile(`\b\d{3,}\b`)
	// dots and apostrophes bind letters of one word ("L.L.C", "Int'l");
	// all other punctuation separates words
	joinerRegex = regexp.MustCompile(`[.']`)
	punctRegex  = regexp.MustCompile(`[^a-z0-9\s]`)
	spaceRegex  = regexp.MustCompile(`\s+`)
)

type expansion struct {
	re          *regexp.Regexp
	replacement string
}

// Normalizer turns raw customer names into normalized comparison forms.
// Normalize is pure and deterministic; results are cached per raw string
// because a scan of n names recomputes the same forms O(n) times otherwise.
// Safe for concurrent use.
type Normalizer struct {
	expansions    []expansion
	locationRegex *regexp.Regexp

	mu    sync.RWMutex
	cache map[string]string
}

// New builds a Normalizer from the embedded lexicon merged with any extra
// abbreviations supplied by configuration.
func New(cfg dedup.Config) (*Normalizer, error) {
	var lex lexiconFile
	if err := yaml.Unmarshal(lexiconYAML, &lex); err != nil {
		return nil, fmt.Errorf("parse embedded lexicon: %w", err)
	}

	table := make(map[string]string, len(lex.Abbreviations)+len(cfg.ExtraAbbreviations))
	for k, v := range lex.Abbreviations {
		table[strings.ToLower(k)] = strings.ToLower(v)
	}
	for k, v := range cfg.ExtraAbbreviations {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		table[k] = strings.ToLower(strings.TrimSpace(v))
	}

	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	n := &Normalizer{cache: make(map[string]string)}
	for _, k := range keys {
		n.expansions = append(n.expansions, expansion{
			re:          regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(k) + `\b\.?`),
			replacement: table[k],
		})
	}

	if cfg.StripLocationKeywords && len(lex.Locations) > 0 {
		locs := make([]string, len(lex.Locations))
		for i, l := range lex.Locations {
			locs[i] = strings.ToLower(strings.TrimSpace(l))
		}
		// longest first so "abu dhabi" wins over any single-word overlap
		sort.Slice(locs, func(i, j int) bool { return len(locs[i]) > len(locs[j]) })
		for i, l := range locs {
			locs[i] = regexp.QuoteMeta(l)
		}
		n.locationRegex = regexp.MustCompile(`(?i)\b(` + strings.Join(locs, "|") + `)\b`)
	}

	return n, nil
}

// Normalize canonicalizes a raw customer name. Deterministic: equal inputs
// always yield equal outputs, and a non-blank input never normalizes to the
// empty string.
func (n *Normalizer) Normalize(raw string) string {
	n.mu.RLock()
	if v, ok := n.cache[raw]; ok {
		n.mu.RUnlock()
		return v
	}
	n.mu.RUnlock()

	out := n.normalize(raw)

	n.mu.Lock()
	n.cache[raw] = out
	n.mu.Unlock()
	return out
}

// normalize runs the pipeline. Stage order matters: abbreviations expand
// first because they can occur inside address fragments that the noise
// stage removes. Any stage that would empty the string is skipped in favor
// of the previous stage's output.
func (n *Normalizer) normalize(raw string) string {
	prev := strings.TrimSpace(raw)
	if prev == "" {
		return ""
	}

	if cur := strings.TrimSpace(n.expandAbbreviations(prev)); cur != "" {
		prev = cur
	}
	if cur := strings.TrimSpace(n.stripNoise(prev)); cur != "" {
		prev = cur
	}
	if cur := fold(prev, true); cur != "" {
		return cur
	}
	// suffix removal emptied the name (e.g. the name IS "L.L.C.")
	if cur := fold(prev, false); cur != "" {
		return cur
	}
	return strings.ToLower(strings.TrimSpace(raw))
}

func (n *Normalizer) expandAbbreviations(s string) string {
	for _, e := range n.expansions {
		s = e.re.ReplaceAllLiteralString(s, e.replacement)
	}
	return s
}

func (n *Normalizer) stripNoise(s string) string {
	s = emailRegex.ReplaceAllString(s, " ")
	s = poBoxRegex.ReplaceAllString(s, " ")
	s = premisesRegex.ReplaceAllString(s, " ")
	s = phoneRegex.ReplaceAllString(s, " ")
	s = phoneLikeRegex.ReplaceAllString(s, " ")
	s = numberRegex.ReplaceAllString(s, " ")
	if n.locationRegex != nil {
		s = n.locationRegex.ReplaceAllString(s, " ")
	}
	return s
}

// CoreBrand extracts the leading brand-identifying tokens of a raw name:
// abbreviations expanded, case and punctuation folded, tokens collected
// until the first descriptor or legal suffix, capped at four. Falls back to
// the first token when the name opens with a descriptor.
func (n *Normalizer) CoreBrand(raw string) string {
	folded := fold(n.expandAbbreviations(raw), false)
	toks := strings.Fields(folded)
	if len(toks) == 0 {
		return ""
	}
	var core []string
	for _, t := range toks {
		if IsStopWord(t) || IsLegalSuffix(t) {
			break
		}
		core = append(core, t)
		if len(core) == coreBrandMaxTokens {
			break
		}
	}
	if len(core) == 0 {
		core = toks[:1]
	}
	return strings.Join(core, " ")
}

// fold lowercases, strips punctuation, collapses whitespace and, when
// dropSuffixes is set, removes legal-suffix tokens.
func fold(s string, dropSuffixes bool) string {
	s = strings.ToLower(s)
	s = joinerRegex.ReplaceAllString(s, "")
	s = punctRegex.ReplaceAllString(s, " ")
	s = spaceRegex.ReplaceAllString(strings.TrimSpace(s), " ")
	if !dropSuffixes {
		return s
	}
	toks := strings.Fields(s)
	kept := toks[:0]
	for _, t := range toks {
		if IsLegalSuffix(t) {
			continue
		}
		kept = append(kept, t)
	}
	return strings.Join(kept, " ")
}

// StripSuffixes removes only legal-entity suffix words from a raw name,
// folding case and punctuation but leaving everything else intact. The
// suffix-stripped similarity signal uses it to recover pairs the full
// normalization altered too aggressively.
func StripSuffixes(raw string) string {
	if s := fold(raw, true); s != "" {
		return s
	}
	return fold(raw, false)
}

// StripTrailingSuffixes removes legal-entity suffixes from the end of a raw
// name, preserving the casing of what remains. Canonical-name suggestions
// use it so "Falcon Trading LLC" surfaces as "Falcon Trading". At least one
// word is always kept.
func StripTrailingSuffixes(raw string) string {
	words := strings.Fields(strings.TrimSpace(raw))
	for len(words) > 1 {
		last := punctRegex.ReplaceAllString(strings.ToLower(words[len(words)-1]), "")
		if !IsLegalSuffix(last) {
			break
		}
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

// Tokens splits a normalized name into its words.
func Tokens(s string) []string {
	return strings.Fields(s)
}

// MeaningfulTokens returns the tokens longer than one character. Single
// characters carry no blocking or prefix signal.
func MeaningfulTokens(s string) []string {
	var out []string
	for _, t := range strings.Fields(s) {
		if len(t) > 1 {
			out = append(out, t)
		}
	}
	return out
}
