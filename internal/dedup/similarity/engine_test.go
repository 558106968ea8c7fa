package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/salesboard/dedup/internal/dedup"
	"github.com/salesboard/dedup/internal/dedup/normalizer"
)

func newTestEngine(t *testing.T, cfg dedup.Config) *Engine {
	t.Helper()
	norm, err := normalizer.New(cfg)
	require.NoError(t, err)
	return NewEngine(cfg, norm, zaptest.NewLogger(t))
}

func TestCompare_ExactMatchShortcut(t *testing.T) {
	e := newTestEngine(t, dedup.DefaultConfig())

	tests := []struct {
		name string
		a    string
		b    string
	}{
		{name: "case and suffix", a: "ABC LLC", b: "abc llc"},
		{name: "abbreviation variant", a: "Falcon Trdg", b: "Falcon Trading"},
		{name: "address noise", a: "Delta Foods PO Box 1234", b: "Delta Foods"},
		{name: "punctuation", a: "Al-Noor Trading L.L.C", b: "Al Noor Trading"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Compare(tt.a, tt.b)
			assert.Equal(t, 1.0, res.Score)
			assert.Equal(t, 1.0, res.Signals.CoreBrand)
			assert.Equal(t, 1.0, res.Signals.Phonetic)
		})
	}
}

func TestCompare_Symmetry(t *testing.T) {
	e := newTestEngine(t, dedup.DefaultConfig())

	pairs := [][2]string{
		{"Falcon Trading", "Falcon Tradng"},
		{"Mohammed Trading", "Muhammad Trading"},
		{"Gulf Star FZE", "Gulf Star Electronics"},
		{"Alpha Contracting", "Omega Shipping"},
	}

	for _, p := range pairs {
		ab := e.Compare(p[0], p[1])
		ba := e.Compare(p[1], p[0])
		assert.Equal(t, ab, ba, "Compare(%q,%q) must equal Compare(%q,%q)", p[0], p[1], p[1], p[0])
	}
}

func TestCompare_ScoreAndSignalBounds(t *testing.T) {
	e := newTestEngine(t, dedup.DefaultConfig())

	pairs := [][2]string{
		{"Falcon Trading", "Falcon General Trading Dubai"},
		{"A", "Z"},
		{"24680", "Falcon"},
		{"###", "Falcon Trading"},
		{"Very Long Customer Name With Many Words LLC", "Short"},
	}

	for _, p := range pairs {
		res := e.Compare(p[0], p[1])
		assert.GreaterOrEqual(t, res.Score, 0.0)
		assert.LessOrEqual(t, res.Score, 1.0)
		for _, sig := range []float64{
			res.Signals.Levenshtein, res.Signals.JaroWinkler, res.Signals.TokenSet,
			res.Signals.SuffixStripped, res.Signals.NGramPrefix, res.Signals.CoreBrand,
			res.Signals.Phonetic,
		} {
			assert.GreaterOrEqual(t, sig, 0.0)
			assert.LessOrEqual(t, sig, 1.0)
		}
	}
}

func TestCompare_CloseVariantsScoreHigh(t *testing.T) {
	e := newTestEngine(t, dedup.DefaultConfig())

	res := e.Compare("Falcon Trading", "Falcon Tradng")
	assert.Greater(t, res.Score, 0.65, "typo variant should clear the default threshold")

	res = e.Compare("Falcon Trading", "Quantum Shipyards")
	assert.Less(t, res.Score, 0.5, "unrelated names should score low")
}

func TestCompare_PhoneticVariants(t *testing.T) {
	e := newTestEngine(t, dedup.DefaultConfig())

	res := e.Compare("Mohammed Trading", "Muhammad Trading")
	assert.Equal(t, 1.0, res.Signals.Phonetic, "transliteration variants share phonetic codes")
	assert.Greater(t, res.Score, 0.65)
}

func TestCompare_CoreBrandBoost(t *testing.T) {
	boosted := dedup.DefaultConfig()
	boosted.CoreBrandBoost = 1.08
	unboosted := dedup.DefaultConfig()
	unboosted.CoreBrandBoost = 1.0

	a, b := "Falcon General Trading", "Falcon International Trading"

	eb := newTestEngine(t, boosted)
	resBoosted := eb.Compare(a, b)
	require.GreaterOrEqual(t, resBoosted.Signals.CoreBrand, 0.90, "fixture must trigger the boost")

	eu := newTestEngine(t, unboosted)
	resPlain := eu.Compare(a, b)

	assert.Greater(t, resBoosted.Score, resPlain.Score)
	assert.LessOrEqual(t, resBoosted.Score, 1.0)
	assert.InDelta(t, resPlain.Score*1.08, resBoosted.Score, 1e-9)
}

func TestCompare_CachesUnorderedPair(t *testing.T) {
	e := newTestEngine(t, dedup.DefaultConfig())

	first := e.Compare("Falcon Trading", "Falcon Tradng")
	second := e.Compare("Falcon Tradng", "Falcon Trading")
	assert.Equal(t, first, second)

	hits, misses := e.CacheStats()
	assert.GreaterOrEqual(t, hits, uint64(1))
	assert.GreaterOrEqual(t, misses, uint64(1))
}

func TestCompare_DegenerateInputs(t *testing.T) {
	e := newTestEngine(t, dedup.DefaultConfig())

	res := e.Compare("", "Falcon Trading")
	assert.GreaterOrEqual(t, res.Score, 0.0)
	assert.Less(t, res.Score, 0.5)

	res = e.Compare("", "")
	assert.Equal(t, 1.0, res.Score)
}
