package blocking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/salesboard/dedup/internal/dedup"
	"github.com/salesboard/dedup/internal/dedup/normalizer"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	norm, err := normalizer.New(dedup.DefaultConfig())
	require.NoError(t, err)
	return NewIndex(norm, zaptest.NewLogger(t))
}

func TestBlockKey_PhoneticVariantsShareBlock(t *testing.T) {
	idx := newTestIndex(t)

	tests := []struct {
		name string
		a    string
		b    string
	}{
		{name: "identical first token", a: "Falcon Trading", b: "Falcon General Trading"},
		{name: "abbreviated variant", a: "Falcon Trdg", b: "Falcon Trading LLC"},
		{name: "spelling variant", a: "Falkon Trading", b: "Falcon Trading"},
		{name: "transliteration", a: "Mohammed Foodstuff", b: "Muhammad Foodstuff"},
		{name: "leading single char skipped", a: "A Falcon Trading", b: "Falcon Trading"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, idx.BlockKey(tt.a), idx.BlockKey(tt.b))
		})
	}
}

func TestBlockKey_DistinctBrandsDiverge(t *testing.T) {
	idx := newTestIndex(t)
	assert.NotEqual(t, idx.BlockKey("Falcon Trading"), idx.BlockKey("Quantum Trading"))
}

func TestBlockKey_NumericName(t *testing.T) {
	idx := newTestIndex(t)
	// unencodable first token falls back to the token itself
	assert.NotEmpty(t, idx.BlockKey("24680"))
}

func TestBuildBlocks(t *testing.T) {
	idx := newTestIndex(t)

	names := []string{
		"Falcon Trading",
		"Falcon Trdg LLC",
		"Quantum Shipyards",
		"  ",
		"Falkon General Trading",
	}
	blocks := idx.BuildBlocks(names, nil)

	falconKey := idx.BlockKey("Falcon Trading")
	assert.Len(t, blocks[falconKey], 3)

	total := 0
	for _, members := range blocks {
		total += len(members)
	}
	assert.Equal(t, 4, total, "blank names are dropped")
}

func TestBuildBlocks_Exclusions(t *testing.T) {
	idx := newTestIndex(t)

	names := []string{"Falcon Trading", "Falcon Trdg LLC", "Falcon General"}
	excluded := map[string]struct{}{"Falcon Trdg LLC": {}}

	blocks := idx.BuildBlocks(names, excluded)
	falconKey := idx.BlockKey("Falcon Trading")
	assert.Len(t, blocks[falconKey], 2)
	for _, member := range blocks[falconKey] {
		assert.NotEqual(t, "Falcon Trdg LLC", member)
	}
}

func TestBuildBlocks_Deterministic(t *testing.T) {
	idx := newTestIndex(t)

	names := []string{"Falcon Trading", "Gulf Star", "Falcon Trdg", "Noor Electronics"}
	first := idx.BuildBlocks(names, nil)
	second := idx.BuildBlocks(names, nil)
	assert.Equal(t, first, second)
}
