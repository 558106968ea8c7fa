// Package blocking partitions the customer universe into phonetic buckets
// so that only names likely to match are ever compared pairwise, avoiding
// the full O(n²) comparison.
package blocking

import (
	"strings"

	"github.com/antzucaro/matchr"
	"go.uber.org/zap"

	"github.com/salesboard/dedup/internal/dedup/normalizer"
)

// Index buckets raw names by the Double Metaphone code of the first
// meaningful token of their normalized form. True duplicates are assumed to
// share a phonetically similar first significant word; a duplicate whose
// first word differs entirely (word-order swap) is missed. That costs
// suggestion recall only, never correctness of accepted rules.
type Index struct {
	logger *zap.Logger
	norm   *normalizer.Normalizer
}

// NewIndex builds a blocking index over the given normalizer.
func NewIndex(norm *normalizer.Normalizer, logger *zap.Logger) *Index {
	return &Index{logger: logger, norm: norm}
}

// BuildBlocks groups names into candidate blocks. Blank names and names
// present in excluded (active-rule members, protected customers) are
// dropped before block construction. Within a block, names keep their input
// order.
func (i *Index) BuildBlocks(names []string, excluded map[string]struct{}) map[string][]string {
	blocks := make(map[string][]string)
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		if _, skip := excluded[name]; skip {
			continue
		}
		key := i.BlockKey(name)
		if key == "" {
			continue
		}
		blocks[key] = append(blocks[key], name)
	}

	i.logger.Debug("candidate blocks built",
		zap.Int("names", len(names)),
		zap.Int("excluded", len(excluded)),
		zap.Int("blocks", len(blocks)))
	return blocks
}

// BlockKey returns the bucket key for one raw name: the phonetic code of
// the first token of length > 1 in the normalized form, falling back to the
// first token, then to the token itself when it cannot be encoded.
func (i *Index) BlockKey(name string) string {
	n := i.norm.Normalize(name)
	toks := normalizer.MeaningfulTokens(n)
	var first string
	switch {
	case len(toks) > 0:
		first = toks[0]
	default:
		if all := normalizer.Tokens(n); len(all) > 0 {
			first = all[0]
		} else {
			return ""
		}
	}
	return phoneticKey(first)
}

func phoneticKey(token string) (key string) {
	defer func() {
		if recover() != nil {
			key = token
		}
	}()
	primary, _ := matchr.DoubleMetaphone(token)
	if primary == "" {
		return token
	}
	return primary
}
