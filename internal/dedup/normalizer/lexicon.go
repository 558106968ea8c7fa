package normalizer

// legalSuffixes are legal-entity suffix tokens removed during normalization
// (anywhere as whole words) and from the end of canonical-name suggestions.
// Matching happens after punctuation stripping, so "L.L.C" folds to "llc".
var legalSuffixes = map[string]struct{}{
	"llc":  {},
	"ltd":  {},
	"inc":  {},
	"corp": {},
	"co":   {},
	"est":  {},
	"fze":  {},
	"fzc":  {},
	"fzco": {},
	"plc":  {},
}

// descriptorWords are generic business descriptors. They terminate
// core-brand extraction and are dropped from token-set comparison; brand
// identity lives in the words before them.
var descriptorWords = map[string]struct{}{
	"trading":       {},
	"trade":         {},
	"traders":       {},
	"general":       {},
	"international": {},
	"national":      {},
	"global":        {},
	"group":         {},
	"enterprise":    {},
	"enterprises":   {},
	"establishment": {},
	"company":       {},
	"corporation":   {},
	"limited":       {},
	"incorporated":  {},
	"contracting":   {},
	"construction":  {},
	"services":      {},
	"foodstuff":     {},
	"foodstuffs":    {},
	"materials":     {},
	"equipment":     {},
	"industries":    {},
	"industrial":    {},
	"technical":     {},
	"technology":    {},
	"electronics":   {},
	"electrical":    {},
	"transport":     {},
	"logistics":     {},
	"shipping":      {},
	"store":         {},
	"stores":        {},
	"supermarket":   {},
	"hypermarket":   {},
	"restaurant":    {},
	"cafeteria":     {},
	"center":        {},
	"centre":        {},
	"middle":        {},
	"east":          {},
}

// IsLegalSuffix reports whether the (already folded) token is a legal-entity
// suffix.
func IsLegalSuffix(token string) bool {
	_, ok := legalSuffixes[token]
	return ok
}

// IsStopWord reports whether the (already folded) token is a generic
// business descriptor.
func IsStopWord(token string) bool {
	_, ok := descriptorWords[token]
	return ok
}
