package dedup

import (
	"fmt"
	"math"
	"runtime"
	"time"
)

// weightSumTolerance is how far the seven signal weights may drift from 1.0
// before the configuration is rejected.
const weightSumTolerance = 0.001

// maxCoreBrandBoost caps the multiplicative reward for strong brand-identity
// agreement so that it can nudge a score, never carry it across a threshold
// on its own.
const maxCoreBrandBoost = 1.08

// SignalWeights are the relative contributions of the seven similarity
// signals. They must sum to 1.0 within weightSumTolerance.
type SignalWeights struct {
	Levenshtein    float64 `mapstructure:"levenshtein" yaml:"levenshtein" json:"levenshtein"`
	JaroWinkler    float64 `mapstructure:"jaro_winkler" yaml:"jaro_winkler" json:"jaro_winkler"`
	TokenSet       float64 `mapstructure:"token_set" yaml:"token_set" json:"token_set"`
	SuffixStripped float64 `mapstructure:"suffix_stripped" yaml:"suffix_stripped" json:"suffix_stripped"`
	NGramPrefix    float64 `mapstructure:"ngram_prefix" yaml:"ngram_prefix" json:"ngram_prefix"`
	CoreBrand      float64 `mapstructure:"core_brand" yaml:"core_brand" json:"core_brand"`
	Phonetic       float64 `mapstructure:"phonetic" yaml:"phonetic" json:"phonetic"`
}

// Sum returns the total of all seven weights.
func (w SignalWeights) Sum() float64 {
	return w.Levenshtein + w.JaroWinkler + w.TokenSet + w.SuffixStripped +
		w.NGramPrefix + w.CoreBrand + w.Phonetic
}

// BusinessRules protect customers from automatic merging regardless of
// similarity score. High-value accounts and accounts created very recently
// are the riskiest to fold into a noisy cluster.
type BusinessRules struct {
	ProtectHighValueCustomers bool    `mapstructure:"protect_high_value_customers" yaml:"protect_high_value_customers" json:"protect_high_value_customers"`
	HighValueThreshold        float64 `mapstructure:"high_value_threshold" yaml:"high_value_threshold" json:"high_value_threshold"`
	ProtectRecentCustomers    bool    `mapstructure:"protect_recent_customers" yaml:"protect_recent_customers" json:"protect_recent_customers"`
	RecentDaysThreshold       int     `mapstructure:"recent_days_threshold" yaml:"recent_days_threshold" json:"recent_days_threshold"`
}

// Config is the engine configuration. It is validated once at scan start and
// treated as immutable from then on; the scanner works from a by-value copy
// so a reloaded application config never mutates a running scan.
//
// The default thresholds and weights are empirically tuned values, not
// derived constants. Treat them as a starting point to validate against
// labeled data, not as a correctness requirement.
type Config struct {
	// MinConfidenceThreshold is both the pairwise edge threshold and the
	// minimum mean confidence a group must reach to be suggested.
	MinConfidenceThreshold float64 `mapstructure:"min_confidence_threshold" yaml:"min_confidence_threshold" json:"min_confidence_threshold"`
	// HighConfidenceThreshold labels groups for operator triage; it does not
	// gate suggestion.
	HighConfidenceThreshold float64 `mapstructure:"high_confidence_threshold" yaml:"high_confidence_threshold" json:"high_confidence_threshold"`
	// ReplacementThreshold is the minimum score for proposing an unclaimed
	// name as the replacement of a vanished rule member.
	ReplacementThreshold float64 `mapstructure:"replacement_threshold" yaml:"replacement_threshold" json:"replacement_threshold"`
	// MaxGroupSize flags larger connected components as probable noise
	// (a shared generic brand word) instead of auto-suggesting them.
	MaxGroupSize int `mapstructure:"max_group_size" yaml:"max_group_size" json:"max_group_size"`

	Weights SignalWeights `mapstructure:"weights" yaml:"weights" json:"weights"`
	// CoreBrandBoost multiplies the composite score when the core-brand
	// signal is >= 0.90. Range [1.0, 1.08]; the result is capped at 1.0.
	CoreBrandBoost float64 `mapstructure:"core_brand_boost" yaml:"core_brand_boost" json:"core_brand_boost"`

	// StripLocationKeywords removes known location words during
	// normalization. Off by default: branches in different cities can be
	// legitimately distinct customers.
	StripLocationKeywords bool `mapstructure:"strip_location_keywords" yaml:"strip_location_keywords" json:"strip_location_keywords"`
	// ExtraAbbreviations is merged over the built-in expansion table.
	ExtraAbbreviations map[string]string `mapstructure:"extra_abbreviations" yaml:"extra_abbreviations" json:"extra_abbreviations,omitempty"`

	// CacheSize bounds the similarity result cache (entries). Eviction
	// affects performance only, never correctness.
	CacheSize int `mapstructure:"cache_size" yaml:"cache_size" json:"cache_size"`
	// Workers is the pairwise scoring pool width.
	Workers int `mapstructure:"workers" yaml:"workers" json:"workers"`
	// ProgressInterval throttles progress events by elapsed time.
	ProgressInterval time.Duration `mapstructure:"progress_interval" yaml:"progress_interval" json:"progress_interval"`

	BusinessRules BusinessRules `mapstructure:"business_rules" yaml:"business_rules" json:"business_rules"`
}

// DefaultConfig returns the built-in defaults used when no configuration
// source is available.
func DefaultConfig() Config {
	return Config{
		MinConfidenceThreshold:  0.65,
		HighConfidenceThreshold: 0.85,
		ReplacementThreshold:    0.70,
		MaxGroupSize:            5,
		Weights: SignalWeights{
			Levenshtein:    0.10,
			JaroWinkler:    0.10,
			TokenSet:       0.15,
			SuffixStripped: 0.08,
			NGramPrefix:    0.23,
			CoreBrand:      0.22,
			Phonetic:       0.12,
		},
		CoreBrandBoost:        maxCoreBrandBoost,
		StripLocationKeywords: false,
		CacheSize:             50000,
		Workers:               runtime.NumCPU(),
		ProgressInterval:      200 * time.Millisecond,
		BusinessRules: BusinessRules{
			ProtectHighValueCustomers: true,
			HighValueThreshold:        100000,
			ProtectRecentCustomers:    true,
			RecentDaysThreshold:       30,
		},
	}
}

// Validate checks the configuration and returns a *ConfigError on the first
// violation. It must pass before any scan work starts.
func (c Config) Validate() error {
	if c.MinConfidenceThreshold < 0 || c.MinConfidenceThreshold > 1 {
		return &ConfigError{Field: "min_confidence_threshold", Reason: fmt.Sprintf("must be in [0,1], got %v", c.MinConfidenceThreshold)}
	}
	if c.HighConfidenceThreshold < 0 || c.HighConfidenceThreshold > 1 {
		return &ConfigError{Field: "high_confidence_threshold", Reason: fmt.Sprintf("must be in [0,1], got %v", c.HighConfidenceThreshold)}
	}
	if c.ReplacementThreshold < 0 || c.ReplacementThreshold > 1 {
		return &ConfigError{Field: "replacement_threshold", Reason: fmt.Sprintf("must be in [0,1], got %v", c.ReplacementThreshold)}
	}
	if sum := c.Weights.Sum(); math.Abs(sum-1.0) > weightSumTolerance {
		return &ConfigError{Field: "weights", Reason: fmt.Sprintf("must sum to 1.0 (±%v), got %.4f", weightSumTolerance, sum)}
	}
	for name, w := range map[string]float64{
		"levenshtein":     c.Weights.Levenshtein,
		"jaro_winkler":    c.Weights.JaroWinkler,
		"token_set":       c.Weights.TokenSet,
		"suffix_stripped": c.Weights.SuffixStripped,
		"ngram_prefix":    c.Weights.NGramPrefix,
		"core_brand":      c.Weights.CoreBrand,
		"phonetic":        c.Weights.Phonetic,
	} {
		if w < 0 {
			return &ConfigError{Field: "weights." + name, Reason: fmt.Sprintf("must be >= 0, got %v", w)}
		}
	}
	if c.CoreBrandBoost < 1.0 || c.CoreBrandBoost > maxCoreBrandBoost {
		return &ConfigError{Field: "core_brand_boost", Reason: fmt.Sprintf("must be in [1.0, %v], got %v", maxCoreBrandBoost, c.CoreBrandBoost)}
	}
	if c.MaxGroupSize < 2 {
		return &ConfigError{Field: "max_group_size", Reason: fmt.Sprintf("must be >= 2, got %d", c.MaxGroupSize)}
	}
	if c.CacheSize < 1 {
		return &ConfigError{Field: "cache_size", Reason: fmt.Sprintf("must be >= 1, got %d", c.CacheSize)}
	}
	if c.Workers < 1 {
		return &ConfigError{Field: "workers", Reason: fmt.Sprintf("must be >= 1, got %d", c.Workers)}
	}
	if c.ProgressInterval <= 0 {
		return &ConfigError{Field: "progress_interval", Reason: fmt.Sprintf("must be > 0, got %v", c.ProgressInterval)}
	}
	if c.BusinessRules.ProtectHighValueCustomers && c.BusinessRules.HighValueThreshold < 0 {
		return &ConfigError{Field: "business_rules.high_value_threshold", Reason: fmt.Sprintf("must be >= 0, got %v", c.BusinessRules.HighValueThreshold)}
	}
	if c.BusinessRules.ProtectRecentCustomers && c.BusinessRules.RecentDaysThreshold < 0 {
		return &ConfigError{Field: "business_rules.recent_days_threshold", Reason: fmt.Sprintf("must be >= 0, got %d", c.BusinessRules.RecentDaysThreshold)}
	}
	return nil
}
