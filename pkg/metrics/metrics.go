package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ScansTotal counts finished scans by division and outcome (ok/error)
var ScansTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dedup_scans_total",
		Help: "Total number of deduplication scans by outcome",
	},
	[]string{"division", "outcome"},
)

// ScanDuration records wall-time distribution of whole scans
var ScanDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "dedup_scan_duration_seconds",
		Help:    "Wall time in seconds to complete one scan",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	},
)

// PairsCompared counts pairwise similarity comparisons across all scans
var PairsCompared = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "dedup_pairs_compared_total",
		Help: "Total number of name pairs scored",
	},
)

// Similarity cache effectiveness
var (
	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dedup_similarity_cache_hits_total",
			Help: "Similarity result cache hits",
		},
	)

	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dedup_similarity_cache_misses_total",
			Help: "Similarity result cache misses",
		},
	)
)

// GroupsFound counts candidate groups by disposition (suggested, oversized,
// below_confidence, rejected_pair)
var GroupsFound = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dedup_groups_total",
		Help: "Candidate merge groups by disposition",
	},
	[]string{"disposition"},
)

// SuggestionsWritten counts merge groups persisted for operator review
var SuggestionsWritten = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "dedup_suggestions_written_total",
		Help: "Total number of merge suggestions persisted",
	},
)

func init() {
	prometheus.MustRegister(ScansTotal, ScanDuration, PairsCompared)
	prometheus.MustRegister(CacheHits, CacheMisses, GroupsFound, SuggestionsWritten)
}
