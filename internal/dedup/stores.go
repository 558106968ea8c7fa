package dedup

import (
	"context"

	"github.com/google/uuid"
)

// CustomerSource supplies the live customer-name universe for a division.
type CustomerSource interface {
	// ListDistinctCustomerNames returns the distinct, non-blank customer
	// names of the division. NULL and whitespace-only names are excluded at
	// the source.
	ListDistinctCustomerNames(ctx context.Context, divisionID string) ([]string, error)
}

// StatisticsSource supplies per-customer sales totals and first-seen times,
// the input to business-rule protection. Deployments without statistics may
// leave it nil; protection is then skipped.
type StatisticsSource interface {
	GetCustomerStatistics(ctx context.Context, divisionID string) ([]CustomerStat, error)
}

// RuleStore persists merge rules.
type RuleStore interface {
	// GetActiveRules returns the rules whose members are currently claimed:
	// status Active or NeedsUpdate. Orphaned rules claim nothing.
	GetActiveRules(ctx context.Context, divisionID string) ([]MergeRule, error)
	// GetRules returns every rule of the division regardless of status.
	GetRules(ctx context.Context, divisionID string) ([]MergeRule, error)
	// SaveRule persists a new rule and returns its assigned ID.
	SaveRule(ctx context.Context, rule *MergeRule) (uuid.UUID, error)
	// UpdateRule applies a partial update. Concurrent updates resolve
	// last-write-wins; stores may report ErrPersistenceConflict, which
	// callers treat as a warning.
	UpdateRule(ctx context.Context, id uuid.UUID, patch RulePatch) error
	DeleteRule(ctx context.Context, id uuid.UUID) error
}

// RejectionStore records reviewer feedback: pairs declared NOT duplicates.
// May be unimplemented (empty) in a minimal deployment.
type RejectionStore interface {
	GetRejectedPairs(ctx context.Context, divisionID string) ([]RejectedPair, error)
	AddRejectedPair(ctx context.Context, divisionID string, pair RejectedPair) error
}

// SuggestionStore persists scan output for operator review.
type SuggestionStore interface {
	// AppendSuggestions writes all groups transactionally: either every
	// group is persisted or none is. A group whose (division, canonical
	// name, member set) already exists is skipped, not an error, so repeated
	// scans are idempotent.
	AppendSuggestions(ctx context.Context, divisionID string, groups []MergeGroup) error
	ListSuggestions(ctx context.Context, divisionID string) ([]Suggestion, error)
}
