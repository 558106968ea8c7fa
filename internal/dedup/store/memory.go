// Package store provides the persistence adapters for the deduplication
// engine: a SQL store backed by GORM, an embedded Badger key-value store,
// and an in-memory store for tests and ephemeral runs.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/salesboard/dedup/internal/dedup"
)

// MemoryStore implements every collaborator contract in memory. Safe for
// concurrent use. Tests seed it directly; ephemeral runs use it when no
// database is configured.
type MemoryStore struct {
	mu          sync.RWMutex
	names       map[string][]string
	stats       map[string][]dedup.CustomerStat
	rules       map[uuid.UUID]dedup.MergeRule
	rejections  map[string]map[string]dedup.RejectedPair
	suggestions map[string][]dedup.Suggestion
	suggSeen    map[string]struct{}
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		names:       make(map[string][]string),
		stats:       make(map[string][]dedup.CustomerStat),
		rules:       make(map[uuid.UUID]dedup.MergeRule),
		rejections:  make(map[string]map[string]dedup.RejectedPair),
		suggestions: make(map[string][]dedup.Suggestion),
		suggSeen:    make(map[string]struct{}),
	}
}

// SeedNames replaces the customer universe served for a division.
func (s *MemoryStore) SeedNames(divisionID string, names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[divisionID] = append([]string(nil), names...)
}

// SeedStatistics replaces the customer statistics served for a division.
func (s *MemoryStore) SeedStatistics(divisionID string, stats ...dedup.CustomerStat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[divisionID] = append([]dedup.CustomerStat(nil), stats...)
}

// ListDistinctCustomerNames implements dedup.CustomerSource.
func (s *MemoryStore) ListDistinctCustomerNames(_ context.Context, divisionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, n := range s.names[divisionID] {
		if strings.TrimSpace(n) == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// GetCustomerStatistics implements dedup.StatisticsSource.
func (s *MemoryStore) GetCustomerStatistics(_ context.Context, divisionID string) ([]dedup.CustomerStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]dedup.CustomerStat(nil), s.stats[divisionID]...), nil
}

// GetActiveRules implements dedup.RuleStore.
func (s *MemoryStore) GetActiveRules(ctx context.Context, divisionID string) ([]dedup.MergeRule, error) {
	rules, err := s.GetRules(ctx, divisionID)
	if err != nil {
		return nil, err
	}
	kept := rules[:0]
	for _, r := range rules {
		if r.Claims() {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

// GetRules implements dedup.RuleStore.
func (s *MemoryStore) GetRules(_ context.Context, divisionID string) ([]dedup.MergeRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []dedup.MergeRule
	for _, r := range s.rules {
		if r.DivisionID != divisionID {
			continue
		}
		r.OriginalCustomers = append([]string(nil), r.OriginalCustomers...)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// SaveRule implements dedup.RuleStore. A zero ID is assigned; an existing
// ID is overwritten last-write-wins.
func (s *MemoryStore) SaveRule(_ context.Context, rule *dedup.MergeRule) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	stored := *rule
	stored.OriginalCustomers = append([]string(nil), rule.OriginalCustomers...)
	s.rules[rule.ID] = stored
	return rule.ID, nil
}

// UpdateRule implements dedup.RuleStore.
func (s *MemoryStore) UpdateRule(_ context.Context, id uuid.UUID, patch dedup.RulePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("rule %s not found", id)
	}
	if patch.CanonicalName != nil {
		rule.CanonicalName = *patch.CanonicalName
	}
	if patch.OriginalCustomers != nil {
		rule.OriginalCustomers = append([]string(nil), patch.OriginalCustomers...)
	}
	if patch.Status != nil {
		rule.Status = *patch.Status
	}
	if patch.LastValidatedAt != nil {
		rule.LastValidatedAt = *patch.LastValidatedAt
	}
	rule.UpdatedAt = time.Now().UTC()
	s.rules[id] = rule
	return nil
}

// DeleteRule implements dedup.RuleStore.
func (s *MemoryStore) DeleteRule(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return fmt.Errorf("rule %s not found", id)
	}
	delete(s.rules, id)
	return nil
}

// GetRejectedPairs implements dedup.RejectionStore.
func (s *MemoryStore) GetRejectedPairs(_ context.Context, divisionID string) ([]dedup.RejectedPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []dedup.RejectedPair
	for _, p := range s.rejections[divisionID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// AddRejectedPair implements dedup.RejectionStore. Adding the same pair
// twice is a no-op.
func (s *MemoryStore) AddRejectedPair(_ context.Context, divisionID string, pair dedup.RejectedPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	norm := dedup.NewRejectedPair(pair.NameA, pair.NameB)
	if s.rejections[divisionID] == nil {
		s.rejections[divisionID] = make(map[string]dedup.RejectedPair)
	}
	s.rejections[divisionID][norm.Key()] = norm
	return nil
}

// AppendSuggestions implements dedup.SuggestionStore. The write is
// all-or-none and idempotent on (division, canonical name, member set).
func (s *MemoryStore) AppendSuggestions(_ context.Context, divisionID string, groups []dedup.MergeGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var fresh []dedup.Suggestion
	var freshKeys []string
	for _, g := range groups {
		key := suggestionKey(divisionID, g.SuggestedCanonicalName, g.MemberSetHash())
		if _, dup := s.suggSeen[key]; dup {
			continue
		}
		members := append([]string(nil), g.Members...)
		sort.Strings(members)
		fresh = append(fresh, dedup.Suggestion{
			ID:             uuid.New(),
			DivisionID:     divisionID,
			CanonicalName:  g.SuggestedCanonicalName,
			Members:        members,
			Confidence:     g.Confidence,
			HighConfidence: g.HighConfidence,
			MemberHash:     g.MemberSetHash(),
			CreatedAt:      now,
		})
		freshKeys = append(freshKeys, key)
	}

	s.suggestions[divisionID] = append(s.suggestions[divisionID], fresh...)
	for _, key := range freshKeys {
		s.suggSeen[key] = struct{}{}
	}
	return nil
}

// ListSuggestions implements dedup.SuggestionStore.
func (s *MemoryStore) ListSuggestions(_ context.Context, divisionID string) ([]dedup.Suggestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]dedup.Suggestion, len(s.suggestions[divisionID]))
	copy(out, s.suggestions[divisionID])
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CanonicalName < out[j].CanonicalName
	})
	return out, nil
}

func suggestionKey(divisionID, canonical, memberHash string) string {
	return divisionID + "\x00" + canonical + "\x00" + memberHash
}
