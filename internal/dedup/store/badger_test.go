package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/salesboard/dedup/internal/dedup"
)

type BadgerStoreSuite struct {
	suite.Suite
	logger *zap.Logger
	store  *BadgerStore
}

func (s *BadgerStoreSuite) SetupTest() {
	s.logger = zaptest.NewLogger(s.T())
	store, err := NewBadgerStore("", s.logger)
	s.Require().NoError(err)
	s.store = store
}

func (s *BadgerStoreSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func TestBadgerStoreSuite(t *testing.T) {
	suite.Run(t, new(BadgerStoreSuite))
}

func (s *BadgerStoreSuite) TestRuleLifecycle() {
	ctx := context.Background()
	rule := &dedup.MergeRule{
		DivisionID:        "north",
		CanonicalName:     "Falcon Trading",
		OriginalCustomers: []string{"Falcon Trading", "Falcon Trading LLC"},
		Status:            dedup.RuleStatusActive,
	}

	id, err := s.store.SaveRule(ctx, rule)
	s.Require().NoError(err)
	s.NotEqual(uuid.Nil, id)

	rules, err := s.store.GetRules(ctx, "north")
	s.Require().NoError(err)
	s.Require().Len(rules, 1)
	s.Equal(id, rules[0].ID)
	s.Equal("Falcon Trading", rules[0].CanonicalName)
	s.Equal([]string{"Falcon Trading", "Falcon Trading LLC"}, rules[0].OriginalCustomers)
	s.False(rules[0].CreatedAt.IsZero())

	orphaned := dedup.RuleStatusOrphaned
	err = s.store.UpdateRule(ctx, id, dedup.RulePatch{
		Status:            &orphaned,
		OriginalCustomers: []string{"Falcon Trading"},
	})
	s.Require().NoError(err)

	active, err := s.store.GetActiveRules(ctx, "north")
	s.Require().NoError(err)
	s.Empty(active)

	rules, err = s.store.GetRules(ctx, "north")
	s.Require().NoError(err)
	s.Require().Len(rules, 1)
	s.Equal(dedup.RuleStatusOrphaned, rules[0].Status)
	s.Equal([]string{"Falcon Trading"}, rules[0].OriginalCustomers)

	s.Require().NoError(s.store.DeleteRule(ctx, id))
	rules, err = s.store.GetRules(ctx, "north")
	s.Require().NoError(err)
	s.Empty(rules)
}

func (s *BadgerStoreSuite) TestRulesScopedByDivision() {
	ctx := context.Background()
	_, err := s.store.SaveRule(ctx, &dedup.MergeRule{
		DivisionID:        "north",
		CanonicalName:     "Falcon Trading",
		OriginalCustomers: []string{"Falcon Trading", "Falcon Trdg"},
		Status:            dedup.RuleStatusActive,
	})
	s.Require().NoError(err)

	rules, err := s.store.GetRules(ctx, "south")
	s.Require().NoError(err)
	s.Empty(rules)
}

func (s *BadgerStoreSuite) TestUpdateAndDeleteMissingRule() {
	ctx := context.Background()
	missing := uuid.New()

	err := s.store.UpdateRule(ctx, missing, dedup.RulePatch{})
	s.Require().Error(err)
	s.Contains(err.Error(), missing.String())

	err = s.store.DeleteRule(ctx, missing)
	s.Require().Error(err)
	s.Contains(err.Error(), missing.String())
}

func (s *BadgerStoreSuite) TestNeedsUpdateRuleStillClaims() {
	ctx := context.Background()
	needsUpdate := dedup.RuleStatusNeedsUpdate
	id, err := s.store.SaveRule(ctx, &dedup.MergeRule{
		DivisionID:        "north",
		CanonicalName:     "Acme",
		OriginalCustomers: []string{"Acme LLC", "Acme Inc"},
		Status:            dedup.RuleStatusActive,
	})
	s.Require().NoError(err)
	s.Require().NoError(s.store.UpdateRule(ctx, id, dedup.RulePatch{Status: &needsUpdate}))

	active, err := s.store.GetActiveRules(ctx, "north")
	s.Require().NoError(err)
	s.Require().Len(active, 1)
	s.Equal(dedup.RuleStatusNeedsUpdate, active[0].Status)
}

func (s *BadgerStoreSuite) TestRejectedPairsNormalizedAndIdempotent() {
	ctx := context.Background()

	err := s.store.AddRejectedPair(ctx, "north", dedup.RejectedPair{NameA: "Zenith Marine", NameB: "Acme LLC"})
	s.Require().NoError(err)
	err = s.store.AddRejectedPair(ctx, "north", dedup.RejectedPair{NameA: "Acme LLC", NameB: "Zenith Marine"})
	s.Require().NoError(err)

	pairs, err := s.store.GetRejectedPairs(ctx, "north")
	s.Require().NoError(err)
	s.Require().Len(pairs, 1)
	s.Equal("Acme LLC", pairs[0].NameA)
	s.Equal("Zenith Marine", pairs[0].NameB)
}

func (s *BadgerStoreSuite) TestAppendSuggestionsIdempotent() {
	ctx := context.Background()
	groups := []dedup.MergeGroup{
		{
			Members:                []string{"Falcon Trading", "Falcon Trading LLC"},
			SuggestedCanonicalName: "Falcon Trading",
			Confidence:             0.91,
			HighConfidence:         true,
		},
		{
			Members:                []string{"Acme LLC", "Acme L.L.C"},
			SuggestedCanonicalName: "Acme LLC",
			Confidence:             0.72,
		},
	}

	s.Require().NoError(s.store.AppendSuggestions(ctx, "north", groups))
	s.Require().NoError(s.store.AppendSuggestions(ctx, "north", groups))

	got, err := s.store.ListSuggestions(ctx, "north")
	s.Require().NoError(err)
	s.Require().Len(got, 2)

	byCanonical := make(map[string]dedup.Suggestion, len(got))
	for _, sg := range got {
		byCanonical[sg.CanonicalName] = sg
	}
	falcon := byCanonical["Falcon Trading"]
	s.Equal([]string{"Falcon Trading", "Falcon Trading LLC"}, falcon.Members)
	s.Equal(groups[0].MemberSetHash(), falcon.MemberHash)
	s.True(falcon.HighConfidence)
	s.InDelta(0.91, falcon.Confidence, 1e-9)
	s.WithinDuration(time.Now().UTC(), falcon.CreatedAt, time.Minute)
}

func (s *BadgerStoreSuite) TestSuggestionsSurviveReopen() {
	ctx := context.Background()
	dir := s.T().TempDir()

	persisted, err := NewBadgerStore(dir, s.logger)
	s.Require().NoError(err)
	groups := []dedup.MergeGroup{{
		Members:                []string{"Falcon Trading", "Falcon Trading LLC"},
		SuggestedCanonicalName: "Falcon Trading",
		Confidence:             0.91,
	}}
	s.Require().NoError(persisted.AppendSuggestions(ctx, "north", groups))
	s.Require().NoError(persisted.Close())

	reopened, err := NewBadgerStore(dir, s.logger)
	s.Require().NoError(err)
	defer func() { s.Require().NoError(reopened.Close()) }()

	s.Require().NoError(reopened.AppendSuggestions(ctx, "north", groups))
	got, err := reopened.ListSuggestions(ctx, "north")
	s.Require().NoError(err)
	s.Len(got, 1)
}
