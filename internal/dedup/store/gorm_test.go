package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/salesboard/dedup/internal/dedup"
)

type GormStoreSuite struct {
	suite.Suite
	db    *gorm.DB
	store *GormStore
}

func (s *GormStoreSuite) SetupTest() {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	s.Require().NoError(err)

	// A single connection keeps every query on the same in-memory database.
	sqlDB, err := db.DB()
	s.Require().NoError(err)
	sqlDB.SetMaxOpenConns(1)

	s.db = db
	s.store = NewGormStore(db, zaptest.NewLogger(s.T()))
	s.Require().NoError(s.store.AutoMigrate())
}

func TestGormStoreSuite(t *testing.T) {
	suite.Run(t, new(GormStoreSuite))
}

func (s *GormStoreSuite) seedCustomer(division, name string, total float64, createdAt time.Time) {
	rec := CustomerRecord{
		DivisionID:   division,
		CustomerName: name,
		TotalSales:   decimal.NewFromFloat(total),
		CreatedAt:    createdAt,
	}
	s.Require().NoError(s.db.Create(&rec).Error)
}

func (s *GormStoreSuite) TestListDistinctCustomerNames() {
	now := time.Now().UTC()
	s.seedCustomer("north", "Falcon Trading", 1200, now)
	s.seedCustomer("north", "Falcon Trading", 800, now)
	s.seedCustomer("north", "Acme LLC", 500, now)
	s.seedCustomer("north", "   ", 10, now)
	s.seedCustomer("south", "Zenith Marine", 900, now)

	names, err := s.store.ListDistinctCustomerNames(context.Background(), "north")
	s.Require().NoError(err)
	s.Equal([]string{"Acme LLC", "Falcon Trading"}, names)
}

func (s *GormStoreSuite) TestCustomerStatisticsAggregation() {
	first := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	later := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	s.seedCustomer("north", "Falcon Trading", 150000, later)
	s.seedCustomer("north", "Falcon Trading", 120000, first)
	s.seedCustomer("north", "Acme LLC", 500, first)

	stats, err := s.store.GetCustomerStatistics(context.Background(), "north")
	s.Require().NoError(err)
	s.Require().Len(stats, 2)

	byName := make(map[string]dedup.CustomerStat, len(stats))
	for _, st := range stats {
		byName[st.CustomerName] = st
	}

	falcon, ok := byName["Falcon Trading"]
	s.Require().True(ok)
	s.InDelta(270000, falcon.TotalSales.InexactFloat64(), 0.01)
	s.WithinDuration(first, falcon.CreatedAt, time.Second)

	acme, ok := byName["Acme LLC"]
	s.Require().True(ok)
	s.InDelta(500, acme.TotalSales.InexactFloat64(), 0.01)
}

func (s *GormStoreSuite) TestRuleLifecycle() {
	ctx := context.Background()
	rule := &dedup.MergeRule{
		DivisionID:        "north",
		CanonicalName:     "Falcon Trading",
		OriginalCustomers: []string{"Falcon Trading", "Falcon Trading LLC"},
		Status:            dedup.RuleStatusActive,
		LastValidatedAt:   time.Now().UTC(),
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
	s.Equal(dedup.RuleStatusActive, rules[0].Status)
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

func (s *GormStoreSuite) TestActiveRulesIncludeNeedsUpdate() {
	ctx := context.Background()
	for _, st := range []dedup.RuleStatus{
		dedup.RuleStatusActive,
		dedup.RuleStatusNeedsUpdate,
		dedup.RuleStatusOrphaned,
	} {
		rule := &dedup.MergeRule{
			DivisionID:        "north",
			CanonicalName:     "Rule " + string(st),
			OriginalCustomers: []string{"A " + string(st), "B " + string(st)},
			Status:            st,
		}
		_, err := s.store.SaveRule(ctx, rule)
		s.Require().NoError(err)
	}

	active, err := s.store.GetActiveRules(ctx, "north")
	s.Require().NoError(err)
	s.Require().Len(active, 2)
	for _, r := range active {
		s.True(r.Claims())
	}
}

func (s *GormStoreSuite) TestUpdateAndDeleteMissingRule() {
	ctx := context.Background()
	missing := uuid.New()

	err := s.store.UpdateRule(ctx, missing, dedup.RulePatch{})
	s.Require().Error(err)
	s.True(IsNotFound(err))

	err = s.store.DeleteRule(ctx, missing)
	s.Require().Error(err)
	s.True(IsNotFound(err))
}

func (s *GormStoreSuite) TestRejectedPairsNormalizedAndIdempotent() {
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

	other, err := s.store.GetRejectedPairs(ctx, "south")
	s.Require().NoError(err)
	s.Empty(other)
}

func (s *GormStoreSuite) TestAppendSuggestionsIdempotent() {
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
}

func (s *GormStoreSuite) TestAppendSuggestionsMemberOrderIndependent() {
	ctx := context.Background()
	forward := []dedup.MergeGroup{{
		Members:                []string{"Falcon Trading", "Falcon Trading LLC"},
		SuggestedCanonicalName: "Falcon Trading",
		Confidence:             0.91,
	}}
	reversed := []dedup.MergeGroup{{
		Members:                []string{"Falcon Trading LLC", "Falcon Trading"},
		SuggestedCanonicalName: "Falcon Trading",
		Confidence:             0.91,
	}}

	s.Require().NoError(s.store.AppendSuggestions(ctx, "north", forward))
	s.Require().NoError(s.store.AppendSuggestions(ctx, "north", reversed))

	got, err := s.store.ListSuggestions(ctx, "north")
	s.Require().NoError(err)
	s.Len(got, 1)
}

func (s *GormStoreSuite) TestSuggestionsScopedByDivision() {
	ctx := context.Background()
	groups := []dedup.MergeGroup{{
		Members:                []string{"Falcon Trading", "Falcon Trading LLC"},
		SuggestedCanonicalName: "Falcon Trading",
		Confidence:             0.91,
	}}

	s.Require().NoError(s.store.AppendSuggestions(ctx, "north", groups))
	s.Require().NoError(s.store.AppendSuggestions(ctx, "north", nil))

	south, err := s.store.ListSuggestions(ctx, "south")
	s.Require().NoError(err)
	s.Empty(south)
}
