package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/salesboard/dedup/internal/dedup"
)

// CustomerRecord is one transactional sales row. The scanner derives the
// customer universe and the per-customer statistics from these rows.
type CustomerRecord struct {
	ID           uint            `gorm:"primaryKey;autoIncrement"`
	DivisionID   string          `gorm:"column:division_id;size:64;index:idx_customer_division"`
	CustomerName string          `gorm:"column:customer_name;size:512"`
	TotalSales   decimal.Decimal `gorm:"column:total_sales;type:decimal(18,2)"`
	CreatedAt    time.Time       `gorm:"column:created_at"`
}

func (CustomerRecord) TableName() string { return "customer_records" }

// MergeRuleRecord is the persisted form of a dedup.MergeRule. The member
// list is stored as a JSON array.
type MergeRuleRecord struct {
	ID              uuid.UUID `gorm:"primaryKey;type:uuid"`
	DivisionID      string    `gorm:"column:division_id;size:64;index"`
	CanonicalName   string    `gorm:"column:canonical_name;size:512"`
	Originals       string    `gorm:"column:originals;type:text"`
	Status          string    `gorm:"column:status;size:32;index"`
	LastValidatedAt time.Time `gorm:"column:last_validated_at"`
	CreatedAt       time.Time `gorm:"column:created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at"`
}

func (MergeRuleRecord) TableName() string { return "merge_rules" }

// MergeSuggestionRecord is a persisted scan suggestion. The unique index
// over (division, canonical name, member hash) makes appends idempotent.
type MergeSuggestionRecord struct {
	ID             uuid.UUID `gorm:"primaryKey;type:uuid"`
	DivisionID     string    `gorm:"column:division_id;size:64;uniqueIndex:idx_suggestion_identity"`
	CanonicalName  string    `gorm:"column:canonical_name;size:512;uniqueIndex:idx_suggestion_identity"`
	MemberHash     string    `gorm:"column:member_hash;size:64;uniqueIndex:idx_suggestion_identity"`
	Members        string    `gorm:"column:members;type:text"`
	Confidence     float64   `gorm:"column:confidence"`
	HighConfidence bool      `gorm:"column:high_confidence"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (MergeSuggestionRecord) TableName() string { return "merge_suggestions" }

// RejectedPairRecord stores one reviewer rejection, always with
// name_a <= name_b so the unique index catches both argument orders.
type RejectedPairRecord struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	DivisionID string    `gorm:"column:division_id;size:64;uniqueIndex:idx_rejected_identity"`
	NameA      string    `gorm:"column:name_a;size:512;uniqueIndex:idx_rejected_identity"`
	NameB      string    `gorm:"column:name_b;size:512;uniqueIndex:idx_rejected_identity"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (RejectedPairRecord) TableName() string { return "rejected_pairs" }

// GormStore implements every collaborator contract over a SQL database:
// Postgres in production, SQLite in tests. Concurrent rule updates resolve
// last-write-wins; the store never raises ErrPersistenceConflict.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore wraps an open gorm.DB.
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	return &GormStore{db: db, logger: logger}
}

// AutoMigrate creates or updates the four tables.
func (s *GormStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(
		&CustomerRecord{},
		&MergeRuleRecord{},
		&MergeSuggestionRecord{},
		&RejectedPairRecord{},
	); err != nil {
		return fmt.Errorf("failed to migrate dedup schema: %w", err)
	}
	return nil
}

// ListDistinctCustomerNames implements dedup.CustomerSource. Blank and
// whitespace-only names are excluded at the source.
func (s *GormStore) ListDistinctCustomerNames(ctx context.Context, divisionID string) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).
		Model(&CustomerRecord{}).
		Distinct("customer_name").
		Where("division_id = ? AND TRIM(customer_name) <> ''", divisionID).
		Order("customer_name").
		Pluck("customer_name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list customer names: %w", err)
	}
	return names, nil
}

// GetCustomerStatistics implements dedup.StatisticsSource: lifetime sales
// total and first-seen time per customer name.
func (s *GormStore) GetCustomerStatistics(ctx context.Context, divisionID string) ([]dedup.CustomerStat, error) {
	var rows []CustomerRecord
	err := s.db.WithContext(ctx).
		Model(&CustomerRecord{}).
		Select("customer_name, SUM(total_sales) AS total_sales, MIN(created_at) AS created_at").
		Where("division_id = ? AND TRIM(customer_name) <> ''", divisionID).
		Group("customer_name").
		Order("customer_name").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate customer statistics: %w", err)
	}

	stats := make([]dedup.CustomerStat, len(rows))
	for i, row := range rows {
		stats[i] = dedup.CustomerStat{
			CustomerName: row.CustomerName,
			TotalSales:   row.TotalSales,
			CreatedAt:    row.CreatedAt,
		}
	}
	return stats, nil
}

// GetActiveRules implements dedup.RuleStore.
func (s *GormStore) GetActiveRules(ctx context.Context, divisionID string) ([]dedup.MergeRule, error) {
	return s.queryRules(ctx, divisionID, true)
}

// GetRules implements dedup.RuleStore.
func (s *GormStore) GetRules(ctx context.Context, divisionID string) ([]dedup.MergeRule, error) {
	return s.queryRules(ctx, divisionID, false)
}

func (s *GormStore) queryRules(ctx context.Context, divisionID string, claimingOnly bool) ([]dedup.MergeRule, error) {
	q := s.db.WithContext(ctx).Where("division_id = ?", divisionID)
	if claimingOnly {
		q = q.Where("status IN ?", []string{
			string(dedup.RuleStatusActive),
			string(dedup.RuleStatusNeedsUpdate),
		})
	}

	var records []MergeRuleRecord
	if err := q.Order("created_at, id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query merge rules: %w", err)
	}

	rules := make([]dedup.MergeRule, 0, len(records))
	for _, rec := range records {
		rule, err := rec.toRule()
		if err != nil {
			s.logger.Error("skipping undecodable merge rule",
				zap.String("rule_id", rec.ID.String()),
				zap.Error(err))
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// SaveRule implements dedup.RuleStore.
func (s *GormStore) SaveRule(ctx context.Context, rule *dedup.MergeRule) (uuid.UUID, error) {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	rec, err := newRuleRecord(rule)
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return uuid.Nil, fmt.Errorf("failed to create merge rule: %w", err)
	}
	return rule.ID, nil
}

// UpdateRule implements dedup.RuleStore. Updates resolve last-write-wins at
// row granularity.
func (s *GormStore) UpdateRule(ctx context.Context, id uuid.UUID, patch dedup.RulePatch) error {
	updates := map[string]interface{}{"updated_at": time.Now().UTC()}
	if patch.CanonicalName != nil {
		updates["canonical_name"] = *patch.CanonicalName
	}
	if patch.OriginalCustomers != nil {
		encoded, err := json.Marshal(patch.OriginalCustomers)
		if err != nil {
			return fmt.Errorf("failed to encode rule members: %w", err)
		}
		updates["originals"] = string(encoded)
	}
	if patch.Status != nil {
		updates["status"] = string(*patch.Status)
	}
	if patch.LastValidatedAt != nil {
		updates["last_validated_at"] = *patch.LastValidatedAt
	}

	result := s.db.WithContext(ctx).
		Model(&MergeRuleRecord{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update merge rule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("merge rule %s: %w", id, gorm.ErrRecordNotFound)
	}
	return nil
}

// DeleteRule implements dedup.RuleStore.
func (s *GormStore) DeleteRule(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&MergeRuleRecord{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete merge rule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("merge rule %s: %w", id, gorm.ErrRecordNotFound)
	}
	return nil
}

// GetRejectedPairs implements dedup.RejectionStore.
func (s *GormStore) GetRejectedPairs(ctx context.Context, divisionID string) ([]dedup.RejectedPair, error) {
	var records []RejectedPairRecord
	err := s.db.WithContext(ctx).
		Where("division_id = ?", divisionID).
		Order("name_a, name_b").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query rejected pairs: %w", err)
	}

	pairs := make([]dedup.RejectedPair, len(records))
	for i, rec := range records {
		pairs[i] = dedup.RejectedPair{NameA: rec.NameA, NameB: rec.NameB}
	}
	return pairs, nil
}

// AddRejectedPair implements dedup.RejectionStore. Adding a pair that is
// already recorded, in either order, is a no-op.
func (s *GormStore) AddRejectedPair(ctx context.Context, divisionID string, pair dedup.RejectedPair) error {
	norm := dedup.NewRejectedPair(pair.NameA, pair.NameB)
	rec := RejectedPairRecord{
		DivisionID: divisionID,
		NameA:      norm.NameA,
		NameB:      norm.NameB,
		CreatedAt:  time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to record rejected pair: %w", err)
	}
	return nil
}

// AppendSuggestions implements dedup.SuggestionStore. The write is wrapped
// in one transaction: either every group is persisted or none is. Groups
// whose (division, canonical name, member set) already exists are skipped
// by the unique index.
func (s *GormStore) AppendSuggestions(ctx context.Context, divisionID string, groups []dedup.MergeGroup) error {
	if len(groups) == 0 {
		return nil
	}
	now := time.Now().UTC()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, g := range groups {
			rec, err := newSuggestionRecord(divisionID, g, now)
			if err != nil {
				return err
			}
			err = tx.Clauses(clause.OnConflict{DoNothing: true}).Create(rec).Error
			if err != nil {
				return fmt.Errorf("failed to insert suggestion: %w", err)
			}
		}
		return nil
	})
}

// ListSuggestions implements dedup.SuggestionStore.
func (s *GormStore) ListSuggestions(ctx context.Context, divisionID string) ([]dedup.Suggestion, error) {
	var records []MergeSuggestionRecord
	err := s.db.WithContext(ctx).
		Where("division_id = ?", divisionID).
		Order("created_at, canonical_name").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query suggestions: %w", err)
	}

	suggestions := make([]dedup.Suggestion, 0, len(records))
	for _, rec := range records {
		var members []string
		if err := json.Unmarshal([]byte(rec.Members), &members); err != nil {
			s.logger.Error("skipping undecodable suggestion",
				zap.String("suggestion_id", rec.ID.String()),
				zap.Error(err))
			continue
		}
		suggestions = append(suggestions, dedup.Suggestion{
			ID:             rec.ID,
			DivisionID:     rec.DivisionID,
			CanonicalName:  rec.CanonicalName,
			Members:        members,
			Confidence:     rec.Confidence,
			HighConfidence: rec.HighConfidence,
			MemberHash:     rec.MemberHash,
			CreatedAt:      rec.CreatedAt,
		})
	}
	return suggestions, nil
}

func newRuleRecord(rule *dedup.MergeRule) (*MergeRuleRecord, error) {
	encoded, err := json.Marshal(rule.OriginalCustomers)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rule members: %w", err)
	}
	return &MergeRuleRecord{
		ID:              rule.ID,
		DivisionID:      rule.DivisionID,
		CanonicalName:   rule.CanonicalName,
		Originals:       string(encoded),
		Status:          string(rule.Status),
		LastValidatedAt: rule.LastValidatedAt,
		CreatedAt:       rule.CreatedAt,
		UpdatedAt:       rule.UpdatedAt,
	}, nil
}

func (r MergeRuleRecord) toRule() (dedup.MergeRule, error) {
	var originals []string
	if err := json.Unmarshal([]byte(r.Originals), &originals); err != nil {
		return dedup.MergeRule{}, fmt.Errorf("failed to decode rule members: %w", err)
	}
	return dedup.MergeRule{
		ID:                r.ID,
		DivisionID:        r.DivisionID,
		CanonicalName:     r.CanonicalName,
		OriginalCustomers: originals,
		Status:            dedup.RuleStatus(r.Status),
		LastValidatedAt:   r.LastValidatedAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}, nil
}

func newSuggestionRecord(divisionID string, g dedup.MergeGroup, now time.Time) (*MergeSuggestionRecord, error) {
	encoded, err := json.Marshal(g.Members)
	if err != nil {
		return nil, fmt.Errorf("failed to encode suggestion members: %w", err)
	}
	return &MergeSuggestionRecord{
		ID:             uuid.New(),
		DivisionID:     divisionID,
		CanonicalName:  g.SuggestedCanonicalName,
		MemberHash:     g.MemberSetHash(),
		Members:        string(encoded),
		Confidence:     g.Confidence,
		HighConfidence: g.HighConfidence,
		CreatedAt:      now,
	}, nil
}

// IsNotFound reports whether err is the store's row-missing condition.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
