// Package rules manages the merge-rule lifecycle: manual creation and
// suggestion acceptance with no-double-counting validation, revalidation
// against a fresh universe snapshot, and replacement proposals for
// originals that vanished from the universe.
package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/salesboard/dedup/internal/dedup"
)

// maxRunnerUps caps the alternates reported alongside the best replacement
// candidate.
const maxRunnerUps = 2

// Scorer supplies pair similarity for replacement scoring.
type Scorer interface {
	Compare(a, b string) dedup.SimilarityResult
}

// Manager drives the merge-rule lifecycle over a RuleStore. It is the one
// write path for rules: every create and patch passes the
// no-double-counting check here before reaching the store.
type Manager struct {
	logger     *zap.Logger
	cfg        dedup.Config
	rules      dedup.RuleStore
	rejections dedup.RejectionStore
	scorer     Scorer
}

// NewManager builds a Manager. cfg must already have passed Validate.
func NewManager(cfg dedup.Config, rules dedup.RuleStore, rejections dedup.RejectionStore, scorer Scorer, logger *zap.Logger) *Manager {
	return &Manager{
		logger:     logger,
		cfg:        cfg,
		rules:      rules,
		rejections: rejections,
		scorer:     scorer,
	}
}

// CreateRule persists a new Active rule after validating it: a non-blank
// canonical name, at least two distinct non-blank members, and no member
// already claimed by another rule. Members keep their raw spelling; only
// the canonical name is trimmed.
func (m *Manager) CreateRule(ctx context.Context, divisionID, canonicalName string, members []string) (dedup.MergeRule, error) {
	canonical := strings.TrimSpace(canonicalName)
	if canonical == "" {
		return dedup.MergeRule{}, &dedup.ValidationError{Reason: "canonical name must not be blank"}
	}
	unique := uniqueNonBlank(members)
	if len(unique) < 2 {
		return dedup.MergeRule{}, &dedup.ValidationError{Reason: "a merge rule needs at least two distinct members"}
	}

	existing, err := m.rules.GetActiveRules(ctx, divisionID)
	if err != nil {
		return dedup.MergeRule{}, dedup.NewDataAccessError("rule_store", "get_active_rules", err)
	}
	claimed := dedup.ClaimedNames(existing)
	for _, name := range unique {
		if owner, ok := claimed[name]; ok {
			return dedup.MergeRule{}, &dedup.ValidationError{
				Reason: fmt.Sprintf("%q already belongs to rule %s", name, owner),
			}
		}
	}

	now := time.Now().UTC()
	rule := dedup.MergeRule{
		DivisionID:        divisionID,
		CanonicalName:     canonical,
		OriginalCustomers: unique,
		Status:            dedup.RuleStatusActive,
		LastValidatedAt:   now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	id, err := m.rules.SaveRule(ctx, &rule)
	if err != nil {
		return dedup.MergeRule{}, dedup.NewDataAccessError("rule_store", "save_rule", err)
	}
	rule.ID = id

	m.logger.Info("merge rule created",
		zap.String("division_id", divisionID),
		zap.String("rule_id", id.String()),
		zap.String("canonical_name", canonical),
		zap.Int("members", len(unique)))
	return rule, nil
}

// AcceptSuggestion turns a reviewed merge group into an Active rule through
// the same validation path as manual creation.
func (m *Manager) AcceptSuggestion(ctx context.Context, divisionID string, group dedup.MergeGroup) (dedup.MergeRule, error) {
	return m.CreateRule(ctx, divisionID, group.SuggestedCanonicalName, group.Members)
}

// RejectPair records reviewer feedback that two names are NOT duplicates.
// The pair is permanently excluded from candidate generation.
func (m *Manager) RejectPair(ctx context.Context, divisionID, a, b string) error {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return &dedup.ValidationError{Reason: "both names of a rejected pair must be non-blank"}
	}
	if a == b {
		return &dedup.ValidationError{Reason: "a name cannot be rejected against itself"}
	}
	pair := dedup.NewRejectedPair(a, b)
	if err := m.rejections.AddRejectedPair(ctx, divisionID, pair); err != nil {
		return dedup.NewDataAccessError("rejection_store", "add_rejected_pair", err)
	}
	m.logger.Info("pair rejected",
		zap.String("division_id", divisionID),
		zap.String("name_a", pair.NameA),
		zap.String("name_b", pair.NameB))
	return nil
}

// UpdateRule applies a partial update after validating that the patch keeps
// the rule well formed and keeps member sets disjoint across claiming
// rules. A persistence conflict resolves last-write-wins and is logged, not
// returned.
func (m *Manager) UpdateRule(ctx context.Context, divisionID string, id uuid.UUID, patch dedup.RulePatch) error {
	if patch.CanonicalName != nil && strings.TrimSpace(*patch.CanonicalName) == "" {
		return &dedup.ValidationError{Reason: "canonical name must not be blank"}
	}
	if patch.Status != nil {
		switch *patch.Status {
		case dedup.RuleStatusActive, dedup.RuleStatusNeedsUpdate, dedup.RuleStatusOrphaned:
		default:
			return &dedup.ValidationError{Reason: fmt.Sprintf("unknown rule status %q", *patch.Status)}
		}
	}
	if patch.OriginalCustomers != nil {
		unique := uniqueNonBlank(patch.OriginalCustomers)
		if len(unique) < 2 {
			return &dedup.ValidationError{Reason: "a merge rule needs at least two distinct members"}
		}
		patch.OriginalCustomers = unique

		existing, err := m.rules.GetActiveRules(ctx, divisionID)
		if err != nil {
			return dedup.NewDataAccessError("rule_store", "get_active_rules", err)
		}
		claimed := dedup.ClaimedNames(existing)
		for _, name := range unique {
			if owner, ok := claimed[name]; ok && owner != id {
				return &dedup.ValidationError{
					Reason: fmt.Sprintf("%q already belongs to rule %s", name, owner),
				}
			}
		}
	}

	err := m.rules.UpdateRule(ctx, id, patch)
	if errors.Is(err, dedup.ErrPersistenceConflict) {
		m.logger.Warn("concurrent rule update, last write wins",
			zap.String("rule_id", id.String()))
		return nil
	}
	if err != nil {
		return dedup.NewDataAccessError("rule_store", "update_rule", err)
	}
	return nil
}

// DeleteRule removes a rule; its members become scannable again on the next
// run.
func (m *Manager) DeleteRule(ctx context.Context, id uuid.UUID) error {
	if err := m.rules.DeleteRule(ctx, id); err != nil {
		return dedup.NewDataAccessError("rule_store", "delete_rule", err)
	}
	m.logger.Info("merge rule deleted", zap.String("rule_id", id.String()))
	return nil
}

// RevalidateRules checks every rule of the division against a fresh
// universe snapshot, persists status transitions with the validation time,
// and proposes replacements for vanished originals. Reports come back in
// store order.
func (m *Manager) RevalidateRules(ctx context.Context, divisionID string, universe []string) ([]dedup.RevalidationReport, error) {
	allRules, err := m.rules.GetRules(ctx, divisionID)
	if err != nil {
		return nil, dedup.NewDataAccessError("rule_store", "get_rules", err)
	}
	if len(allRules) == 0 {
		return nil, nil
	}

	present := make(map[string]struct{}, len(universe))
	for _, name := range universe {
		present[name] = struct{}{}
	}

	// A name attached to any rule, whatever its status, is off limits as a
	// replacement candidate.
	attached := make(map[string]struct{})
	for i := range allRules {
		for _, name := range allRules[i].OriginalCustomers {
			attached[name] = struct{}{}
		}
	}
	var candidates []string
	for _, name := range universe {
		if _, taken := attached[name]; !taken {
			candidates = append(candidates, name)
		}
	}
	sort.Strings(candidates)

	now := time.Now().UTC()
	reports := make([]dedup.RevalidationReport, 0, len(allRules))
	for i := range allRules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rule := &allRules[i]

		var missing []string
		for _, name := range rule.OriginalCustomers {
			if _, ok := present[name]; !ok {
				missing = append(missing, name)
			}
		}

		newStatus := statusFor(len(missing), len(rule.OriginalCustomers))
		report := dedup.RevalidationReport{
			RuleID:       rule.ID,
			OldStatus:    rule.Status,
			NewStatus:    newStatus,
			MissingNames: missing,
		}
		for _, name := range missing {
			if sugg, ok := m.suggestReplacement(name, candidates); ok {
				report.Replacements = append(report.Replacements, sugg)
			}
		}

		patch := dedup.RulePatch{LastValidatedAt: &now}
		if newStatus != rule.Status {
			status := newStatus
			patch.Status = &status
		}
		if err := m.rules.UpdateRule(ctx, rule.ID, patch); err != nil {
			if errors.Is(err, dedup.ErrPersistenceConflict) {
				m.logger.Warn("concurrent rule update during revalidation, last write wins",
					zap.String("rule_id", rule.ID.String()))
			} else {
				return nil, dedup.NewDataAccessError("rule_store", "update_rule", err)
			}
		}

		if newStatus != rule.Status {
			m.logger.Info("rule status changed",
				zap.String("division_id", divisionID),
				zap.String("rule_id", rule.ID.String()),
				zap.String("from", string(rule.Status)),
				zap.String("to", string(newStatus)),
				zap.Int("missing", len(missing)))
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func statusFor(missing, total int) dedup.RuleStatus {
	switch {
	case missing == 0:
		return dedup.RuleStatusActive
	case missing == total:
		return dedup.RuleStatusOrphaned
	default:
		return dedup.RuleStatusNeedsUpdate
	}
}

// suggestReplacement scores a vanished original against every unclaimed
// universe name. Returns the best candidate at or above
// ReplacementThreshold plus up to maxRunnerUps alternates, descending
// score.
func (m *Manager) suggestReplacement(missing string, candidates []string) (dedup.ReplacementSuggestion, bool) {
	var scored []dedup.ScoredName
	for _, cand := range candidates {
		res := m.scorer.Compare(missing, cand)
		if res.Score >= m.cfg.ReplacementThreshold {
			scored = append(scored, dedup.ScoredName{Name: cand, Score: res.Score})
		}
	}
	if len(scored) == 0 {
		return dedup.ReplacementSuggestion{}, false
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Name < scored[j].Name
	})

	sugg := dedup.ReplacementSuggestion{
		MissingName: missing,
		Candidate:   scored[0].Name,
		Score:       scored[0].Score,
	}
	for _, alt := range scored[1:] {
		if len(sugg.RunnersUp) == maxRunnerUps {
			break
		}
		sugg.RunnersUp = append(sugg.RunnersUp, alt)
	}
	return sugg, true
}

// uniqueNonBlank drops blank and duplicate members, preserving raw
// spelling, and returns the set sorted.
func uniqueNonBlank(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	var out []string
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
