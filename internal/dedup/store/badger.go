package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/salesboard/dedup/internal/dedup"
)

// Key layout:
//
//	rule:<division>:<uuid>        -> dedup.MergeRule (JSON)
//	sugg:<division>:<member hash> -> dedup.Suggestion (JSON)
//	rej:<division>:<a>|<b>        -> dedup.RejectedPair (JSON), a <= b
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// NewBadgerStore opens a Badger-backed store at path. An empty path opens an
// in-memory database, which tests use. The store covers rules, rejections
// and suggestions; the customer universe always comes from another source.
func NewBadgerStore(path string, logger *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil // disable internal logging
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func ruleKey(divisionID string, id uuid.UUID) []byte {
	return []byte("rule:" + divisionID + ":" + id.String())
}

func suggestionKey(divisionID, memberHash string) []byte {
	return []byte("sugg:" + divisionID + ":" + memberHash)
}

func rejectionKey(divisionID string, pair dedup.RejectedPair) []byte {
	return []byte("rej:" + divisionID + ":" + pair.NameA + "|" + pair.NameB)
}

// GetRules implements dedup.RuleStore.
func (s *BadgerStore) GetRules(ctx context.Context, divisionID string) ([]dedup.MergeRule, error) {
	var rules []dedup.MergeRule
	prefix := []byte("rule:" + divisionID + ":")
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rule dedup.MergeRule
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rule)
			})
			if err != nil {
				return err
			}
			rules = append(rules, rule)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading merge rules: %w", err)
	}
	sort.Slice(rules, func(i, j int) bool {
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID.String() < rules[j].ID.String()
	})
	return rules, nil
}

// GetActiveRules implements dedup.RuleStore.
func (s *BadgerStore) GetActiveRules(ctx context.Context, divisionID string) ([]dedup.MergeRule, error) {
	all, err := s.GetRules(ctx, divisionID)
	if err != nil {
		return nil, err
	}
	active := make([]dedup.MergeRule, 0, len(all))
	for _, r := range all {
		if r.Claims() {
			active = append(active, r)
		}
	}
	return active, nil
}

// SaveRule implements dedup.RuleStore.
func (s *BadgerStore) SaveRule(ctx context.Context, rule *dedup.MergeRule) (uuid.UUID, error) {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	val, err := json.Marshal(rule)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encoding merge rule: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(ruleKey(rule.DivisionID, rule.ID), val)
	})
	if err != nil {
		return uuid.Nil, mapBadgerErr("writing merge rule", err)
	}
	return rule.ID, nil
}

// UpdateRule implements dedup.RuleStore. The rule key embeds the division,
// which the patch does not carry, so the rule is located by key suffix.
func (s *BadgerStore) UpdateRule(ctx context.Context, id uuid.UUID, patch dedup.RulePatch) error {
	suffix := ":" + id.String()
	prefix := []byte("rule:")
	err := s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if !strings.HasSuffix(string(item.Key()), suffix) {
				continue
			}
			var rule dedup.MergeRule
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rule) }); err != nil {
				return err
			}
			if patch.CanonicalName != nil {
				rule.CanonicalName = *patch.CanonicalName
			}
			if patch.OriginalCustomers != nil {
				rule.OriginalCustomers = patch.OriginalCustomers
			}
			if patch.Status != nil {
				rule.Status = *patch.Status
			}
			if patch.LastValidatedAt != nil {
				rule.LastValidatedAt = *patch.LastValidatedAt
			}
			rule.UpdatedAt = time.Now().UTC()

			val, err := json.Marshal(rule)
			if err != nil {
				return err
			}
			return txn.Set(item.KeyCopy(nil), val)
		}
		return fmt.Errorf("merge rule %s not found", id)
	})
	return mapBadgerErr("updating merge rule", err)
}

// DeleteRule implements dedup.RuleStore.
func (s *BadgerStore) DeleteRule(ctx context.Context, id uuid.UUID) error {
	suffix := ":" + id.String()
	prefix := []byte("rule:")
	err := s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := it.Item().Key()
			if strings.HasSuffix(string(k), suffix) {
				return txn.Delete(it.Item().KeyCopy(nil))
			}
		}
		return fmt.Errorf("merge rule %s not found", id)
	})
	return mapBadgerErr("deleting merge rule", err)
}

// GetRejectedPairs implements dedup.RejectionStore.
func (s *BadgerStore) GetRejectedPairs(ctx context.Context, divisionID string) ([]dedup.RejectedPair, error) {
	var pairs []dedup.RejectedPair
	prefix := []byte("rej:" + divisionID + ":")
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var pair dedup.RejectedPair
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &pair)
			})
			if err != nil {
				return err
			}
			pairs = append(pairs, pair)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading rejected pairs: %w", err)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].NameA != pairs[j].NameA {
			return pairs[i].NameA < pairs[j].NameA
		}
		return pairs[i].NameB < pairs[j].NameB
	})
	return pairs, nil
}

// AddRejectedPair implements dedup.RejectionStore. Re-adding a recorded
// pair, in either order, is a no-op.
func (s *BadgerStore) AddRejectedPair(ctx context.Context, divisionID string, pair dedup.RejectedPair) error {
	norm := dedup.NewRejectedPair(pair.NameA, pair.NameB)
	val, err := json.Marshal(norm)
	if err != nil {
		return fmt.Errorf("encoding rejected pair: %w", err)
	}
	key := rejectionKey(divisionID, norm)
	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil // already recorded
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(key, val)
	})
	return mapBadgerErr("writing rejected pair", err)
}

// AppendSuggestions implements dedup.SuggestionStore. All groups are written
// in one transaction; groups whose member set is already stored for the
// division are skipped.
func (s *BadgerStore) AppendSuggestions(ctx context.Context, divisionID string, groups []dedup.MergeGroup) error {
	if len(groups) == 0 {
		return nil
	}
	now := time.Now().UTC()
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, g := range groups {
			key := suggestionKey(divisionID, g.MemberSetHash())
			_, err := txn.Get(key)
			if err == nil {
				continue // already suggested
			}
			if err != badger.ErrKeyNotFound {
				return err
			}
			sugg := dedup.Suggestion{
				ID:             uuid.New(),
				DivisionID:     divisionID,
				CanonicalName:  g.SuggestedCanonicalName,
				Members:        append([]string(nil), g.Members...),
				Confidence:     g.Confidence,
				HighConfidence: g.HighConfidence,
				MemberHash:     g.MemberSetHash(),
				CreatedAt:      now,
			}
			val, err := json.Marshal(sugg)
			if err != nil {
				return err
			}
			if err := txn.Set(key, val); err != nil {
				return err
			}
		}
		return nil
	})
	return mapBadgerErr("writing suggestions", err)
}

// ListSuggestions implements dedup.SuggestionStore.
func (s *BadgerStore) ListSuggestions(ctx context.Context, divisionID string) ([]dedup.Suggestion, error) {
	var suggestions []dedup.Suggestion
	prefix := []byte("sugg:" + divisionID + ":")
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var sugg dedup.Suggestion
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &sugg)
			})
			if err != nil {
				return err
			}
			suggestions = append(suggestions, sugg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading suggestions: %w", err)
	}
	sort.Slice(suggestions, func(i, j int) bool {
		if !suggestions[i].CreatedAt.Equal(suggestions[j].CreatedAt) {
			return suggestions[i].CreatedAt.Before(suggestions[j].CreatedAt)
		}
		return suggestions[i].CanonicalName < suggestions[j].CanonicalName
	})
	return suggestions, nil
}

// mapBadgerErr translates transaction conflicts into the shared sentinel so
// callers can treat concurrent writers uniformly across backends.
func mapBadgerErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%s: %w", op, dedup.ErrPersistenceConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}
