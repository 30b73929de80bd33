// Package memory provides in-memory store implementations, used by tests
// and by dry-run tooling.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"liquidity-manager/internal/domain"
	"liquidity-manager/internal/storage"
)

// RuleStore is an in-memory implementation of storage.RuleStore.
type RuleStore struct {
	mu     sync.RWMutex
	data   map[int64]*domain.Rule
	nextID int64
}

// NewRuleStore creates a new in-memory rule store.
func NewRuleStore() *RuleStore {
	return &RuleStore{data: make(map[int64]*domain.Rule)}
}

// Compile-time interface check.
var _ storage.RuleStore = (*RuleStore)(nil)

// Insert adds a new rule and assigns its ID.
func (s *RuleStore) Insert(_ context.Context, r *domain.Rule) error {
	if r == nil {
		return storage.ErrInvalidInput
	}
	if err := r.Validate(); err != nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	r.ID = s.nextID
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now

	cp := copyRule(r)
	s.data[r.ID] = cp
	return nil
}

// GetByID retrieves a rule by its ID.
func (s *RuleStore) GetByID(_ context.Context, id int64) (*domain.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyRule(r), nil
}

// GetByStatus retrieves all rules in the given status, ascending by ID.
func (s *RuleStore) GetByStatus(_ context.Context, status domain.RuleStatus) ([]*domain.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Rule
	for _, r := range s.data {
		if r.Status == status {
			result = append(result, copyRule(r))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Update persists rule mutations.
func (s *RuleStore) Update(_ context.Context, r *domain.Rule) error {
	if r == nil || r.ID == 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[r.ID]; !ok {
		return storage.ErrNotFound
	}
	r.UpdatedAt = time.Now()
	s.data[r.ID] = copyRule(r)
	return nil
}

func copyRule(r *domain.Rule) *domain.Rule {
	cp := *r
	if r.TargetAssetID != nil {
		v := *r.TargetAssetID
		cp.TargetAssetID = &v
	}
	if r.TargetFiatID != nil {
		v := *r.TargetFiatID
		cp.TargetFiatID = &v
	}
	if r.Limit != nil {
		v := *r.Limit
		cp.Limit = &v
	}
	if r.PausedAt != nil {
		v := *r.PausedAt
		cp.PausedAt = &v
	}
	return &cp
}
