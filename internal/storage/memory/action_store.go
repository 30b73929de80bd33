package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"liquidity-manager/internal/domain"
	"liquidity-manager/internal/storage"
)

// ActionStore is an in-memory implementation of storage.ActionStore.
// Actions are append-only; chains are never mutated once written.
type ActionStore struct {
	mu     sync.RWMutex
	data   map[int64]*domain.Action
	nextID int64
}

// NewActionStore creates a new in-memory action store.
func NewActionStore() *ActionStore {
	return &ActionStore{data: make(map[int64]*domain.Action)}
}

var _ storage.ActionStore = (*ActionStore)(nil)

// Insert adds a new action and assigns its ID.
func (s *ActionStore) Insert(_ context.Context, a *domain.Action) error {
	if a == nil || !a.ValidType() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	a.ID = s.nextID
	a.CreatedAt = time.Now()

	s.data[a.ID] = copyAction(a)
	return nil
}

// GetChain retrieves the ordered action chain for a rule and pipeline type.
func (s *ActionStore) GetChain(_ context.Context, ruleID int64, pt domain.PipelineType) ([]*domain.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Action
	for _, a := range s.data {
		if a.RuleID == ruleID && a.PipelineType == pt {
			result = append(result, copyAction(a))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Index < result[j].Index })
	return result, nil
}

// GetByTag retrieves all actions carrying the given tag.
func (s *ActionStore) GetByTag(_ context.Context, tag string) ([]*domain.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Action
	for _, a := range s.data {
		if a.Tag == tag {
			result = append(result, copyAction(a))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func copyAction(a *domain.Action) *domain.Action {
	cp := *a
	if a.Params != nil {
		cp.Params = make(map[string]any, len(a.Params))
		for k, v := range a.Params {
			cp.Params[k] = v
		}
	}
	if a.MaxRetries != nil {
		v := *a.MaxRetries
		cp.MaxRetries = &v
	}
	return &cp
}
