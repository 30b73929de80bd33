package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"liquidity-manager/internal/domain"
	"liquidity-manager/internal/storage"
)

// OrderStore is an in-memory implementation of storage.OrderStore.
type OrderStore struct {
	mu     sync.RWMutex
	data   map[int64]*domain.Order
	nextID int64
}

// NewOrderStore creates a new in-memory order store.
func NewOrderStore() *OrderStore {
	return &OrderStore{data: make(map[int64]*domain.Order)}
}

var _ storage.OrderStore = (*OrderStore)(nil)

// Insert adds a new order and assigns its ID.
func (s *OrderStore) Insert(_ context.Context, o *domain.Order) error {
	if o == nil || o.PipelineID == 0 || o.CorrelationID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data {
		if existing.Context == o.Context && existing.CorrelationID == o.CorrelationID {
			return storage.ErrDuplicateKey
		}
	}

	s.nextID++
	o.ID = s.nextID
	now := time.Now()
	o.CreatedAt = now
	o.UpdatedAt = now

	s.data[o.ID] = copyOrder(o)
	return nil
}

// GetByID retrieves an order by its ID.
func (s *OrderStore) GetByID(_ context.Context, id int64) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyOrder(o), nil
}

// GetOpenByPipelineAction retrieves the non-terminal order for the given
// pipeline step, if any.
func (s *OrderStore) GetOpenByPipelineAction(_ context.Context, pipelineID int64, actionIndex int) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, o := range s.data {
		if o.PipelineID == pipelineID && o.ActionIndex == actionIndex && !o.IsTerminal() {
			return copyOrder(o), nil
		}
	}
	return nil, storage.ErrNotFound
}

// GetByPipeline retrieves all orders of a pipeline, ascending by ID.
func (s *OrderStore) GetByPipeline(_ context.Context, pipelineID int64) ([]*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Order
	for _, o := range s.data {
		if o.PipelineID == pipelineID {
			result = append(result, copyOrder(o))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// GetByCorrelation retrieves orders matching the context and correlation id,
// including orders where the id was rotated into the history.
func (s *OrderStore) GetByCorrelation(_ context.Context, orderContext, correlationID string) ([]*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Order
	for _, o := range s.data {
		if o.Context != orderContext {
			continue
		}
		if o.CorrelationID == correlationID {
			result = append(result, copyOrder(o))
			continue
		}
		for _, prev := range o.PreviousCorrelationIDs {
			if prev == correlationID {
				result = append(result, copyOrder(o))
				break
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Update persists order mutations.
func (s *OrderStore) Update(_ context.Context, o *domain.Order) error {
	if o == nil || o.ID == 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[o.ID]; !ok {
		return storage.ErrNotFound
	}
	o.UpdatedAt = time.Now()
	s.data[o.ID] = copyOrder(o)
	return nil
}

func copyOrder(o *domain.Order) *domain.Order {
	cp := *o
	if o.PreviousCorrelationIDs != nil {
		cp.PreviousCorrelationIDs = append([]string(nil), o.PreviousCorrelationIDs...)
	}
	if o.OutputAmount != nil {
		v := *o.OutputAmount
		cp.OutputAmount = &v
	}
	if o.ErrorMessage != nil {
		v := *o.ErrorMessage
		cp.ErrorMessage = &v
	}
	if o.NextRetryAt != nil {
		v := *o.NextRetryAt
		cp.NextRetryAt = &v
	}
	return &cp
}
