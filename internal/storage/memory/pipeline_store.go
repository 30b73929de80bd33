package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"liquidity-manager/internal/domain"
	"liquidity-manager/internal/storage"
)

// PipelineStore is an in-memory implementation of storage.PipelineStore.
type PipelineStore struct {
	mu     sync.RWMutex
	data   map[int64]*domain.Pipeline
	nextID int64
}

// NewPipelineStore creates a new in-memory pipeline store.
func NewPipelineStore() *PipelineStore {
	return &PipelineStore{data: make(map[int64]*domain.Pipeline)}
}

var _ storage.PipelineStore = (*PipelineStore)(nil)

// CreateIfNoneActive inserts the pipeline unless the rule already has a
// non-terminal pipeline. The check and insert happen under a single lock
// so concurrent callers cannot both succeed for the same rule.
func (s *PipelineStore) CreateIfNoneActive(_ context.Context, p *domain.Pipeline) error {
	if p == nil || p.RuleID == 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data {
		if existing.RuleID == p.RuleID && !existing.IsTerminal() {
			return storage.ErrPipelineActive
		}
	}

	s.nextID++
	p.ID = s.nextID
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now

	s.data[p.ID] = copyPipeline(p)
	return nil
}

// GetByID retrieves a pipeline by its ID.
func (s *PipelineStore) GetByID(_ context.Context, id int64) (*domain.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyPipeline(p), nil
}

// GetActive retrieves all non-terminal pipelines, ascending by ID.
func (s *PipelineStore) GetActive(_ context.Context) ([]*domain.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Pipeline
	for _, p := range s.data {
		if !p.IsTerminal() {
			result = append(result, copyPipeline(p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// GetActiveByRule retrieves the rule's non-terminal pipeline, if any.
func (s *PipelineStore) GetActiveByRule(_ context.Context, ruleID int64) (*domain.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.data {
		if p.RuleID == ruleID && !p.IsTerminal() {
			return copyPipeline(p), nil
		}
	}
	return nil, storage.ErrNotFound
}

// GetLatestTerminalByRule retrieves the rule's most recently created
// terminal pipeline.
func (s *PipelineStore) GetLatestTerminalByRule(_ context.Context, ruleID int64) (*domain.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.Pipeline
	for _, p := range s.data {
		if p.RuleID == ruleID && p.IsTerminal() {
			if latest == nil || p.ID > latest.ID {
				latest = p
			}
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	return copyPipeline(latest), nil
}

// Update persists pipeline mutations.
func (s *PipelineStore) Update(_ context.Context, p *domain.Pipeline) error {
	if p == nil || p.ID == 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[p.ID]; !ok {
		return storage.ErrNotFound
	}
	p.UpdatedAt = time.Now()
	s.data[p.ID] = copyPipeline(p)
	return nil
}

func copyPipeline(p *domain.Pipeline) *domain.Pipeline {
	cp := *p
	return &cp
}
