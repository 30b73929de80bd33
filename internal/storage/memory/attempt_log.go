package memory

import (
	"context"
	"sync"
	"time"

	"liquidity-manager/internal/storage"
)

// AttemptLog is an in-memory implementation of storage.AttemptLog.
type AttemptLog struct {
	mu   sync.RWMutex
	data []*storage.OrderAttempt
}

// NewAttemptLog creates a new in-memory attempt log.
func NewAttemptLog() *AttemptLog {
	return &AttemptLog{}
}

var _ storage.AttemptLog = (*AttemptLog)(nil)

// Record appends one attempt record.
func (l *AttemptLog) Record(_ context.Context, a *storage.OrderAttempt) error {
	if a == nil {
		return storage.ErrInvalidInput
	}

	cp := *a
	if cp.RecordedAt.IsZero() {
		cp.RecordedAt = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.data = append(l.data, &cp)
	return nil
}

// GetByPipeline retrieves all records of a pipeline in insertion order.
func (l *AttemptLog) GetByPipeline(_ context.Context, pipelineID int64) ([]*storage.OrderAttempt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []*storage.OrderAttempt
	for _, a := range l.data {
		if a.PipelineID == pipelineID {
			cp := *a
			result = append(result, &cp)
		}
	}
	return result, nil
}
