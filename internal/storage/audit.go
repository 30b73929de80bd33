package storage

import (
	"context"
	"time"
)

// OrderAttempt is one audit record of an order state transition: dispatch,
// completion, failure or retry. Records are append-only and never read on
// the execution path.
type OrderAttempt struct {
	RecordedAt    time.Time
	OrderID       int64
	PipelineID    int64
	RuleID        int64
	ActionType    string
	CorrelationID string
	Attempt       int
	Status        string
	Amount        float64
	ErrorMessage  string
}

// AttemptLog records order attempt transitions for offline analysis.
type AttemptLog interface {
	// Record appends one attempt record.
	Record(ctx context.Context, a *OrderAttempt) error

	// GetByPipeline retrieves all records of a pipeline, oldest first.
	GetByPipeline(ctx context.Context, pipelineID int64) ([]*OrderAttempt, error)
}
