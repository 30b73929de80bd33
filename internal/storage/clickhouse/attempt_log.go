package clickhouse

import (
	"context"
	"fmt"
	"time"

	"liquidity-manager/internal/storage"
)

// AttemptLog implements storage.AttemptLog using ClickHouse.
type AttemptLog struct {
	conn *Conn
}

// NewAttemptLog creates a new AttemptLog.
func NewAttemptLog(conn *Conn) *AttemptLog {
	return &AttemptLog{conn: conn}
}

// Compile-time interface check.
var _ storage.AttemptLog = (*AttemptLog)(nil)

// Record appends one attempt record.
func (l *AttemptLog) Record(ctx context.Context, a *storage.OrderAttempt) error {
	if a == nil {
		return storage.ErrInvalidInput
	}

	recordedAt := a.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	query := `
		INSERT INTO order_attempts (
			recorded_at, order_id, pipeline_id, rule_id, action_type,
			correlation_id, attempt, status, amount, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := l.conn.Exec(ctx, query,
		recordedAt, a.OrderID, a.PipelineID, a.RuleID, a.ActionType,
		a.CorrelationID, int32(a.Attempt), a.Status, a.Amount, a.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert order attempt: %w", err)
	}
	return nil
}

// GetByPipeline retrieves all records of a pipeline, oldest first.
func (l *AttemptLog) GetByPipeline(ctx context.Context, pipelineID int64) ([]*storage.OrderAttempt, error) {
	query := `
		SELECT
			recorded_at, order_id, pipeline_id, rule_id, action_type,
			correlation_id, attempt, status, amount, error_message
		FROM order_attempts
		WHERE pipeline_id = ?
		ORDER BY recorded_at ASC, order_id ASC
	`

	rows, err := l.conn.Query(ctx, query, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("query order attempts by pipeline: %w", err)
	}
	defer rows.Close()

	var result []*storage.OrderAttempt
	for rows.Next() {
		var a storage.OrderAttempt
		var attempt int32
		err := rows.Scan(
			&a.RecordedAt, &a.OrderID, &a.PipelineID, &a.RuleID, &a.ActionType,
			&a.CorrelationID, &attempt, &a.Status, &a.Amount, &a.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order attempt: %w", err)
		}
		a.Attempt = int(attempt)
		result = append(result, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order attempts: %w", err)
	}
	return result, nil
}
