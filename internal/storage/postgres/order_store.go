package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"liquidity-manager/internal/domain"
	"liquidity-manager/internal/storage"
)

// OrderStore implements storage.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *Pool
}

// NewOrderStore creates a new OrderStore.
func NewOrderStore(pool *Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Compile-time interface check.
var _ storage.OrderStore = (*OrderStore)(nil)

// Insert adds a new order and fills its ID. Returns ErrDuplicateKey if the
// (context, correlation_id) pair is already taken.
func (s *OrderStore) Insert(ctx context.Context, o *domain.Order) error {
	if o == nil || o.PipelineID == 0 || o.CorrelationID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO liquidity_orders (
			pipeline_id, action_id, action_index, status,
			context, correlation_id, previous_correlation_ids,
			estimated_target_amount, output_amount, error_message,
			attempts, next_retry_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10,
			$11, $12
		)
		RETURNING id, created_at, updated_at
	`

	prev := o.PreviousCorrelationIDs
	if prev == nil {
		prev = []string{}
	}

	err := s.pool.QueryRow(ctx, query,
		o.PipelineID, o.ActionID, o.ActionIndex, o.Status,
		o.Context, o.CorrelationID, prev,
		o.EstimatedTargetAmount, o.OutputAmount, o.ErrorMessage,
		o.Attempts, o.NextRetryAt,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert liquidity order: %w", err)
	}
	return nil
}

// GetByID retrieves an order by its ID. Returns ErrNotFound if not exists.
func (s *OrderStore) GetByID(ctx context.Context, id int64) (*domain.Order, error) {
	query := orderSelect + ` WHERE id = $1`

	row := s.pool.QueryRow(ctx, query, id)
	o, err := scanOrder(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get liquidity order by id: %w", err)
	}
	return o, nil
}

// GetOpenByPipelineAction retrieves the non-terminal order for the given
// pipeline step, if any.
func (s *OrderStore) GetOpenByPipelineAction(ctx context.Context, pipelineID int64, actionIndex int) (*domain.Order, error) {
	query := orderSelect + `
		WHERE pipeline_id = $1 AND action_index = $2
		  AND status IN ('CREATED', 'IN_PROGRESS')
	`

	row := s.pool.QueryRow(ctx, query, pipelineID, actionIndex)
	o, err := scanOrder(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get open order by pipeline action: %w", err)
	}
	return o, nil
}

// GetByPipeline retrieves all orders of a pipeline, ascending by ID.
func (s *OrderStore) GetByPipeline(ctx context.Context, pipelineID int64) ([]*domain.Order, error) {
	query := orderSelect + ` WHERE pipeline_id = $1 ORDER BY id ASC`

	rows, err := s.pool.Query(ctx, query, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("get orders by pipeline: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// GetByCorrelation retrieves orders matching the context and correlation id,
// including orders where the id was rotated into the retry history.
func (s *OrderStore) GetByCorrelation(ctx context.Context, orderContext, correlationID string) ([]*domain.Order, error) {
	query := orderSelect + `
		WHERE context = $1
		  AND (correlation_id = $2 OR previous_correlation_ids @> ARRAY[$2::text])
		ORDER BY id ASC
	`

	rows, err := s.pool.Query(ctx, query, orderContext, correlationID)
	if err != nil {
		return nil, fmt.Errorf("get orders by correlation: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// Update persists order mutations. Returns ErrNotFound if the order does not
// exist.
func (s *OrderStore) Update(ctx context.Context, o *domain.Order) error {
	if o == nil || o.ID == 0 {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE liquidity_orders SET
			status = $2,
			correlation_id = $3,
			previous_correlation_ids = $4,
			output_amount = $5,
			error_message = $6,
			attempts = $7,
			next_retry_at = $8,
			updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`

	prev := o.PreviousCorrelationIDs
	if prev == nil {
		prev = []string{}
	}

	err := s.pool.QueryRow(ctx, query,
		o.ID,
		o.Status,
		o.CorrelationID,
		prev,
		o.OutputAmount,
		o.ErrorMessage,
		o.Attempts,
		o.NextRetryAt,
	).Scan(&o.UpdatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("update liquidity order: %w", err)
	}
	return nil
}

const orderSelect = `
	SELECT
		id, pipeline_id, action_id, action_index, status,
		context, correlation_id, previous_correlation_ids,
		estimated_target_amount, output_amount, error_message,
		attempts, next_retry_at, created_at, updated_at
	FROM liquidity_orders
`

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	err := row.Scan(
		&o.ID, &o.PipelineID, &o.ActionID, &o.ActionIndex, &o.Status,
		&o.Context, &o.CorrelationID, &o.PreviousCorrelationIDs,
		&o.EstimatedTargetAmount, &o.OutputAmount, &o.ErrorMessage,
		&o.Attempts, &o.NextRetryAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]*domain.Order, error) {
	var result []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan liquidity order: %w", err)
		}
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate liquidity orders: %w", err)
	}
	return result, nil
}
