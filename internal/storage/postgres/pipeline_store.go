package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"liquidity-manager/internal/domain"
	"liquidity-manager/internal/storage"
)

// PipelineStore implements storage.PipelineStore using PostgreSQL.
type PipelineStore struct {
	pool *Pool
}

// NewPipelineStore creates a new PipelineStore.
func NewPipelineStore(pool *Pool) *PipelineStore {
	return &PipelineStore{pool: pool}
}

// Compile-time interface check.
var _ storage.PipelineStore = (*PipelineStore)(nil)

// CreateIfNoneActive inserts the pipeline unless the rule already has a
// non-terminal one. The partial unique index on (rule_id) over non-terminal
// statuses turns a lost race into a unique violation, which is reported as
// ErrPipelineActive.
func (s *PipelineStore) CreateIfNoneActive(ctx context.Context, p *domain.Pipeline) error {
	if p == nil || p.RuleID == 0 {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO liquidity_pipelines (
			rule_id, type, status, min_amount, max_amount,
			current_action_index, orders_processed, send_notifications
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8
		)
		RETURNING id, created_at, updated_at
	`

	err := s.pool.QueryRow(ctx, query,
		p.RuleID, p.Type, p.Status, p.MinAmount, p.MaxAmount,
		p.CurrentActionIndex, p.OrdersProcessed, p.SendNotifications,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrPipelineActive
		}
		return fmt.Errorf("insert liquidity pipeline: %w", err)
	}
	return nil
}

// GetByID retrieves a pipeline by its ID. Returns ErrNotFound if not exists.
func (s *PipelineStore) GetByID(ctx context.Context, id int64) (*domain.Pipeline, error) {
	query := pipelineSelect + ` WHERE id = $1`

	row := s.pool.QueryRow(ctx, query, id)
	p, err := scanPipeline(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get liquidity pipeline by id: %w", err)
	}
	return p, nil
}

// GetActive retrieves all non-terminal pipelines, ascending by ID.
func (s *PipelineStore) GetActive(ctx context.Context) ([]*domain.Pipeline, error) {
	query := pipelineSelect + ` WHERE status IN ('CREATED', 'IN_PROGRESS') ORDER BY id ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("get active liquidity pipelines: %w", err)
	}
	defer rows.Close()

	return scanPipelines(rows)
}

// GetActiveByRule retrieves the rule's non-terminal pipeline, if any.
func (s *PipelineStore) GetActiveByRule(ctx context.Context, ruleID int64) (*domain.Pipeline, error) {
	query := pipelineSelect + ` WHERE rule_id = $1 AND status IN ('CREATED', 'IN_PROGRESS')`

	row := s.pool.QueryRow(ctx, query, ruleID)
	p, err := scanPipeline(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get active pipeline by rule: %w", err)
	}
	return p, nil
}

// GetLatestTerminalByRule retrieves the rule's most recently created
// terminal pipeline.
func (s *PipelineStore) GetLatestTerminalByRule(ctx context.Context, ruleID int64) (*domain.Pipeline, error) {
	query := pipelineSelect + `
		WHERE rule_id = $1 AND status IN ('COMPLETE', 'FAILED')
		ORDER BY id DESC
		LIMIT 1
	`

	row := s.pool.QueryRow(ctx, query, ruleID)
	p, err := scanPipeline(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get latest terminal pipeline by rule: %w", err)
	}
	return p, nil
}

// Update persists pipeline mutations. Returns ErrNotFound if the pipeline
// does not exist.
func (s *PipelineStore) Update(ctx context.Context, p *domain.Pipeline) error {
	if p == nil || p.ID == 0 {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE liquidity_pipelines SET
			status = $2,
			current_action_index = $3,
			orders_processed = $4,
			updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`

	err := s.pool.QueryRow(ctx, query,
		p.ID, p.Status, p.CurrentActionIndex, p.OrdersProcessed,
	).Scan(&p.UpdatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("update liquidity pipeline: %w", err)
	}
	return nil
}

const pipelineSelect = `
	SELECT
		id, rule_id, type, status, min_amount, max_amount,
		current_action_index, orders_processed, send_notifications,
		created_at, updated_at
	FROM liquidity_pipelines
`

func scanPipeline(row pgx.Row) (*domain.Pipeline, error) {
	var p domain.Pipeline
	err := row.Scan(
		&p.ID, &p.RuleID, &p.Type, &p.Status, &p.MinAmount, &p.MaxAmount,
		&p.CurrentActionIndex, &p.OrdersProcessed, &p.SendNotifications,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPipelines(rows pgx.Rows) ([]*domain.Pipeline, error) {
	var result []*domain.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("scan liquidity pipeline: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate liquidity pipelines: %w", err)
	}
	return result, nil
}
