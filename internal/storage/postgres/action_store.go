package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"liquidity-manager/internal/domain"
	"liquidity-manager/internal/storage"
)

// ActionStore implements storage.ActionStore using PostgreSQL.
// Actions are append-only; chains are never mutated once written.
type ActionStore struct {
	pool *Pool
}

// NewActionStore creates a new ActionStore.
func NewActionStore(pool *Pool) *ActionStore {
	return &ActionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ActionStore = (*ActionStore)(nil)

// Insert adds a new action and fills its ID.
func (s *ActionStore) Insert(ctx context.Context, a *domain.Action) error {
	if a == nil || !a.ValidType() {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO liquidity_actions (
			rule_id, pipeline_type, index, type, tag, params, max_retries
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
		RETURNING id, created_at
	`

	params := a.Params
	if params == nil {
		params = map[string]any{}
	}

	err := s.pool.QueryRow(ctx, query,
		a.RuleID, a.PipelineType, a.Index, a.Type, a.Tag, params, a.MaxRetries,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert liquidity action: %w", err)
	}
	return nil
}

// GetChain retrieves the ordered action chain for a rule and pipeline type.
func (s *ActionStore) GetChain(ctx context.Context, ruleID int64, pt domain.PipelineType) ([]*domain.Action, error) {
	query := actionSelect + ` WHERE rule_id = $1 AND pipeline_type = $2 ORDER BY index ASC`

	rows, err := s.pool.Query(ctx, query, ruleID, pt)
	if err != nil {
		return nil, fmt.Errorf("get action chain: %w", err)
	}
	defer rows.Close()

	return scanActions(rows)
}

// GetByTag retrieves all actions carrying the given tag.
func (s *ActionStore) GetByTag(ctx context.Context, tag string) ([]*domain.Action, error) {
	query := actionSelect + ` WHERE tag = $1 ORDER BY id ASC`

	rows, err := s.pool.Query(ctx, query, tag)
	if err != nil {
		return nil, fmt.Errorf("get actions by tag: %w", err)
	}
	defer rows.Close()

	return scanActions(rows)
}

const actionSelect = `
	SELECT
		id, rule_id, pipeline_type, index, type, tag, params, max_retries, created_at
	FROM liquidity_actions
`

func scanAction(row pgx.Row) (*domain.Action, error) {
	var a domain.Action
	err := row.Scan(
		&a.ID, &a.RuleID, &a.PipelineType, &a.Index, &a.Type, &a.Tag,
		&a.Params, &a.MaxRetries, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanActions(rows pgx.Rows) ([]*domain.Action, error) {
	var result []*domain.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan liquidity action: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate liquidity actions: %w", err)
	}
	return result, nil
}
