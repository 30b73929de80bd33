package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"liquidity-manager/internal/domain"
	"liquidity-manager/internal/storage"
)

// RuleStore implements storage.RuleStore using PostgreSQL.
type RuleStore struct {
	pool *Pool
}

// NewRuleStore creates a new RuleStore.
func NewRuleStore(pool *Pool) *RuleStore {
	return &RuleStore{pool: pool}
}

// Compile-time interface check.
var _ storage.RuleStore = (*RuleStore)(nil)

// Insert adds a new rule and fills its ID and timestamps. Returns
// ErrDuplicateKey if a rule for the same target already exists.
func (s *RuleStore) Insert(ctx context.Context, r *domain.Rule) error {
	if r == nil {
		return storage.ErrInvalidInput
	}
	if err := r.Validate(); err != nil {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO liquidity_rules (
			status, target_asset_id, target_fiat_id,
			minimal, optimal, maximal, "limit",
			reactivation_secs, delay_activation, send_notifications, paused_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7,
			$8, $9, $10, $11
		)
		RETURNING id, created_at, updated_at
	`

	err := s.pool.QueryRow(ctx, query,
		r.Status, r.TargetAssetID, r.TargetFiatID,
		r.Minimal, r.Optimal, r.Maximal, r.Limit,
		r.ReactivationSecs, r.DelayActivation, r.SendNotifications, r.PausedAt,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert liquidity rule: %w", err)
	}
	return nil
}

// GetByID retrieves a rule by its ID. Returns ErrNotFound if not exists.
func (s *RuleStore) GetByID(ctx context.Context, id int64) (*domain.Rule, error) {
	query := ruleSelect + ` WHERE id = $1`

	row := s.pool.QueryRow(ctx, query, id)
	r, err := scanRule(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get liquidity rule by id: %w", err)
	}
	return r, nil
}

// GetByStatus retrieves all rules in the given status, ascending by ID.
func (s *RuleStore) GetByStatus(ctx context.Context, status domain.RuleStatus) ([]*domain.Rule, error) {
	query := ruleSelect + ` WHERE status = $1 ORDER BY id ASC`

	rows, err := s.pool.Query(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("get liquidity rules by status: %w", err)
	}
	defer rows.Close()

	return scanRules(rows)
}

// Update persists rule mutations. Returns ErrNotFound if the rule does not
// exist.
func (s *RuleStore) Update(ctx context.Context, r *domain.Rule) error {
	if r == nil || r.ID == 0 {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE liquidity_rules SET
			status = $2,
			minimal = $3, optimal = $4, maximal = $5, "limit" = $6,
			reactivation_secs = $7, delay_activation = $8,
			send_notifications = $9, paused_at = $10,
			updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`

	err := s.pool.QueryRow(ctx, query,
		r.ID,
		r.Status,
		r.Minimal, r.Optimal, r.Maximal, r.Limit,
		r.ReactivationSecs, r.DelayActivation,
		r.SendNotifications, r.PausedAt,
	).Scan(&r.UpdatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("update liquidity rule: %w", err)
	}
	return nil
}

const ruleSelect = `
	SELECT
		id, status, target_asset_id, target_fiat_id,
		minimal, optimal, maximal, "limit",
		reactivation_secs, delay_activation, send_notifications,
		paused_at, created_at, updated_at
	FROM liquidity_rules
`

func scanRule(row pgx.Row) (*domain.Rule, error) {
	var r domain.Rule
	err := row.Scan(
		&r.ID, &r.Status, &r.TargetAssetID, &r.TargetFiatID,
		&r.Minimal, &r.Optimal, &r.Maximal, &r.Limit,
		&r.ReactivationSecs, &r.DelayActivation, &r.SendNotifications,
		&r.PausedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanRules(rows pgx.Rows) ([]*domain.Rule, error) {
	var result []*domain.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan liquidity rule: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate liquidity rules: %w", err)
	}
	return result, nil
}
