package storage

import (
	"context"

	"liquidity-manager/internal/domain"
)

// RuleStore provides access to liquidity_rules storage.
type RuleStore interface {
	// Insert adds a new rule and assigns its ID.
	Insert(ctx context.Context, r *domain.Rule) error

	// GetByID retrieves a rule by its ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id int64) (*domain.Rule, error)

	// GetByStatus retrieves all rules in the given status.
	GetByStatus(ctx context.Context, status domain.RuleStatus) ([]*domain.Rule, error)

	// Update persists rule mutations (status, thresholds, flags).
	Update(ctx context.Context, r *domain.Rule) error
}

// ActionStore provides access to liquidity_actions storage. Actions are
// append-only; there is no update.
type ActionStore interface {
	// Insert adds a new action and assigns its ID.
	Insert(ctx context.Context, a *domain.Action) error

	// GetChain retrieves the ordered action chain of a rule for one
	// pipeline type, ascending by index.
	GetChain(ctx context.Context, ruleID int64, pt domain.PipelineType) ([]*domain.Action, error)

	// GetByTag retrieves a reusable tag group, ascending by index.
	GetByTag(ctx context.Context, tag string) ([]*domain.Action, error)
}

// PipelineStore provides access to liquidity_pipelines storage.
type PipelineStore interface {
	// CreateIfNoneActive inserts the pipeline only if the rule has no
	// non-terminal pipeline, atomically. Returns ErrPipelineActive
	// otherwise. Assigns the ID on success.
	CreateIfNoneActive(ctx context.Context, p *domain.Pipeline) error

	// GetByID retrieves a pipeline by its ID. Returns ErrNotFound if not
	// exists.
	GetByID(ctx context.Context, id int64) (*domain.Pipeline, error)

	// GetActive retrieves all non-terminal pipelines.
	GetActive(ctx context.Context) ([]*domain.Pipeline, error)

	// GetActiveByRule retrieves the rule's non-terminal pipeline.
	// Returns ErrNotFound if none.
	GetActiveByRule(ctx context.Context, ruleID int64) (*domain.Pipeline, error)

	// GetLatestTerminalByRule retrieves the most recently updated terminal
	// pipeline of a rule. Returns ErrNotFound if none.
	GetLatestTerminalByRule(ctx context.Context, ruleID int64) (*domain.Pipeline, error)

	// Update persists pipeline mutations.
	Update(ctx context.Context, p *domain.Pipeline) error
}

// OrderStore provides access to liquidity_orders storage.
type OrderStore interface {
	// Insert adds a new order and assigns its ID.
	Insert(ctx context.Context, o *domain.Order) error

	// GetByID retrieves an order by its ID. Returns ErrNotFound if not
	// exists.
	GetByID(ctx context.Context, id int64) (*domain.Order, error)

	// GetOpenByPipelineAction retrieves the non-terminal order of a
	// pipeline at the given action index. Returns ErrNotFound if none.
	// This lookup is what keeps Step re-entrant: an in-flight order is
	// awaited, never re-issued.
	GetOpenByPipelineAction(ctx context.Context, pipelineID int64, actionIndex int) (*domain.Order, error)

	// GetByPipeline retrieves all orders of a pipeline, ascending by
	// action index.
	GetByPipeline(ctx context.Context, pipelineID int64) ([]*domain.Order, error)

	// GetByCorrelation retrieves orders matching the (context,
	// correlation id) pair. Non-unique: retries keep old ids in their
	// chain but external reconciliation may look up either side.
	GetByCorrelation(ctx context.Context, orderContext, correlationID string) ([]*domain.Order, error)

	// Update persists order mutations.
	Update(ctx context.Context, o *domain.Order) error
}
