// Package engine drives liquidity pipelines through their order chains:
// creating pipelines from evaluation decisions, dispatching orders to action
// clients, reconciling in-flight attempts and retiring rules whose
// corrections failed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"liquidity-manager/internal/action"
	"liquidity-manager/internal/domain"
	"liquidity-manager/internal/notify"
	"liquidity-manager/internal/observability"
	"liquidity-manager/internal/retrypolicy"
	"liquidity-manager/internal/storage"
)

// Engine errors
var (
	ErrMissingStore   = errors.New("engine requires rule, action, pipeline and order stores")
	ErrMissingClients = errors.New("engine requires an action client registry")
	ErrActionFailed   = errors.New("action execution failed")
)

// Listener observes entity transitions, for the ops event stream. Calls
// happen on the engine goroutine and must not block.
type Listener interface {
	PipelineChanged(p *domain.Pipeline)
	OrderChanged(o *domain.Order)
}

// RetryScheduler is invoked when an order retry is scheduled, so the caller
// can arrange a timely Step instead of waiting for the next poll cycle.
type RetryScheduler func(pipelineID int64, at time.Time)

// Options configures an Engine. Stores and Clients are required; the rest
// defaults to working no-op or production implementations.
type Options struct {
	Rules     storage.RuleStore
	Actions   storage.ActionStore
	Pipelines storage.PipelineStore
	Orders    storage.OrderStore

	Clients  action.Registry
	Policies retrypolicy.Set

	Gate  *notify.Gate
	Sinks []notify.Sink

	Audit    storage.AttemptLog
	Metrics  *observability.Metrics
	Listener Listener

	ScheduleRetry RetryScheduler
}

// Engine executes pipelines. Step is safe for concurrent use; a keyed mutex
// serializes work per pipeline so the poll loop and retry timers never
// double-dispatch an order.
type Engine struct {
	rules     storage.RuleStore
	actions   storage.ActionStore
	pipelines storage.PipelineStore
	orders    storage.OrderStore

	clients  action.Registry
	policies retrypolicy.Set

	gate  *notify.Gate
	sinks []notify.Sink

	audit         storage.AttemptLog
	metrics       *observability.Metrics
	listener      Listener
	scheduleRetry RetryScheduler

	newID func() string
	now   func() time.Time

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New creates an Engine from options.
func New(opts Options) (*Engine, error) {
	if opts.Rules == nil || opts.Actions == nil || opts.Pipelines == nil || opts.Orders == nil {
		return nil, ErrMissingStore
	}
	if opts.Clients == nil {
		return nil, ErrMissingClients
	}
	if opts.Policies == nil {
		opts.Policies = retrypolicy.DefaultSet()
	}
	if opts.Gate == nil {
		opts.Gate = notify.NewGate()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.DefaultMetrics
	}

	return &Engine{
		rules:         opts.Rules,
		actions:       opts.Actions,
		pipelines:     opts.Pipelines,
		orders:        opts.Orders,
		clients:       opts.Clients,
		policies:      opts.Policies,
		gate:          opts.Gate,
		sinks:         opts.Sinks,
		audit:         opts.Audit,
		metrics:       opts.Metrics,
		listener:      opts.Listener,
		scheduleRetry: opts.ScheduleRetry,
		newID:         uuid.NewString,
		now:           time.Now,
		locks:         make(map[int64]*sync.Mutex),
	}, nil
}

// CreatePipeline instantiates a pipeline for a rule violation. The full
// action chain is validated up front so a misconfigured action surfaces here
// rather than mid-execution. Returns storage.ErrPipelineActive when the rule
// already has one running.
func (e *Engine) CreatePipeline(ctx context.Context, rule *domain.Rule, decision domain.Decision) (*domain.Pipeline, error) {
	if !decision.IsViolation() {
		return nil, fmt.Errorf("decision %s does not call for a pipeline", decision.Kind)
	}

	chain, err := e.actions.GetChain(ctx, rule.ID, decision.PipelineType())
	if err != nil {
		return nil, fmt.Errorf("load action chain: %w", err)
	}
	if err := domain.ValidateChain(chain); err != nil {
		return nil, err
	}
	for _, a := range chain {
		if err := e.clients.ValidateParams(a); err != nil {
			return nil, fmt.Errorf("action %d (%s): %w", a.Index, a.Type, err)
		}
	}

	p := domain.NewPipeline(rule, decision)
	if err := e.pipelines.CreateIfNoneActive(ctx, p); err != nil {
		return nil, err
	}

	e.metrics.PipelinesCreated.WithLabelValues(string(p.Type)).Inc()
	e.emitPipeline(p)
	log.Info().
		Int64("rule_id", rule.ID).
		Int64("pipeline_id", p.ID).
		Str("type", string(p.Type)).
		Float64("min_amount", p.MinAmount).
		Float64("max_amount", p.MaxAmount).
		Msg("pipeline created")

	return p, nil
}

// StepAll steps every non-terminal pipeline once and refreshes the active
// pipeline gauge.
func (e *Engine) StepAll(ctx context.Context) error {
	active, err := e.pipelines.GetActive(ctx)
	if err != nil {
		return fmt.Errorf("load active pipelines: %w", err)
	}
	e.metrics.ActivePipelines.Set(float64(len(active)))

	for _, p := range active {
		if err := e.Step(ctx, p.ID); err != nil {
			log.Error().Err(err).Int64("pipeline_id", p.ID).Msg("pipeline step failed")
		}
	}
	return nil
}

// ReactivateRules flips paused rules back to active once their cooldown has
// elapsed.
func (e *Engine) ReactivateRules(ctx context.Context) error {
	paused, err := e.rules.GetByStatus(ctx, domain.RuleStatusPaused)
	if err != nil {
		return fmt.Errorf("load paused rules: %w", err)
	}

	now := e.now()
	for _, rule := range paused {
		if !rule.ShouldReactivate(now) {
			continue
		}
		rule.Reactivate()
		if err := e.rules.Update(ctx, rule); err != nil {
			log.Error().Err(err).Int64("rule_id", rule.ID).Msg("rule reactivation failed")
			continue
		}
		e.metrics.RulesReactivated.Inc()
		log.Info().Int64("rule_id", rule.ID).Msg("rule reactivated after cooldown")
	}
	return nil
}

// lockPipeline acquires the pipeline's mutex and returns its unlock.
func (e *Engine) lockPipeline(id int64) func() {
	e.mu.Lock()
	m, ok := e.locks[id]
	if !ok {
		m = &sync.Mutex{}
		e.locks[id] = m
	}
	e.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// releaseLock drops a terminal pipeline's mutex from the table.
func (e *Engine) releaseLock(id int64) {
	e.mu.Lock()
	delete(e.locks, id)
	e.mu.Unlock()
}

func (e *Engine) emitPipeline(p *domain.Pipeline) {
	if e.listener != nil {
		e.listener.PipelineChanged(p)
	}
}

func (e *Engine) emitOrder(o *domain.Order) {
	if e.listener != nil {
		e.listener.OrderChanged(o)
	}
}

// recordAttempt appends an audit record; audit failures are logged, never
// propagated.
func (e *Engine) recordAttempt(ctx context.Context, p *domain.Pipeline, o *domain.Order, actionType domain.ActionType, status, message string, amount float64) {
	if e.audit == nil {
		return
	}
	err := e.audit.Record(ctx, &storage.OrderAttempt{
		RecordedAt:    e.now(),
		OrderID:       o.ID,
		PipelineID:    p.ID,
		RuleID:        p.RuleID,
		ActionType:    string(actionType),
		CorrelationID: o.CorrelationID,
		Attempt:       o.Attempts,
		Status:        status,
		Amount:        amount,
		ErrorMessage:  message,
	})
	if err != nil {
		log.Error().Err(err).Int64("order_id", o.ID).Msg("order attempt audit write failed")
	}
}

// notifyTerminal sends the pipeline's terminal notification through the
// gate. Suppression is independent of pipeline state.
func (e *Engine) notifyTerminal(ctx context.Context, rule *domain.Rule, p *domain.Pipeline, message string) {
	if !e.gate.ShouldNotify(rule, p) {
		e.metrics.NotificationsSuppressed.Inc()
		return
	}

	event := notify.Event{
		RuleID:     rule.ID,
		PipelineID: p.ID,
		Type:       p.Type,
		Status:     p.Status,
		Message:    message,
		OccurredAt: e.now(),
	}
	for _, sink := range e.sinks {
		if err := sink.Send(ctx, event); err != nil {
			log.Warn().Err(err).Int64("pipeline_id", p.ID).Msg("notification delivery failed")
		}
	}
	e.metrics.NotificationsSent.Inc()
}
