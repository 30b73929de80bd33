package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"liquidity-manager/internal/domain"
	"liquidity-manager/internal/storage"
)

// Step advances one pipeline by at most one transition: dispatch the current
// order, reconcile an in-flight one, or move to the next action. Calling it
// again on an unchanged pipeline is a no-op, so the poll loop and retry
// timers may overlap freely.
func (e *Engine) Step(ctx context.Context, pipelineID int64) error {
	unlock := e.lockPipeline(pipelineID)
	defer unlock()

	start := e.now()
	defer func() {
		e.metrics.StepDuration.Observe(e.now().Sub(start).Seconds())
	}()

	p, err := e.pipelines.GetByID(ctx, pipelineID)
	if err != nil {
		return fmt.Errorf("load pipeline %d: %w", pipelineID, err)
	}
	if p.IsTerminal() {
		e.releaseLock(p.ID)
		return nil
	}

	chain, err := e.actions.GetChain(ctx, p.RuleID, p.Type)
	if err != nil {
		return fmt.Errorf("load action chain: %w", err)
	}
	if len(chain) == 0 {
		// Chains are validated at creation; losing one mid-flight means the
		// configuration was tampered with.
		return e.failPipeline(ctx, p, "action chain no longer configured")
	}

	if p.Status == domain.PipelineStatusCreated {
		p.Start()
		if err := e.pipelines.Update(ctx, p); err != nil {
			return fmt.Errorf("start pipeline: %w", err)
		}
		e.emitPipeline(p)
	}

	if p.CurrentActionIndex >= len(chain) {
		return e.completePipeline(ctx, p)
	}
	act := chain[p.CurrentActionIndex]

	order, err := e.orders.GetOpenByPipelineAction(ctx, p.ID, p.CurrentActionIndex)
	if errors.Is(err, storage.ErrNotFound) {
		order, err = e.openOrder(ctx, p, act)
		if err != nil || order == nil {
			return err
		}
	} else if err != nil {
		return fmt.Errorf("load open order: %w", err)
	}

	switch order.Status {
	case domain.OrderStatusCreated:
		return e.dispatch(ctx, p, act, order)
	case domain.OrderStatusInProgress:
		return e.reconcile(ctx, p, chain, act, order)
	default:
		return nil
	}
}

// openOrder creates the next order of the current step, estimated at the
// still-uncovered part of the correction band. Returns (nil, nil) when the
// pipeline turned out to be complete instead.
func (e *Engine) openOrder(ctx context.Context, p *domain.Pipeline, act *domain.Action) (*domain.Order, error) {
	remaining, err := e.remainingAmount(ctx, p)
	if err != nil {
		return nil, err
	}
	if remaining <= 0 {
		return nil, e.completePipeline(ctx, p)
	}

	order := domain.NewOrder(p.ID, act, e.newID(), remaining)
	if err := e.orders.Insert(ctx, order); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	e.emitOrder(order)
	log.Info().
		Int64("pipeline_id", p.ID).
		Int64("order_id", order.ID).
		Str("action_type", string(act.Type)).
		Str("correlation_id", order.CorrelationID).
		Float64("estimate", remaining).
		Msg("order created")
	return order, nil
}

// dispatch submits a created order to its action client. The order is marked
// in flight before Start so a crash mid-call reconciles the attempt instead
// of re-submitting it under the same correlation id.
func (e *Engine) dispatch(ctx context.Context, p *domain.Pipeline, act *domain.Action, order *domain.Order) error {
	if !order.RetryEligible(e.now()) {
		return nil
	}

	client, err := e.clients.ForType(act.Type)
	if err != nil {
		order.MarkNotProcessable(err.Error())
		if uerr := e.orders.Update(ctx, order); uerr != nil {
			return fmt.Errorf("mark order not processable: %w", uerr)
		}
		e.emitOrder(order)
		return e.failPipeline(ctx, p, err.Error())
	}

	order.Dispatch()
	if err := e.orders.Update(ctx, order); err != nil {
		return fmt.Errorf("dispatch order: %w", err)
	}

	if err := client.Start(ctx, order.CorrelationID, order.EstimatedTargetAmount, act.Params); err != nil {
		// Outcome unknown: the submission may or may not have landed. The
		// order stays in flight and the next reconciliation decides.
		e.recordAttempt(ctx, p, order, act.Type, "start_error", err.Error(), order.EstimatedTargetAmount)
		e.emitOrder(order)
		log.Warn().Err(err).
			Int64("order_id", order.ID).
			Str("correlation_id", order.CorrelationID).
			Msg("order start outcome unknown, awaiting reconciliation")
		return nil
	}

	e.metrics.OrdersStarted.WithLabelValues(string(act.Type)).Inc()
	e.recordAttempt(ctx, p, order, act.Type, "started", "", order.EstimatedTargetAmount)
	e.emitOrder(order)
	log.Info().
		Int64("order_id", order.ID).
		Str("correlation_id", order.CorrelationID).
		Int("attempt", order.Attempts).
		Msg("order dispatched")
	return nil
}

// reconcile resolves an in-flight order against the external system of
// record. Ambiguity (the check itself failing) leaves the order untouched.
func (e *Engine) reconcile(ctx context.Context, p *domain.Pipeline, chain []*domain.Action, act *domain.Action, order *domain.Order) error {
	client, err := e.clients.ForType(act.Type)
	if err != nil {
		order.MarkNotProcessable(err.Error())
		if uerr := e.orders.Update(ctx, order); uerr != nil {
			return fmt.Errorf("mark order not processable: %w", uerr)
		}
		e.emitOrder(order)
		return e.failPipeline(ctx, p, err.Error())
	}

	res, err := client.CheckCompletion(ctx, order.CorrelationID)
	if err != nil {
		log.Warn().Err(err).
			Int64("order_id", order.ID).
			Str("correlation_id", order.CorrelationID).
			Msg("completion check unavailable, order stays in flight")
		return nil
	}

	switch {
	case res.Complete:
		order.Complete(res.OutputAmount)
		if err := e.orders.Update(ctx, order); err != nil {
			return fmt.Errorf("complete order: %w", err)
		}
		e.metrics.OrdersCompleted.WithLabelValues(string(act.Type)).Inc()
		e.recordAttempt(ctx, p, order, act.Type, "completed", "", res.OutputAmount)
		e.emitOrder(order)
		log.Info().
			Int64("order_id", order.ID).
			Float64("output_amount", res.OutputAmount).
			Msg("order complete")
		return e.advance(ctx, p, chain)

	case res.NotProcessable:
		order.MarkNotProcessable(res.FailureReason)
		if err := e.orders.Update(ctx, order); err != nil {
			return fmt.Errorf("mark order not processable: %w", err)
		}
		e.recordAttempt(ctx, p, order, act.Type, "not_processable", res.FailureReason, 0)
		e.emitOrder(order)
		return e.failPipeline(ctx, p, res.FailureReason)

	case res.FailureReason != "" || res.CorrelationChanged:
		reason := res.FailureReason
		if reason == "" {
			reason = "operation discarded by external system"
		}
		return e.retryOrFail(ctx, p, act, order, reason)

	default:
		// Still pending.
		return nil
	}
}

// retryOrFail rotates the order onto a fresh correlation id or, with the
// attempt budget spent, fails the order and its pipeline.
func (e *Engine) retryOrFail(ctx context.Context, p *domain.Pipeline, act *domain.Action, order *domain.Order, reason string) error {
	policy := e.policies.For(act.Type)
	if policy.Exhausted(order.Attempts, act.MaxRetries) {
		order.Fail(reason)
		if err := e.orders.Update(ctx, order); err != nil {
			return fmt.Errorf("fail order: %w", err)
		}
		e.recordAttempt(ctx, p, order, act.Type, "failed", reason, 0)
		e.emitOrder(order)
		return e.failPipeline(ctx, p, fmt.Sprintf("%v after %d attempts: %s", ErrActionFailed, order.Attempts, reason))
	}

	nextAt := policy.NextRetryAt(e.now(), order.Attempts)
	order.Retry(e.newID(), nextAt)
	if err := e.orders.Update(ctx, order); err != nil {
		return fmt.Errorf("retry order: %w", err)
	}
	e.metrics.OrdersRetried.WithLabelValues(string(act.Type)).Inc()
	e.recordAttempt(ctx, p, order, act.Type, "retried", reason, order.EstimatedTargetAmount)
	e.emitOrder(order)
	log.Info().
		Int64("order_id", order.ID).
		Str("correlation_id", order.CorrelationID).
		Int("attempt", order.Attempts).
		Time("next_retry_at", nextAt).
		Msg("order retry scheduled")

	if e.scheduleRetry != nil {
		e.scheduleRetry(p.ID, nextAt)
	}
	return nil
}

// advance moves the pipeline past a completed order: done when the summed
// output covers the correction band or the chain is exhausted, otherwise on
// to the next action.
func (e *Engine) advance(ctx context.Context, p *domain.Pipeline, chain []*domain.Action) error {
	p.OrdersProcessed++

	remaining, err := e.remainingAmount(ctx, p)
	if err != nil {
		return err
	}
	if remaining <= 0 || p.CurrentActionIndex+1 >= len(chain) {
		return e.completePipeline(ctx, p)
	}

	p.Advance()
	if err := e.pipelines.Update(ctx, p); err != nil {
		return fmt.Errorf("advance pipeline: %w", err)
	}
	e.emitPipeline(p)
	return nil
}

// remainingAmount is the part of the correction band not yet covered by
// completed orders.
func (e *Engine) remainingAmount(ctx context.Context, p *domain.Pipeline) (float64, error) {
	all, err := e.orders.GetByPipeline(ctx, p.ID)
	if err != nil {
		return 0, fmt.Errorf("load pipeline orders: %w", err)
	}

	var covered float64
	for _, o := range all {
		if o.Status == domain.OrderStatusComplete && o.OutputAmount != nil {
			covered += *o.OutputAmount
		}
	}
	return p.MinAmount - covered, nil
}

func (e *Engine) completePipeline(ctx context.Context, p *domain.Pipeline) error {
	p.Complete()
	if err := e.pipelines.Update(ctx, p); err != nil {
		return fmt.Errorf("complete pipeline: %w", err)
	}
	e.metrics.PipelinesCompleted.WithLabelValues(string(p.Type)).Inc()
	e.emitPipeline(p)
	e.releaseLock(p.ID)
	log.Info().
		Int64("pipeline_id", p.ID).
		Int64("rule_id", p.RuleID).
		Int("orders_processed", p.OrdersProcessed).
		Msg("pipeline complete")

	rule, err := e.rules.GetByID(ctx, p.RuleID)
	if err != nil {
		return fmt.Errorf("load rule for notification: %w", err)
	}
	e.notifyTerminal(ctx, rule, p, "liquidity correction complete")
	return nil
}

// failPipeline retires the pipeline and pauses its rule so the evaluator
// does not immediately spawn a doomed successor. The reactivation job
// resumes the rule after its cooldown.
func (e *Engine) failPipeline(ctx context.Context, p *domain.Pipeline, reason string) error {
	p.Fail()
	if err := e.pipelines.Update(ctx, p); err != nil {
		return fmt.Errorf("fail pipeline: %w", err)
	}
	e.metrics.PipelinesFailed.WithLabelValues(string(p.Type)).Inc()
	e.emitPipeline(p)
	e.releaseLock(p.ID)
	log.Error().
		Int64("pipeline_id", p.ID).
		Int64("rule_id", p.RuleID).
		Str("reason", reason).
		Msg("pipeline failed")

	rule, err := e.rules.GetByID(ctx, p.RuleID)
	if err != nil {
		return fmt.Errorf("load rule for pause: %w", err)
	}
	rule.Pause(e.now())
	if err := e.rules.Update(ctx, rule); err != nil {
		return fmt.Errorf("pause rule: %w", err)
	}
	e.metrics.RulesPaused.Inc()

	e.notifyTerminal(ctx, rule, p, fmt.Sprintf("liquidity correction failed: %s", reason))
	return nil
}
