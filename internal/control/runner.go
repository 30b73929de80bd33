// Package control runs the closed loop: periodic rule evaluation, pipeline
// stepping and rule reactivation.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"liquidity-manager/internal/domain"
	"liquidity-manager/internal/engine"
	"liquidity-manager/internal/evaluator"
	"liquidity-manager/internal/observability"
	"liquidity-manager/internal/storage"
)

// Config errors
var (
	ErrMissingEngine   = errors.New("runner requires an engine")
	ErrMissingBalances = errors.New("runner requires a balance reader")
)

// Runner drives the control loop. Evaluation decides whether a rule needs a
// corrective pipeline; stepping advances every active pipeline; reactivation
// resumes paused rules once their cooldown has elapsed. Each concern runs on
// its own ticker so a slow external system stalls only its own cadence.
type Runner struct {
	engine    *engine.Engine
	rules     storage.RuleStore
	pipelines storage.PipelineStore
	balances  evaluator.BalanceReader
	debounce  *evaluator.DebounceTracker
	metrics   *observability.Metrics

	evalInterval         time.Duration
	stepInterval         time.Duration
	reactivationInterval time.Duration
}

// Options contains configuration for creating a Runner.
type Options struct {
	Engine    *engine.Engine
	Rules     storage.RuleStore
	Pipelines storage.PipelineStore
	Balances  evaluator.BalanceReader
	Metrics   *observability.Metrics

	EvalInterval         time.Duration // default 1m
	StepInterval         time.Duration // default 15s
	ReactivationInterval time.Duration // default 5m
}

// New creates a control loop runner.
func New(opts Options) (*Runner, error) {
	if opts.Engine == nil {
		return nil, ErrMissingEngine
	}
	if opts.Rules == nil || opts.Pipelines == nil {
		return nil, engine.ErrMissingStore
	}
	if opts.Balances == nil {
		return nil, ErrMissingBalances
	}

	evalInterval := opts.EvalInterval
	if evalInterval == 0 {
		evalInterval = time.Minute
	}
	stepInterval := opts.StepInterval
	if stepInterval == 0 {
		stepInterval = 15 * time.Second
	}
	reactivationInterval := opts.ReactivationInterval
	if reactivationInterval == 0 {
		reactivationInterval = 5 * time.Minute
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.DefaultMetrics
	}

	return &Runner{
		engine:               opts.Engine,
		rules:                opts.Rules,
		pipelines:            opts.Pipelines,
		balances:             opts.Balances,
		debounce:             evaluator.NewDebounceTracker(),
		metrics:              metrics,
		evalInterval:         evalInterval,
		stepInterval:         stepInterval,
		reactivationInterval: reactivationInterval,
	}, nil
}

// Run blocks until the context is cancelled, driving all three cadences. An
// evaluation and a step pass run immediately on start so a restart does not
// wait a full interval before resuming in-flight pipelines.
func (r *Runner) Run(ctx context.Context) error {
	log.Info().
		Dur("eval_interval", r.evalInterval).
		Dur("step_interval", r.stepInterval).
		Dur("reactivation_interval", r.reactivationInterval).
		Msg("control loop starting")

	if err := r.engine.StepAll(ctx); err != nil {
		log.Error().Err(err).Msg("initial step pass failed")
	}
	if err := r.EvaluateOnce(ctx); err != nil {
		log.Error().Err(err).Msg("initial evaluation failed")
	}

	evalTicker := time.NewTicker(r.evalInterval)
	defer evalTicker.Stop()
	stepTicker := time.NewTicker(r.stepInterval)
	defer stepTicker.Stop()
	reactivationTicker := time.NewTicker(r.reactivationInterval)
	defer reactivationTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("control loop stopping")
			return ctx.Err()
		case <-evalTicker.C:
			if err := r.EvaluateOnce(ctx); err != nil {
				log.Error().Err(err).Msg("evaluation cycle failed")
			}
		case <-stepTicker.C:
			if err := r.engine.StepAll(ctx); err != nil {
				log.Error().Err(err).Msg("step pass failed")
			}
		case <-reactivationTicker.C:
			if err := r.engine.ReactivateRules(ctx); err != nil {
				log.Error().Err(err).Msg("reactivation pass failed")
			}
		}
	}
}

// EvaluateOnce runs a single evaluation cycle over all active rules. A rule
// whose balance cannot be read skips the cycle; a rule with an active
// pipeline is left alone regardless of what its balance says.
func (r *Runner) EvaluateOnce(ctx context.Context) error {
	rules, err := r.rules.GetByStatus(ctx, domain.RuleStatusActive)
	if err != nil {
		return fmt.Errorf("load active rules: %w", err)
	}
	r.metrics.EvaluationCycles.Inc()

	for _, rule := range rules {
		if err := r.evaluateRule(ctx, rule); err != nil {
			log.Error().Err(err).Int64("rule_id", rule.ID).Msg("rule evaluation failed")
		}
	}
	return nil
}

func (r *Runner) evaluateRule(ctx context.Context, rule *domain.Rule) error {
	balance, err := r.balances.Balance(ctx, rule)
	if err != nil {
		r.metrics.BalanceReadErrors.Inc()
		log.Warn().Err(err).
			Int64("rule_id", rule.ID).
			Str("target", rule.Target()).
			Msg("balance unavailable, skipping cycle")
		return nil
	}

	decision := evaluator.Evaluate(rule, balance)
	r.metrics.Decisions.WithLabelValues(string(decision.Kind)).Inc()

	if !r.debounce.ShouldAct(rule, decision) {
		return nil
	}

	if _, err := r.pipelines.GetActiveByRule(ctx, rule.ID); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("check active pipeline: %w", err)
	}

	p, err := r.engine.CreatePipeline(ctx, rule, decision)
	if errors.Is(err, storage.ErrPipelineActive) {
		// Lost the race against a concurrent evaluator; the winner's
		// pipeline covers this violation.
		return nil
	}
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	log.Info().
		Int64("rule_id", rule.ID).
		Int64("pipeline_id", p.ID).
		Str("kind", string(decision.Kind)).
		Float64("balance", balance).
		Msg("violation detected, pipeline created")
	return nil
}

// ArmRetry schedules a single pipeline step for when an order's backoff gate
// opens, so a retry does not wait for the next step tick. The regular step
// pass remains the safety net if the timer is lost to a restart.
func ArmRetry(ctx context.Context, eng *engine.Engine, pipelineID int64, at time.Time) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		if err := eng.Step(ctx, pipelineID); err != nil {
			log.Error().Err(err).Int64("pipeline_id", pipelineID).Msg("retry step failed")
		}
	})
}
