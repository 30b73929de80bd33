// Package main runs one liquidity correction end to end against in-memory
// stores and stub action clients: seed a rule with a deficit chain, drive
// evaluation and stepping for a fixed number of cycles, print the outcome.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"liquidity-manager/internal/action"
	"liquidity-manager/internal/action/stub"
	"liquidity-manager/internal/control"
	"liquidity-manager/internal/domain"
	"liquidity-manager/internal/engine"
	"liquidity-manager/internal/evaluator"
	"liquidity-manager/internal/storage/memory"
)

func main() {
	balance := flag.Float64("balance", 80, "Simulated balance of the rule's target")
	cycles := flag.Int("cycles", 10, "Evaluation/step cycles to run")
	failFirst := flag.Bool("fail-start", false, "Fail the first trade submission to show the retry path")
	flag.Parse()

	ctx := context.Background()

	rules := memory.NewRuleStore()
	actions := memory.NewActionStore()
	pipelines := memory.NewPipelineStore()
	orders := memory.NewOrderStore()
	audit := memory.NewAttemptLog()

	trade := stub.New()
	transfer := stub.New()
	if *failFirst {
		trade.FailStartWith(fmt.Errorf("simulated submission failure"))
	}

	eng, err := engine.New(engine.Options{
		Rules:     rules,
		Actions:   actions,
		Pipelines: pipelines,
		Orders:    orders,
		Clients: action.Registry{
			domain.ActionTypeTrade:    trade,
			domain.ActionTypeTransfer: transfer,
		},
		Audit: audit,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine setup: %v\n", err)
		os.Exit(1)
	}

	runner, err := control.New(control.Options{
		Engine:    eng,
		Rules:     rules,
		Pipelines: pipelines,
		Balances: evaluator.BalanceReaderFunc(func(context.Context, *domain.Rule) (float64, error) {
			return *balance, nil
		}),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "runner setup: %v\n", err)
		os.Exit(1)
	}

	assetID := int64(1)
	rule, err := domain.NewRule(&assetID, nil, 100, 150, 300)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rule: %v\n", err)
		os.Exit(1)
	}
	if err := rules.Insert(ctx, rule); err != nil {
		fmt.Fprintf(os.Stderr, "insert rule: %v\n", err)
		os.Exit(1)
	}

	chain := []*domain.Action{
		{
			RuleID:       rule.ID,
			PipelineType: domain.PipelineTypeDeficit,
			Index:        0,
			Type:         domain.ActionTypeTrade,
			Params:       map[string]any{"exchange": "kraken", "pair": "BTC/EUR"},
		},
		{
			RuleID:       rule.ID,
			PipelineType: domain.PipelineTypeDeficit,
			Index:        1,
			Type:         domain.ActionTypeTransfer,
			Params:       map[string]any{"source": "kraken", "target": "treasury"},
		},
	}
	for _, a := range chain {
		if err := actions.Insert(ctx, a); err != nil {
			fmt.Fprintf(os.Stderr, "insert action: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Println("=== Liquidity Correction Simulation ===")
	fmt.Printf("Rule: minimal=%.0f optimal=%.0f maximal=%.0f, balance=%.0f\n",
		rule.Minimal, rule.Optimal, rule.Maximal, *balance)

	for i := 0; i < *cycles; i++ {
		if err := runner.EvaluateOnce(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "evaluate: %v\n", err)
			os.Exit(1)
		}
		if err := eng.StepAll(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "step: %v\n", err)
			os.Exit(1)
		}
		if *failFirst && i == 0 {
			// Let reconciliation discover the lost submission.
			trade.FailStartWith(nil)
		}

		active, err := pipelines.GetActive(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pipelines: %v\n", err)
			os.Exit(1)
		}
		if len(active) == 0 && i > 0 {
			break
		}
	}

	printOutcome(ctx, pipelines, orders, audit, rule.ID)
}

func printOutcome(ctx context.Context, pipelines *memory.PipelineStore, orders *memory.OrderStore, audit *memory.AttemptLog, ruleID int64) {
	p, err := pipelines.GetLatestTerminalByRule(ctx, ruleID)
	if err != nil {
		p, err = pipelines.GetActiveByRule(ctx, ruleID)
		if err != nil {
			fmt.Println("\nNo pipeline was created.")
			return
		}
	}

	fmt.Printf("\nPipeline %d: %s %s\n", p.ID, p.Type, p.Status)
	fmt.Printf("  Band: min=%.2f max=%.2f, orders processed: %d\n",
		p.MinAmount, p.MaxAmount, p.OrdersProcessed)

	all, err := orders.GetByPipeline(ctx, p.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orders: %v\n", err)
		return
	}
	for _, o := range all {
		output := "-"
		if o.OutputAmount != nil {
			output = fmt.Sprintf("%.2f", *o.OutputAmount)
		}
		fmt.Printf("  Order %d: action#%d %s estimate=%.2f output=%s attempts=%d correlation=%s\n",
			o.ID, o.ActionIndex, o.Status, o.EstimatedTargetAmount, output, o.Attempts, o.CorrelationID)
		for _, prev := range o.PreviousCorrelationIDs {
			fmt.Printf("    discarded attempt: %s\n", prev)
		}
	}

	attempts, err := audit.GetByPipeline(ctx, p.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: %v\n", err)
		return
	}
	fmt.Println("  Audit trail:")
	for _, a := range attempts {
		fmt.Printf("    %s order=%d attempt=%d %s %s\n",
			a.RecordedAt.Format("15:04:05"), a.OrderID, a.Attempt, a.ActionType, a.Status)
	}
}
