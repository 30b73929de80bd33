// Package evaluator compares balance snapshots against rule thresholds and
// produces corrective decisions.
package evaluator

import (
	"context"
	"errors"

	"liquidity-manager/internal/domain"
)

// ErrBalanceUnavailable is returned by BalanceReader implementations when no
// fresh snapshot exists for a target. The rule skips the cycle; nothing is
// created.
var ErrBalanceUnavailable = errors.New("balance snapshot unavailable")

// BalanceReader supplies the current balance for a rule's target.
type BalanceReader interface {
	Balance(ctx context.Context, rule *domain.Rule) (float64, error)
}

// BalanceReaderFunc adapts a function to the BalanceReader interface.
type BalanceReaderFunc func(ctx context.Context, rule *domain.Rule) (float64, error)

// Balance implements BalanceReader.
func (f BalanceReaderFunc) Balance(ctx context.Context, rule *domain.Rule) (float64, error) {
	return f(ctx, rule)
}

// Evaluate compares a balance against the rule's band and returns the
// corrective decision. Pure: same inputs, same output.
//
// A balance inside [Minimal, Maximal] needs no action. Below Minimal the
// deficit correction aims for Optimal and must not exceed Maximal (nor the
// rule's hard Limit). Above Maximal the surplus correction aims for Optimal
// and must not drain below Minimal.
func Evaluate(rule *domain.Rule, balance float64) domain.Decision {
	switch {
	case balance < rule.Minimal:
		minAmount := rule.Optimal - balance
		maxAmount := rule.Maximal - balance
		if band := rule.Maximal - rule.Minimal; minAmount > band {
			minAmount = band
		}
		if minAmount < 0 {
			minAmount = 0
		}
		if rule.Limit != nil {
			if headroom := *rule.Limit - balance; headroom < maxAmount {
				maxAmount = headroom
				if minAmount > maxAmount {
					minAmount = maxAmount
				}
			}
		}
		return domain.Deficit(minAmount, maxAmount)

	case balance > rule.Maximal:
		return domain.Surplus(balance-rule.Optimal, balance-rule.Minimal)

	default:
		return domain.NoAction
	}
}
