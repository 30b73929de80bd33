package evaluator

import (
	"sync"

	"liquidity-manager/internal/domain"
)

// DebounceTracker remembers, per rule, whether the previous evaluation cycle
// already saw a violation. Rules with DelayActivation only act once a
// violation persists across two consecutive cycles, so a single-cycle dip
// (a settlement in flight, a snapshot race) does not spawn a pipeline.
//
// State is process-local. After a restart the first violating
// cycle re-arms the tracker, which only delays action by one cycle.
type DebounceTracker struct {
	mu      sync.Mutex
	pending map[int64]domain.DecisionKind
}

// NewDebounceTracker creates an empty tracker.
func NewDebounceTracker() *DebounceTracker {
	return &DebounceTracker{pending: make(map[int64]domain.DecisionKind)}
}

// ShouldAct reports whether the decision may trigger a pipeline this cycle.
// Non-violations clear the rule's pending state. For rules without
// DelayActivation every violation acts immediately. A violation of a
// different kind than the pending one re-arms the delay.
func (t *DebounceTracker) ShouldAct(rule *domain.Rule, decision domain.Decision) bool {
	if !decision.IsViolation() {
		t.Clear(rule.ID)
		return false
	}
	if !rule.DelayActivation {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending[rule.ID] == decision.Kind {
		return true
	}
	t.pending[rule.ID] = decision.Kind
	return false
}

// Clear drops the pending state for a rule. Called when the rule leaves the
// active set or a pipeline is created.
func (t *DebounceTracker) Clear(ruleID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, ruleID)
}
