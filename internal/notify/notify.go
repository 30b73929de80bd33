// Package notify delivers pipeline lifecycle notifications to operators.
// Delivery is fire-and-forget: a failed send is logged and dropped, it never
// blocks or fails the pipeline that triggered it.
package notify

import (
	"context"
	"sync"
	"time"

	"liquidity-manager/internal/domain"
)

// Event is one operator-facing notification.
type Event struct {
	RuleID     int64                 `json:"ruleId"`
	PipelineID int64                 `json:"pipelineId"`
	Type       domain.PipelineType   `json:"type"`
	Status     domain.PipelineStatus `json:"status"`
	Message    string                `json:"message"`
	OccurredAt time.Time             `json:"occurredAt"`
}

// Sink delivers events somewhere.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Gate decides whether a rule's pipeline event should notify. Suppression
// never affects pipeline creation or execution; it only silences the
// message.
type Gate struct {
	mu       sync.Mutex
	lastSent map[int64]time.Time
	now      func() time.Time
}

// NewGate creates a gate with no send history.
func NewGate() *Gate {
	return &Gate{lastSent: make(map[int64]time.Time), now: time.Now}
}

// ShouldNotify reports whether to send. False when the pipeline's rule
// snapshot opted out, or when the rule already notified within its
// reactivation window (one message per incident, not one per cycle).
// A true result records the send.
func (g *Gate) ShouldNotify(rule *domain.Rule, p *domain.Pipeline) bool {
	if !p.SendNotifications {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	window := rule.ReactivationPeriod()
	if last, ok := g.lastSent[rule.ID]; ok && window > 0 && now.Sub(last) < window {
		return false
	}
	g.lastSent[rule.ID] = now
	return true
}
