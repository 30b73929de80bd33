package domain

import (
	"errors"
	"time"
)

// ActionType classifies the corrective operation an action performs.
type ActionType string

// Action type constants
const (
	ActionTypeTrade    ActionType = "TRADE"    // trade on an exchange
	ActionTypeTransfer ActionType = "TRANSFER" // move between accounts or chains
	ActionTypePayout   ActionType = "PAYOUT"   // pay out to a bank account
)

// Action validation errors
var (
	ErrUnknownActionType = errors.New("unknown action type")
	ErrEmptyActionChain  = errors.New("rule has no actions configured for pipeline type")
)

// Action is one configured step of a rule's corrective chain. Actions are
// immutable once referenced by historical orders; edits create a new action
// row instead of mutating in place so the audit trail stays intact.
// Corresponds to the liquidity_actions table.
type Action struct {
	ID           int64
	RuleID       int64
	PipelineType PipelineType // which chain (deficit or surplus) this step belongs to
	Index        int          // position within the chain, executed in ascending order
	Type         ActionType
	Tag          string         // optional reusable group name, "" if rule-owned
	Params       map[string]any // free-form parameters passed to the action client
	MaxRetries   *int           // per-action override of the type-level retry budget

	CreatedAt time.Time
}

// ValidType reports whether the action carries a known type tag.
func (a *Action) ValidType() bool {
	switch a.Type {
	case ActionTypeTrade, ActionTypeTransfer, ActionTypePayout:
		return true
	default:
		return false
	}
}

// ValidateChain checks that a chain is non-empty, of known types, and
// strictly index-ordered. Rejected at configuration time so the runtime
// never sees a broken chain.
func ValidateChain(actions []*Action) error {
	if len(actions) == 0 {
		return ErrEmptyActionChain
	}
	for i, a := range actions {
		if !a.ValidType() {
			return ErrUnknownActionType
		}
		if a.Index != i {
			return errors.New("action chain indexes must be contiguous from zero")
		}
	}
	return nil
}
