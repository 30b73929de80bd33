// Package action defines the client contract for executing corrective
// operations against external systems, and a registry keyed by action type.
package action

import (
	"context"
	"errors"

	"liquidity-manager/internal/domain"
)

// Registry and validation errors
var (
	ErrUnknownActionType = errors.New("no client registered for action type")
	ErrMissingExchange   = errors.New("TRADE requires params.exchange")
	ErrMissingPair       = errors.New("TRADE requires params.pair")
	ErrMissingSource     = errors.New("TRANSFER requires params.source")
	ErrMissingTarget     = errors.New("TRANSFER requires params.target")
	ErrMissingAccount    = errors.New("PAYOUT requires params.account")
)

// Result of a completion check.
type Result struct {
	// Complete is true once the external operation is confirmed done.
	Complete bool
	// OutputAmount is the confirmed output, valid only when Complete.
	OutputAmount float64
	// NotProcessable marks a confirmed-permanent failure that must not be
	// retried under any correlation id.
	NotProcessable bool
	// FailureReason is set when the operation is confirmed failed.
	FailureReason string
	// CorrelationChanged signals that the external system discarded the
	// submitted operation and the order needs a fresh correlation id.
	CorrelationChanged bool
}

// Client executes one action type against an external system. Execution is
// two-phase: Start submits the operation under a correlation id and returns
// immediately; CheckCompletion polls the external system of record by that
// id. A Start whose outcome is unknown (timeout, connection reset) must be
// left unresolved; only CheckCompletion may decide it.
type Client interface {
	// ValidateParams rejects malformed action configuration before any
	// order is created.
	ValidateParams(params map[string]any) error

	// Start submits the operation for the given amount under the
	// correlation id.
	Start(ctx context.Context, correlationID string, amount float64, params map[string]any) error

	// CheckCompletion reports the confirmed state of a previously started
	// operation.
	CheckCompletion(ctx context.Context, correlationID string) (*Result, error)
}

// Registry maps action types to their clients.
type Registry map[domain.ActionType]Client

// ForType returns the client for an action type.
func (r Registry) ForType(t domain.ActionType) (Client, error) {
	c, ok := r[t]
	if !ok {
		return nil, ErrUnknownActionType
	}
	return c, nil
}

// ValidateParams checks an action's params against its registered client.
func (r Registry) ValidateParams(a *domain.Action) error {
	c, err := r.ForType(a.Type)
	if err != nil {
		return err
	}
	return c.ValidateParams(a.Params)
}

// ValidateForType checks the baseline params every client of a type needs,
// independent of the concrete integration. Clients layer their own checks on
// top via ValidateParams.
func ValidateForType(t domain.ActionType, params map[string]any) error {
	switch t {
	case domain.ActionTypeTrade:
		if err := RequireString(params, "exchange", ErrMissingExchange); err != nil {
			return err
		}
		return RequireString(params, "pair", ErrMissingPair)
	case domain.ActionTypeTransfer:
		if err := RequireString(params, "source", ErrMissingSource); err != nil {
			return err
		}
		return RequireString(params, "target", ErrMissingTarget)
	case domain.ActionTypePayout:
		return RequireString(params, "account", ErrMissingAccount)
	default:
		return ErrUnknownActionType
	}
}

// RequireString validates that params carries a non-empty string under key.
// Shared by client implementations.
func RequireString(params map[string]any, key string, missing error) error {
	v, ok := params[key]
	if !ok {
		return missing
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return missing
	}
	return nil
}
