package domain

import (
	"errors"
	"fmt"
	"time"
)

// RuleStatus describes the lifecycle state of a liquidity rule.
type RuleStatus string

// Rule status constants
const (
	// RuleStatusActive: rule is evaluated every cycle.
	RuleStatusActive RuleStatus = "ACTIVE"
	// RuleStatusInactive: soft-deactivated by an operator, never evaluated.
	RuleStatusInactive RuleStatus = "INACTIVE"
	// RuleStatusPaused: set after a pipeline failure; the reactivation job
	// flips it back to ACTIVE once ReactivationSecs have elapsed.
	RuleStatusPaused RuleStatus = "PAUSED"
)

// Rule validation errors
var (
	ErrInvalidTarget     = errors.New("rule must reference exactly one of target asset or target fiat")
	ErrInvalidThresholds = errors.New("rule thresholds must satisfy minimal <= optimal <= maximal")
	ErrInvalidLimit      = errors.New("rule limit must not be below maximal")
)

// Rule represents the desired balance band for one asset or fiat target.
// Corresponds to the liquidity_rules table.
type Rule struct {
	ID            int64
	Status        RuleStatus
	TargetAssetID *int64 // exactly one of TargetAssetID / TargetFiatID is set
	TargetFiatID  *int64

	Minimal float64  // lower bound; balance below triggers a deficit
	Optimal float64  // target the correction aims for
	Maximal float64  // upper bound; balance above triggers a surplus
	Limit   *float64 // hard cap; corrections must never push balance past it

	ReactivationSecs  int64 // cooldown after pause/terminal pipeline, 0 = none
	DelayActivation   bool  // violation must persist two cycles before acting
	SendNotifications bool

	PausedAt  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate enforces the construction invariants: target XOR and threshold
// ordering. Legacy dual-null or dual-set records are a migration concern and
// rejected here.
func (r *Rule) Validate() error {
	if (r.TargetAssetID == nil) == (r.TargetFiatID == nil) {
		return ErrInvalidTarget
	}
	if r.Minimal > r.Optimal || r.Optimal > r.Maximal {
		return ErrInvalidThresholds
	}
	if r.Limit != nil && *r.Limit < r.Maximal {
		return ErrInvalidLimit
	}
	return nil
}

// NewRule creates a validated active rule.
func NewRule(targetAssetID, targetFiatID *int64, minimal, optimal, maximal float64) (*Rule, error) {
	r := &Rule{
		Status:        RuleStatusActive,
		TargetAssetID: targetAssetID,
		TargetFiatID:  targetFiatID,
		Minimal:       minimal,
		Optimal:       optimal,
		Maximal:       maximal,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Target returns a stable identifier of the rule's balance target,
// e.g. "asset:42" or "fiat:7".
func (r *Rule) Target() string {
	if r.TargetAssetID != nil {
		return fmt.Sprintf("asset:%d", *r.TargetAssetID)
	}
	if r.TargetFiatID != nil {
		return fmt.Sprintf("fiat:%d", *r.TargetFiatID)
	}
	return "unset"
}

// Deactivate soft-deactivates the rule.
func (r *Rule) Deactivate() {
	r.Status = RuleStatusInactive
}

// Pause suspends the rule after a pipeline failure. The paused timestamp
// drives ShouldReactivate.
func (r *Rule) Pause(now time.Time) {
	r.Status = RuleStatusPaused
	t := now
	r.PausedAt = &t
}

// Reactivate returns a paused or inactive rule to active evaluation.
func (r *Rule) Reactivate() {
	r.Status = RuleStatusActive
	r.PausedAt = nil
}

// ShouldReactivate reports whether a paused rule's cooldown has elapsed.
// Rules without a reactivation time stay paused until manually reactivated.
func (r *Rule) ShouldReactivate(now time.Time) bool {
	if r.Status != RuleStatusPaused || r.ReactivationSecs == 0 || r.PausedAt == nil {
		return false
	}
	return now.Sub(*r.PausedAt) >= time.Duration(r.ReactivationSecs)*time.Second
}

// ReactivationPeriod returns the cooldown as a duration.
func (r *Rule) ReactivationPeriod() time.Duration {
	return time.Duration(r.ReactivationSecs) * time.Second
}
