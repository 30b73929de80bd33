// Package retrypolicy decides whether and when a failed order attempt may
// run again. Orders retry across step cycles rather than in a blocking
// loop, so the policy only computes schedules; the engine persists
// NextRetryAt and picks the order up once the gate opens.
package retrypolicy

import (
	"math"
	"math/rand"
	"time"

	"liquidity-manager/internal/domain"
)

// Policy is the retry schedule for one action type.
//
// Exponential backoff with jitter:
// delay = min(InitialDelay * Multiplier^(attempt-1), MaxDelay) ± jitter
type Policy struct {
	// MaxAttempts is the total attempt budget, including the first.
	MaxAttempts int

	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// Multiplier grows the delay after every failed attempt.
	Multiplier float64

	// JitterFactor (0.0 - 1.0) randomizes the delay to spread retries of
	// unrelated orders apart.
	JitterFactor float64
}

// DefaultPolicy is the schedule used when no per-type override applies:
// 5 attempts, delays 30s, 1m, 2m, 4m, capped at 1h.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: 30 * time.Second,
		MaxDelay:     time.Hour,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// TransferPolicy waits longer between attempts: on-chain and interbank
// transfers settle slowly, so hammering the provider buys nothing.
func TransferPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: 2 * time.Minute,
		MaxDelay:     time.Hour,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

func (p Policy) validate() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 30 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = time.Hour
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.JitterFactor < 0 {
		p.JitterFactor = 0
	}
	if p.JitterFactor > 1 {
		p.JitterFactor = 1
	}
	return p
}

// Exhausted reports whether the attempt budget is spent. maxOverride, when
// non-nil, replaces the policy's budget for this order.
func (p Policy) Exhausted(attempts int, maxOverride *int) bool {
	p = p.validate()
	budget := p.MaxAttempts
	if maxOverride != nil && *maxOverride > 0 {
		budget = *maxOverride
	}
	return attempts >= budget
}

// Delay computes the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.validate()
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.JitterFactor > 0 {
		delay += delay * p.JitterFactor * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

// NextRetryAt computes the earliest time the next attempt may run.
func (p Policy) NextRetryAt(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}

// Set maps action types to their policies.
type Set map[domain.ActionType]Policy

// DefaultSet returns the per-type schedules used in production.
func DefaultSet() Set {
	return Set{
		domain.ActionTypeTrade:    DefaultPolicy(),
		domain.ActionTypeTransfer: TransferPolicy(),
		domain.ActionTypePayout:   TransferPolicy(),
	}
}

// For returns the policy for an action type, falling back to the default.
func (s Set) For(t domain.ActionType) Policy {
	if p, ok := s[t]; ok {
		return p
	}
	return DefaultPolicy()
}
