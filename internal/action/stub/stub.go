// Package stub provides a scriptable action client for tests and dry runs.
package stub

import (
	"context"
	"sync"

	"liquidity-manager/internal/action"
)

// Client is an in-memory action.Client with scriptable outcomes. The zero
// behavior confirms every started operation complete at the submitted
// amount; tests override per correlation id to exercise failure, retry and
// reconciliation paths.
type Client struct {
	mu sync.Mutex

	requiredKey string
	missingErr  error

	startErr error
	started  map[string]float64
	results  map[string]*action.Result

	startCalls int
	checkCalls int
}

// Compile-time interface check.
var _ action.Client = (*Client)(nil)

// New creates a stub client that completes every operation.
func New() *Client {
	return &Client{
		started: make(map[string]float64),
		results: make(map[string]*action.Result),
	}
}

// WithRequiredParam makes ValidateParams demand a non-empty string param.
func (c *Client) WithRequiredParam(key string, missing error) *Client {
	c.requiredKey = key
	c.missingErr = missing
	return c
}

// FailStartWith makes every Start call return err until cleared with nil.
func (c *Client) FailStartWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startErr = err
}

// ScriptResult programs the CheckCompletion outcome for a correlation id.
func (c *Client) ScriptResult(correlationID string, r *action.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[correlationID] = r
}

// ValidateParams implements action.Client.
func (c *Client) ValidateParams(params map[string]any) error {
	if c.requiredKey == "" {
		return nil
	}
	return action.RequireString(params, c.requiredKey, c.missingErr)
}

// Start implements action.Client.
func (c *Client) Start(_ context.Context, correlationID string, amount float64, _ map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.startCalls++
	if c.startErr != nil {
		return c.startErr
	}
	c.started[correlationID] = amount
	return nil
}

// CheckCompletion implements action.Client. Scripted results win; otherwise
// a started operation reports complete at the submitted amount and an
// unknown correlation id reports a confirmed failure, which is the
// reconciliation contract for submissions that never landed.
func (c *Client) CheckCompletion(_ context.Context, correlationID string) (*action.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checkCalls++
	if r, ok := c.results[correlationID]; ok {
		return r, nil
	}
	if amount, ok := c.started[correlationID]; ok {
		return &action.Result{Complete: true, OutputAmount: amount}, nil
	}
	return &action.Result{FailureReason: "operation not found"}, nil
}

// Started reports whether Start was called with the correlation id.
func (c *Client) Started(correlationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.started[correlationID]
	return ok
}

// StartCalls returns the number of Start invocations.
func (c *Client) StartCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startCalls
}

// CheckCalls returns the number of CheckCompletion invocations.
func (c *Client) CheckCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkCalls
}
