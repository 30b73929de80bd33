package domain

import "time"

// OrderContext tags every order of this subsystem. Together with the
// correlation id it forms the idempotency key against external systems.
const OrderContext = "liquidity-management"

// OrderStatus describes the lifecycle state of an order.
type OrderStatus string

// Order status constants
const (
	OrderStatusCreated    OrderStatus = "CREATED"
	OrderStatusInProgress OrderStatus = "IN_PROGRESS"
	OrderStatusComplete   OrderStatus = "COMPLETE"
	OrderStatusFailed     OrderStatus = "FAILED"
	// OrderStatusNotProcessable: confirmed-permanent failure, never retried.
	OrderStatusNotProcessable OrderStatus = "NOT_PROCESSABLE"
)

// Order represents one execution attempt chain of a single action within a
// pipeline. Corresponds to the liquidity_orders table.
//
// OutputAmount is set only once the external operation is confirmed
// complete; until then the order is in flight and must not be re-submitted.
type Order struct {
	ID          int64
	PipelineID  int64
	ActionID    int64
	ActionIndex int
	Status      OrderStatus

	Context       string
	CorrelationID string
	// Append-only retry chain: correlation ids of discarded attempts, kept
	// for reconciliation against the external system of record.
	PreviousCorrelationIDs []string

	EstimatedTargetAmount float64
	OutputAmount          *float64
	ErrorMessage          *string

	Attempts    int
	NextRetryAt *time.Time // backoff gate; nil means eligible immediately

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewOrder creates the first attempt of an action execution.
func NewOrder(pipelineID int64, action *Action, correlationID string, estimate float64) *Order {
	return &Order{
		PipelineID:            pipelineID,
		ActionID:              action.ID,
		ActionIndex:           action.Index,
		Status:                OrderStatusCreated,
		Context:               OrderContext,
		CorrelationID:         correlationID,
		EstimatedTargetAmount: estimate,
		Attempts:              1,
	}
}

// Dispatch marks the order in flight.
func (o *Order) Dispatch() {
	o.Status = OrderStatusInProgress
}

// Complete records the confirmed output amount and marks terminal-success.
func (o *Order) Complete(outputAmount float64) {
	amt := outputAmount
	o.OutputAmount = &amt
	o.Status = OrderStatusComplete
}

// Fail records the error and marks the attempt failed. The order may still
// be retried with a fresh correlation id.
func (o *Order) Fail(message string) {
	msg := message
	o.ErrorMessage = &msg
	o.Status = OrderStatusFailed
}

// MarkNotProcessable records a permanent failure that must not be retried.
func (o *Order) MarkNotProcessable(message string) {
	msg := message
	o.ErrorMessage = &msg
	o.Status = OrderStatusNotProcessable
}

// Retry rotates the correlation id for a new attempt, preserving the old id
// in the retry chain, and gates the attempt behind nextRetryAt.
func (o *Order) Retry(newCorrelationID string, nextRetryAt time.Time) {
	o.PreviousCorrelationIDs = append(o.PreviousCorrelationIDs, o.CorrelationID)
	o.CorrelationID = newCorrelationID
	o.Status = OrderStatusCreated
	o.ErrorMessage = nil
	o.Attempts++
	t := nextRetryAt
	o.NextRetryAt = &t
}

// IsTerminal reports whether the order reached a final state.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusComplete ||
		o.Status == OrderStatusFailed ||
		o.Status == OrderStatusNotProcessable
}

// RetryEligible reports whether the backoff gate allows a new attempt.
func (o *Order) RetryEligible(now time.Time) bool {
	return o.NextRetryAt == nil || !now.Before(*o.NextRetryAt)
}
