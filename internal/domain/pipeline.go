package domain

import "time"

// PipelineType selects which of the rule's action chains a pipeline runs.
type PipelineType string

// Pipeline type constants
const (
	PipelineTypeDeficit PipelineType = "DEFICIT"
	PipelineTypeSurplus PipelineType = "SURPLUS"
)

// PipelineStatus describes the lifecycle state of a pipeline.
type PipelineStatus string

// Pipeline status constants
const (
	PipelineStatusCreated    PipelineStatus = "CREATED"
	PipelineStatusInProgress PipelineStatus = "IN_PROGRESS"
	PipelineStatusComplete   PipelineStatus = "COMPLETE"
	PipelineStatusFailed     PipelineStatus = "FAILED"
)

// Pipeline represents one instantiated rebalancing attempt for a rule,
// composed of an ordered chain of orders. Corresponds to the
// liquidity_pipelines table. At most one non-terminal pipeline may exist
// per rule; the store enforces this atomically.
type Pipeline struct {
	ID     int64
	RuleID int64
	Type   PipelineType
	Status PipelineStatus

	// Correction band captured at creation time. Complete once the summed
	// output of completed orders reaches MinAmount; MaxAmount caps order
	// estimates so the balance never overshoots.
	MinAmount float64
	MaxAmount float64

	CurrentActionIndex int // index into the rule's action chain
	OrdersProcessed    int

	// Snapshot of the rule flag at creation, not a live reference.
	SendNotifications bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewPipeline instantiates a pipeline for a rule violation.
func NewPipeline(rule *Rule, decision Decision) *Pipeline {
	return &Pipeline{
		RuleID:            rule.ID,
		Type:              decision.PipelineType(),
		Status:            PipelineStatusCreated,
		MinAmount:         decision.MinAmount,
		MaxAmount:         decision.MaxAmount,
		SendNotifications: rule.SendNotifications,
	}
}

// Start marks the pipeline in progress on first order dispatch.
func (p *Pipeline) Start() {
	if p.Status == PipelineStatusCreated {
		p.Status = PipelineStatusInProgress
	}
}

// Complete marks the pipeline terminal-success.
func (p *Pipeline) Complete() {
	p.Status = PipelineStatusComplete
}

// Fail marks the pipeline terminal-failure.
func (p *Pipeline) Fail() {
	p.Status = PipelineStatusFailed
}

// IsTerminal reports whether the pipeline reached a final state.
func (p *Pipeline) IsTerminal() bool {
	return p.Status == PipelineStatusComplete || p.Status == PipelineStatusFailed
}

// Advance moves the pipeline to the next action in the chain.
func (p *Pipeline) Advance() {
	p.CurrentActionIndex++
}
