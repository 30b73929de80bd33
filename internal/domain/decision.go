package domain

// DecisionKind classifies the outcome of a rule evaluation.
type DecisionKind string

// Decision kind constants
const (
	DecisionNoAction DecisionKind = "NO_ACTION"
	DecisionDeficit  DecisionKind = "DEFICIT"
	DecisionSurplus  DecisionKind = "SURPLUS"
)

// Decision is the result of comparing a balance snapshot against a rule.
// MinAmount is the full correction back to optimal; MaxAmount is the most
// that may be corrected without overshooting the opposite bound (and the
// rule's hard limit, for deficits).
type Decision struct {
	Kind      DecisionKind
	MinAmount float64
	MaxAmount float64
}

// NoAction is the zero decision.
var NoAction = Decision{Kind: DecisionNoAction}

// Deficit builds a deficit decision with the given correction band.
func Deficit(minAmount, maxAmount float64) Decision {
	return Decision{Kind: DecisionDeficit, MinAmount: minAmount, MaxAmount: maxAmount}
}

// Surplus builds a surplus decision with the given correction band.
func Surplus(minAmount, maxAmount float64) Decision {
	return Decision{Kind: DecisionSurplus, MinAmount: minAmount, MaxAmount: maxAmount}
}

// IsViolation reports whether the decision calls for a corrective pipeline.
func (d Decision) IsViolation() bool {
	return d.Kind == DecisionDeficit || d.Kind == DecisionSurplus
}

// PipelineType maps the decision to the pipeline chain it should run.
func (d Decision) PipelineType() PipelineType {
	if d.Kind == DecisionSurplus {
		return PipelineTypeSurplus
	}
	return PipelineTypeDeficit
}
