// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Evaluation metrics
	EvaluationCycles  prometheus.Counter
	Decisions         *prometheus.CounterVec
	BalanceReadErrors prometheus.Counter

	// Pipeline metrics
	PipelinesCreated   *prometheus.CounterVec
	PipelinesCompleted *prometheus.CounterVec
	PipelinesFailed    *prometheus.CounterVec
	ActivePipelines    prometheus.Gauge
	StepDuration       prometheus.Histogram

	// Order metrics
	OrdersStarted   *prometheus.CounterVec
	OrdersCompleted *prometheus.CounterVec
	OrdersRetried   *prometheus.CounterVec

	// Rule metrics
	RulesPaused      prometheus.Counter
	RulesReactivated prometheus.Counter

	// Notification metrics
	NotificationsSent       prometheus.Counter
	NotificationsSuppressed prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "liquidity_manager"
	}

	return &Metrics{
		// Evaluation metrics
		EvaluationCycles: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "cycles_total",
			Help:      "Total number of rule evaluation cycles",
		}),
		Decisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "decisions_total",
			Help:      "Total number of evaluation decisions by kind",
		}, []string{"kind"}),
		BalanceReadErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "balance_read_errors_total",
			Help:      "Total number of skipped evaluations due to unavailable balances",
		}),

		// Pipeline metrics
		PipelinesCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "created_total",
			Help:      "Total number of pipelines created by type",
		}, []string{"type"}),
		PipelinesCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "completed_total",
			Help:      "Total number of pipelines completed by type",
		}, []string{"type"}),
		PipelinesFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "failed_total",
			Help:      "Total number of pipelines failed by type",
		}, []string{"type"}),
		ActivePipelines: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "active",
			Help:      "Current number of non-terminal pipelines",
		}),
		StepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "step_duration_seconds",
			Help:      "Pipeline step execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		// Order metrics
		OrdersStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "order",
			Name:      "started_total",
			Help:      "Total number of order attempts started by action type",
		}, []string{"action_type"}),
		OrdersCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "order",
			Name:      "completed_total",
			Help:      "Total number of orders completed by action type",
		}, []string{"action_type"}),
		OrdersRetried: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "order",
			Name:      "retried_total",
			Help:      "Total number of order retries by action type",
		}, []string{"action_type"}),

		// Rule metrics
		RulesPaused: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rule",
			Name:      "paused_total",
			Help:      "Total number of rules paused after pipeline failure",
		}),
		RulesReactivated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rule",
			Name:      "reactivated_total",
			Help:      "Total number of rules reactivated after cooldown",
		}),

		// Notification metrics
		NotificationsSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "sent_total",
			Help:      "Total number of notifications sent",
		}),
		NotificationsSuppressed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "suppressed_total",
			Help:      "Total number of notifications suppressed by the gate",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordDecision increments the decision counter for a kind.
func RecordDecision(kind string) {
	DefaultMetrics.Decisions.WithLabelValues(kind).Inc()
}

// RecordBalanceReadError increments the skipped-evaluation counter.
func RecordBalanceReadError() {
	DefaultMetrics.BalanceReadErrors.Inc()
}

// RecordPipelineCreated increments the created counter for a pipeline type.
func RecordPipelineCreated(pipelineType string) {
	DefaultMetrics.PipelinesCreated.WithLabelValues(pipelineType).Inc()
}

// RecordPipelineCompleted increments the completed counter for a pipeline type.
func RecordPipelineCompleted(pipelineType string) {
	DefaultMetrics.PipelinesCompleted.WithLabelValues(pipelineType).Inc()
}

// RecordPipelineFailed increments the failed counter for a pipeline type.
func RecordPipelineFailed(pipelineType string) {
	DefaultMetrics.PipelinesFailed.WithLabelValues(pipelineType).Inc()
}

// RecordOrderStarted increments the started counter for an action type.
func RecordOrderStarted(actionType string) {
	DefaultMetrics.OrdersStarted.WithLabelValues(actionType).Inc()
}

// RecordOrderCompleted increments the completed counter for an action type.
func RecordOrderCompleted(actionType string) {
	DefaultMetrics.OrdersCompleted.WithLabelValues(actionType).Inc()
}

// RecordOrderRetried increments the retried counter for an action type.
func RecordOrderRetried(actionType string) {
	DefaultMetrics.OrdersRetried.WithLabelValues(actionType).Inc()
}
