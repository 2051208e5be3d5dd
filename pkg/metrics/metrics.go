// Package metrics provides Prometheus metrics for the Clover service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BatchesTotal tracks finished batches by outcome
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "batch",
			Name:      "runs_total",
			Help:      "Total number of batch runs by outcome",
		},
		[]string{"status"},
	)

	// BatchDuration tracks batch duration in seconds
	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "batch",
			Name:      "duration_seconds",
			Help:      "Duration of batch runs in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	// BatchCompletionPercent is the share of records the last batch completed
	BatchCompletionPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clover",
			Subsystem: "batch",
			Name:      "completion_percent",
			Help:      "Percentage of records the last batch completed",
		},
	)

	// BatchSuccess is 1 when the last batch finished without failed records
	BatchSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clover",
			Subsystem: "batch",
			Name:      "success",
			Help:      "1 when the last batch finished without failed records",
		},
	)

	// CostPerLead is the semantic compute cost per scored lead in the last batch
	CostPerLead = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clover",
			Subsystem: "batch",
			Name:      "cost_per_lead",
			Help:      "Semantic compute cost per scored lead in the last batch",
		},
	)

	// StageCost tracks compute cost by stage
	StageCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "stage",
			Name:      "cost_total",
			Help:      "Total compute cost by stage",
		},
		[]string{"stage"},
	)

	// StageFailures tracks records that exhausted their retries
	StageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "stage",
			Name:      "failures_total",
			Help:      "Total number of records that exhausted stage retries",
		},
		[]string{"stage"},
	)

	// PairsEvaluated tracks similarity evaluations
	PairsEvaluated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "dedupe",
			Name:      "pairs_evaluated_total",
			Help:      "Total number of candidate pairs evaluated by routing decision",
		},
		[]string{"decision"},
	)

	// DegradedEvaluations tracks evaluations that fell back to lexical only
	DegradedEvaluations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "dedupe",
			Name:      "degraded_evaluations_total",
			Help:      "Total number of evaluations scored without the semantic component",
		},
	)

	// SemanticCalls tracks calls to the embeddings service
	SemanticCalls = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "dedupe",
			Name:      "semantic_calls_total",
			Help:      "Total number of embeddings service calls",
		},
	)

	// MergesTotal tracks committed merges
	MergesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "dedupe",
			Name:      "merges_total",
			Help:      "Total number of committed merges",
		},
	)

	// ReviewEnqueued tracks review queue growth by reason
	ReviewEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "review",
			Name:      "enqueued_total",
			Help:      "Total number of review queue entries created by reason",
		},
		[]string{"reason"},
	)

	// ReviewResolved tracks review resolutions by decision
	ReviewResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "review",
			Name:      "resolved_total",
			Help:      "Total number of review queue resolutions by decision",
		},
		[]string{"decision"},
	)

	// ReviewPending is the number of unresolved review entries
	ReviewPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clover",
			Subsystem: "review",
			Name:      "pending",
			Help:      "Number of unresolved review queue entries",
		},
	)

	// LeadsScored tracks persisted score records
	LeadsScored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "scoring",
			Name:      "leads_total",
			Help:      "Total number of scoring runs by outcome",
		},
		[]string{"status"},
	)

	// RuleEvaluations tracks rule evaluations by rule and outcome
	RuleEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "scoring",
			Name:      "rule_evaluations_total",
			Help:      "Total number of scoring rule evaluations by outcome",
		},
		[]string{"rule", "outcome"},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)

	// KafkaMessagesConsumed tracks Kafka messages consumed
	KafkaMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "kafka",
			Name:      "messages_consumed_total",
			Help:      "Total number of messages consumed from Kafka",
		},
		[]string{"topic", "status"},
	)
)

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string, durationSeconds float64) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
	KafkaPublishDuration.Observe(durationSeconds)
}

// RecordKafkaConsume records a consumed Kafka message
func RecordKafkaConsume(topic, status string) {
	KafkaMessagesConsumed.WithLabelValues(topic, status).Inc()
}

// RecordReviewEnqueued records a new review queue entry
func RecordReviewEnqueued(reason string) {
	ReviewEnqueued.WithLabelValues(reason).Inc()
}

// RecordReviewResolved records a review resolution
func RecordReviewResolved(decision string) {
	ReviewResolved.WithLabelValues(decision).Inc()
}
