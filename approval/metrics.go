package approval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 审核流程的指标, nil 表示不采集
type Metrics struct {
	submissions       *prometheus.CounterVec
	reviews           *prometheus.CounterVec
	reviewConflicts   *prometheus.CounterVec
	sideEffectFailure *prometheus.CounterVec
	sideEffectRetries *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approval",
			Name:      "submissions_total",
			Help:      "Approval workflows submitted for review.",
		}, []string{"entity_type"}),
		reviews: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approval",
			Name:      "reviews_total",
			Help:      "Approval workflows transitioned out of pending.",
		}, []string{"entity_type", "outcome"}),
		reviewConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approval",
			Name:      "review_conflicts_total",
			Help:      "Reviews rejected because the workflow was no longer pending.",
		}, []string{"entity_type"}),
		sideEffectFailure: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approval",
			Name:      "side_effect_failures_total",
			Help:      "Entity side effects that failed after a committed decision.",
		}, []string{"entity_type"}),
		sideEffectRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approval",
			Name:      "side_effect_retries_total",
			Help:      "Side effect retries by result.",
		}, []string{"entity_type", "result"}),
	}
}

func (m *Metrics) incSubmission(entityType EntityType) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(entityType).Inc()
}

func (m *Metrics) incReview(entityType EntityType, outcome ApprovalStatus) {
	if m == nil {
		return
	}
	m.reviews.WithLabelValues(entityType, outcome).Inc()
}

func (m *Metrics) incReviewConflict(entityType EntityType) {
	if m == nil {
		return
	}
	m.reviewConflicts.WithLabelValues(entityType).Inc()
}

func (m *Metrics) incSideEffectFailure(entityType EntityType) {
	if m == nil {
		return
	}
	m.sideEffectFailure.WithLabelValues(entityType).Inc()
}

func (m *Metrics) incSideEffectRetry(entityType EntityType, err error) {
	if m == nil {
		return
	}
	result := "applied"
	if err != nil {
		result = "failed"
	}
	m.sideEffectRetries.WithLabelValues(entityType, result).Inc()
}
