package services

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/temcen/turirec/pkg/models"
)

// EngineMetrics are the Prometheus series emitted by the orchestrator. A nil
// *EngineMetrics is valid and records nothing.
type EngineMetrics struct {
	generations  *prometheus.CounterVec
	degraded     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	interactions *prometheus.CounterVec
	listSize     prometheus.Histogram
}

func NewEngineMetrics(reg prometheus.Registerer, logger *logrus.Logger) *EngineMetrics {
	m := &EngineMetrics{
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recommendation_generations_total",
			Help: "Recommendation lists generated, by phase",
		}, []string{"phase"}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recommendation_degraded_total",
			Help: "Recommendation lists served from a fallback, by reason",
		}, []string{"reason"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recommendation_generation_duration_seconds",
			Help:    "Time spent generating a recommendation list",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"phase"}),
		interactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recommendation_interactions_total",
			Help: "Interactions processed, by kind",
		}, []string{"kind"}),
		listSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "recommendation_list_size",
			Help:    "Number of ids in generated recommendation lists",
			Buckets: prometheus.LinearBuckets(0, 5, 11),
		}),
	}

	m.generations = registerCollector(reg, m.generations, logger)
	m.degraded = registerCollector(reg, m.degraded, logger)
	m.latency = registerCollector(reg, m.latency, logger)
	m.interactions = registerCollector(reg, m.interactions, logger)
	m.listSize = registerCollector(reg, m.listSize, logger)
	return m
}

// registerCollector returns the collector already registered under the same
// descriptor, so a second EngineMetrics on one registry keeps reporting.
func registerCollector[C prometheus.Collector](reg prometheus.Registerer, c C, logger *logrus.Logger) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		logger.WithError(err).Warn("Failed to register engine metric")
	}
	return c
}

func (m *EngineMetrics) observeResult(result *models.RecommendationResult, seconds float64) {
	if m == nil {
		return
	}
	phase := string(result.Phase)
	m.generations.WithLabelValues(phase).Inc()
	m.latency.WithLabelValues(phase).Observe(seconds)
	m.listSize.Observe(float64(len(result.ItemIDs)))
	for _, reason := range result.DegradedReasons {
		m.degraded.WithLabelValues(reason).Inc()
	}
}

func (m *EngineMetrics) observeInteraction(kind models.InteractionKind) {
	if m == nil {
		return
	}
	label := string(kind)
	if _, known := contentWeights[kind]; !known {
		label = "unknown"
	}
	m.interactions.WithLabelValues(label).Inc()
}
