package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's Prometheus instrumentation.
type Metrics struct {
	eventsProcessed *prometheus.CounterVec
	eventsRejected  prometheus.Counter
	stageDegraded   *prometheus.CounterVec
	partialResults  prometheus.Counter
	processingTime  prometheus.Histogram
	riskScores      prometheus.Histogram
	queueDepth      prometheus.Gauge
	retrains        *prometheus.CounterVec
	ringsDetected   prometheus.Gauge
}

// NewMetrics registers the pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "compliance",
			Name:      "events_processed_total",
			Help:      "Events finalized by the risk pipeline, by risk level.",
		}, []string{"risk_level"}),
		eventsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "compliance",
			Name:      "events_rejected_total",
			Help:      "Events rejected as malformed.",
		}),
		stageDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "compliance",
			Name:      "substage_degraded_total",
			Help:      "Scoring sub-stages that timed out or failed non-fatally.",
		}, []string{"stage"}),
		partialResults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "compliance",
			Name:      "partial_assessments_total",
			Help:      "Assessments produced with one or more degraded sub-scores.",
		}),
		processingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "compliance",
			Name:      "event_processing_seconds",
			Help:      "End-to-end per-event pipeline latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		riskScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "compliance",
			Name:      "risk_score",
			Help:      "Distribution of final risk scores.",
			Buckets:   prometheus.LinearBuckets(0, 1.5, 12),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "compliance",
			Name:      "event_queue_depth",
			Help:      "Events waiting in the inbound queue.",
		}),
		retrains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "compliance",
			Name:      "model_retrains_total",
			Help:      "Anomaly model retrain attempts, by result.",
		}, []string{"result"}),
		ringsDetected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "compliance",
			Name:      "fraud_rings_detected",
			Help:      "Fraud rings found by the most recent detection pass.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.eventsProcessed, m.eventsRejected, m.stageDegraded, m.partialResults,
			m.processingTime, m.riskScores, m.queueDepth, m.retrains, m.ringsDetected,
		)
	}
	return m
}
