// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "legionmeet_transcript"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Ingestion metrics
	EventsReceived   *prometheus.CounterVec
	EventsRejected   *prometheus.CounterVec
	EventsDuplicate  prometheus.Counter
	EventsStale      prometheus.Counter
	IntakeQueueDepth prometheus.Gauge
	IntakeOverloaded prometheus.Counter
	RateLimited      *prometheus.CounterVec

	// Session metrics
	SessionsStarted prometheus.Counter
	SessionsEnded   prometheus.Counter
	SessionsActive  prometheus.Gauge
	ChunksFinalized prometheus.Counter
	ChunksDiscarded prometheus.Counter
	WorkingChunks   prometheus.Gauge
	LateEvents      *prometheus.CounterVec

	// Delivery metrics
	DeliveryEnqueued prometheus.Counter
	DeliveryEvicted  *prometheus.CounterVec
	DeliveryAttempts prometheus.Counter
	DeliveryFailures *prometheus.CounterVec
	DeliveryLatency  prometheus.Histogram
	CircuitState     *prometheus.GaugeVec

	// Analysis metrics
	AnalysisDispatched prometheus.Counter
	AnalysisCompleted  prometheus.Counter
	AnalysisFailed     prometheus.Counter
	AnalysisQueueDepth prometheus.Gauge
	AnalysisLatency    prometheus.Histogram

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// Provider metrics
	ProviderEvents  *prometheus.CounterVec
	ProviderErrors  *prometheus.CounterVec
	ProviderDropped *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		EventsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Total transcript events received by the ingestion endpoint",
		}, []string{"event_type"}),
		EventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_rejected_total",
			Help:      "Total events rejected by validation",
		}, []string{"reason"}),
		EventsDuplicate: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_duplicate_total",
			Help:      "Total redelivered events absorbed by the idempotency layer",
		}),
		EventsStale: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_stale_total",
			Help:      "Total events discarded by per-chunk seq comparison",
		}),
		IntakeQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "intake_queue_depth",
			Help:      "Current depth of the ingestion intake queue",
		}),
		IntakeOverloaded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intake_overloaded_total",
			Help:      "Total requests refused with an overloaded response",
		}),
		RateLimited: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Total requests refused by rate limiting",
		}, []string{"scope"}),

		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total sessions started",
		}),
		SessionsEnded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Total sessions ended",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active sessions",
		}),
		ChunksFinalized: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_finalized_total",
			Help:      "Total chunks appended to the finalized log",
		}),
		ChunksDiscarded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_discarded_total",
			Help:      "Total working chunks discarded at session end",
		}),
		WorkingChunks: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "working_chunks",
			Help:      "Number of currently open working chunks across sessions",
		}),
		LateEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "late_events_total",
			Help:      "Total events for ended or unknown sessions",
		}, []string{"event_type"}),

		DeliveryEnqueued: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_enqueued_total",
			Help:      "Total events enqueued by the delivery client",
		}),
		DeliveryEvicted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_evicted_total",
			Help:      "Total events evicted from full delivery queues",
		}, []string{"event_type"}),
		DeliveryAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Total delivery HTTP attempts",
		}),
		DeliveryFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Total delivery failures",
		}, []string{"kind"}),
		DeliveryLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_latency_seconds",
			Help:      "Latency of successful delivery attempts",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		CircuitState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),

		AnalysisDispatched: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_dispatched_total",
			Help:      "Total finalized chunks dispatched for analysis",
		}),
		AnalysisCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_completed_total",
			Help:      "Total analyses completed and persisted",
		}),
		AnalysisFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_failed_total",
			Help:      "Total analyses that failed",
		}),
		AnalysisQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "analysis_queue_depth",
			Help:      "Current depth of the analysis dispatch queue",
		}),
		AnalysisLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_latency_seconds",
			Help:      "Latency of analysis calls",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),

		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		ProviderEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_events_total",
			Help:      "Total canonical events emitted by provider adapters",
		}, []string{"provider", "event_type"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Total provider error callbacks",
		}, []string{"provider"}),
		ProviderDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_dropped_total",
			Help:      "Total events dropped because the adapter channel was full",
		}, []string{"provider"}),
	}
}

// RecordEventReceived records an accepted event by type.
func (m *Metrics) RecordEventReceived(eventType string) {
	m.EventsReceived.WithLabelValues(eventType).Inc()
}

// RecordEventRejected records a validation rejection.
func (m *Metrics) RecordEventRejected(reason string) {
	m.EventsRejected.WithLabelValues(reason).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordEviction records an event evicted from a full delivery queue.
func (m *Metrics) RecordEviction(eventType string) {
	m.DeliveryEvicted.WithLabelValues(eventType).Inc()
}

// RecordLateEvent records an event that arrived for an ended session.
func (m *Metrics) RecordLateEvent(eventType string) {
	m.LateEvents.WithLabelValues(eventType).Inc()
}

// RecordCircuitState records the current breaker state for a named circuit.
func (m *Metrics) RecordCircuitState(name string, state int) {
	m.CircuitState.WithLabelValues(name).Set(float64(state))
}
