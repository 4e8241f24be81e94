// Package metrics provides Prometheus metrics for the turn pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voiceturn"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsTotal  prometheus.Counter
	SessionsActive prometheus.Gauge

	// Audio metrics
	AudioChunksReceived prometheus.Counter
	AudioChunksSkipped  prometheus.Counter
	AudioBytesForwarded prometheus.Counter

	// Transcript metrics
	TranscriptsPartial prometheus.Counter
	TranscriptsFinal   prometheus.Counter
	TranscriptsDeduped *prometheus.CounterVec

	// Turn metrics
	UtterancesDispatched prometheus.Counter
	UtterancesSuppressed *prometheus.CounterVec
	UtterancesDiscarded  prometheus.Counter
	TurnDecisions        *prometheus.CounterVec
	TurnHoldSeconds      prometheus.Histogram

	// Semantic detector metrics
	SemanticLatency prometheus.Histogram
	SemanticErrors  *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance registered with the default registry.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of conversation sessions started",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active conversation sessions",
		}),

		AudioChunksReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_received_total",
			Help:      "Total audio chunks received from clients",
		}),
		AudioChunksSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_skipped_total",
			Help:      "Total duplicate audio chunks dropped before STT",
		}),
		AudioBytesForwarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_forwarded_total",
			Help:      "Total audio bytes forwarded to the STT provider",
		}),

		TranscriptsPartial: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_partial_total",
			Help:      "Total number of partial transcripts received",
		}),
		TranscriptsFinal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Total number of final transcripts received",
		}),
		TranscriptsDeduped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_deduped_total",
			Help:      "Transcript events ignored as duplicates of the previous event",
		}, []string{"kind"}),

		UtterancesDispatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_dispatched_total",
			Help:      "Total finalized user utterances handed downstream",
		}),
		UtterancesSuppressed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_suppressed_total",
			Help:      "Finalized utterances suppressed before dispatch",
		}, []string{"reason"}),
		UtterancesDiscarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_discarded_total",
			Help:      "Pending utterances discarded as echo",
		}),
		TurnDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_decisions_total",
			Help:      "Turn decisions by trigger and outcome",
		}, []string{"trigger", "decision"}),
		TurnHoldSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_hold_seconds",
			Help:      "Time from first transcript of a turn to its dispatch",
			Buckets:   []float64{0.25, 0.5, 1, 2, 3, 5, 8, 10, 15, 20, 30},
		}),

		SemanticLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "semantic_eot_latency_seconds",
			Help:      "Latency of end-of-turn probability requests",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1, 2},
		}),
		SemanticErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "semantic_eot_errors_total",
			Help:      "End-of-turn probability requests that resolved to no result",
		}, []string{"error_type"}),

		KafkaPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),
	}
}

// RecordSessionStart records a new conversation session.
func (m *Metrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a conversation session ending.
func (m *Metrics) RecordSessionEnd() {
	m.SessionsActive.Dec()
}

// RecordAudioChunk records an incoming audio chunk and whether it was skipped.
func (m *Metrics) RecordAudioChunk(bytes int, skipped bool) {
	m.AudioChunksReceived.Inc()
	if skipped {
		m.AudioChunksSkipped.Inc()
		return
	}
	m.AudioBytesForwarded.Add(float64(bytes))
}

// RecordTranscript records a partial or final transcript event.
func (m *Metrics) RecordTranscript(final bool) {
	if final {
		m.TranscriptsFinal.Inc()
	} else {
		m.TranscriptsPartial.Inc()
	}
}

// RecordTranscriptDeduped records a transcript event ignored as a duplicate.
func (m *Metrics) RecordTranscriptDeduped(kind string) {
	m.TranscriptsDeduped.WithLabelValues(kind).Inc()
}

// RecordDispatch records a dispatched utterance and how long the turn was held.
func (m *Metrics) RecordDispatch(holdSeconds float64) {
	m.UtterancesDispatched.Inc()
	m.TurnHoldSeconds.Observe(holdSeconds)
}

// RecordSuppressed records an utterance suppressed before dispatch.
func (m *Metrics) RecordSuppressed(reason string) {
	m.UtterancesSuppressed.WithLabelValues(reason).Inc()
}

// RecordDiscarded records a pending utterance discarded as echo.
func (m *Metrics) RecordDiscarded() {
	m.UtterancesDiscarded.Inc()
}

// RecordTurnDecision records a turn decision.
func (m *Metrics) RecordTurnDecision(trigger, decision string) {
	m.TurnDecisions.WithLabelValues(trigger, decision).Inc()
}

// RecordSemanticRequest records an end-of-turn probability request.
// errorType is empty on success.
func (m *Metrics) RecordSemanticRequest(latencySeconds float64, errorType string) {
	m.SemanticLatency.Observe(latencySeconds)
	if errorType != "" {
		m.SemanticErrors.WithLabelValues(errorType).Inc()
	}
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}
