// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meeting_relay"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Connection metrics
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge

	// Session metrics
	SessionsStarted       prometheus.Counter
	SessionsActive        prometheus.Gauge
	SessionsRejected      *prometheus.CounterVec
	SessionsFinalized     *prometheus.CounterVec
	SessionDuration       prometheus.Histogram
	SessionTranscriptSize prometheus.Histogram

	// Transcript metrics
	TranscriptsPartial prometheus.Counter
	TranscriptsFinal   prometheus.Counter

	// Fan-out metrics
	BroadcastDeliveries prometheus.Counter
	BroadcastFailures   prometheus.Counter

	// Audio metrics
	AudioBytesReceived  prometheus.Counter
	AudioFramesReceived prometheus.Counter
	AudioFramesDropped  *prometheus.CounterVec

	// STT metrics
	STTErrors       *prometheus.CounterVec
	STTStreamOpens  *prometheus.CounterVec
	STTFinalLatency prometheus.Histogram

	// Persistence metrics
	PersistErrors  *prometheus.CounterVec
	PersistLatency *prometheus.HistogramVec

	// Event publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// Analysis trigger metrics
	AnalysisTriggers *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates all metrics and registers them with reg.
// Pass a fresh prometheus.NewRegistry() in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of WebSocket connections accepted",
		}),
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently registered WebSocket connections",
		}),

		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of meeting sessions started",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active meeting sessions",
		}),
		SessionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Total number of rejected session operations",
		}, []string{"reason"}),
		SessionsFinalized: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finalized_total",
			Help:      "Total number of finalized sessions",
		}, []string{"trigger"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of finalized meeting sessions in seconds",
			Buckets:   []float64{10, 30, 60, 300, 600, 1800, 3600, 7200},
		}),
		SessionTranscriptSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_transcript_entries",
			Help:      "Number of transcript entries per finalized session",
			Buckets:   []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		}),

		TranscriptsPartial: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_partial_total",
			Help:      "Total number of partial transcripts broadcast",
		}),
		TranscriptsFinal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Total number of final transcript entries appended",
		}),

		BroadcastDeliveries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_deliveries_total",
			Help:      "Total number of messages delivered to bound connections",
		}),
		BroadcastFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Total number of failed deliveries to bound connections",
		}),

		AudioBytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received",
		}),
		AudioFramesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_received_total",
			Help:      "Total audio frames received",
		}),
		AudioFramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Total audio frames dropped",
		}, []string{"reason"}),

		STTErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total number of STT errors",
		}, []string{"provider", "error_type"}),
		STTStreamOpens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_stream_opens_total",
			Help:      "Total number of STT stream open attempts",
		}, []string{"provider", "result"}),
		STTFinalLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stt_final_latency_seconds",
			Help:      "Time from last audio send to final transcript",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Total number of durable store write failures",
		}, []string{"operation"}),
		PersistLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_latency_seconds",
			Help:      "Durable store write latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"operation"}),

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

		AnalysisTriggers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_triggers_total",
			Help:      "Total number of analysis trigger attempts",
		}, []string{"result"}),
	}
}

// RecordConnectionOpen records a socket registering.
func (m *Metrics) RecordConnectionOpen() {
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

// RecordConnectionClose records a socket unregistering.
func (m *Metrics) RecordConnectionClose() {
	m.ConnectionsActive.Dec()
}

// RecordSessionStart records a new session.
func (m *Metrics) RecordSessionStart() {
	m.SessionsStarted.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionRejected records a rejected start or append.
func (m *Metrics) RecordSessionRejected(reason string) {
	m.SessionsRejected.WithLabelValues(reason).Inc()
}

// RecordSessionFinalized records a session leaving the table.
func (m *Metrics) RecordSessionFinalized(trigger string, durationSeconds float64, entries int) {
	m.SessionsActive.Dec()
	m.SessionsFinalized.WithLabelValues(trigger).Inc()
	m.SessionDuration.Observe(durationSeconds)
	m.SessionTranscriptSize.Observe(float64(entries))
}

// RecordPartialTranscript records a partial transcript broadcast.
func (m *Metrics) RecordPartialTranscript() {
	m.TranscriptsPartial.Inc()
}

// RecordFinalTranscript records a final entry appended.
func (m *Metrics) RecordFinalTranscript() {
	m.TranscriptsFinal.Inc()
}

// RecordBroadcast records one fan-out pass.
func (m *Metrics) RecordBroadcast(delivered, failed int) {
	m.BroadcastDeliveries.Add(float64(delivered))
	m.BroadcastFailures.Add(float64(failed))
}

// RecordAudioReceived records audio bytes and frames received.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
	m.AudioFramesReceived.Inc()
}

// RecordAudioDropped records a dropped audio frame.
func (m *Metrics) RecordAudioDropped(reason string) {
	m.AudioFramesDropped.WithLabelValues(reason).Inc()
}

// RecordSTTError records an STT error.
func (m *Metrics) RecordSTTError(provider, errorType string) {
	m.STTErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordStreamOpen records an STT stream open attempt.
func (m *Metrics) RecordStreamOpen(provider string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.STTStreamOpens.WithLabelValues(provider, result).Inc()
}

// RecordPersist records a durable store write.
func (m *Metrics) RecordPersist(operation string, err error, latencySeconds float64) {
	m.PersistLatency.WithLabelValues(operation).Observe(latencySeconds)
	if err != nil {
		m.PersistErrors.WithLabelValues(operation).Inc()
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

// RecordAnalysisTrigger records the outcome of an analysis trigger.
func (m *Metrics) RecordAnalysisTrigger(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.AnalysisTriggers.WithLabelValues(result).Inc()
}
