// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "live_transcribe"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsCreated prometheus.Counter
	SessionsActive  prometheus.Gauge

	// Capture metrics
	CapturesTotal    prometheus.Counter
	CapturesActive   prometheus.Gauge
	CapturesFailed   *prometheus.CounterVec
	CaptureDuration  prometheus.Histogram
	CaptureLimitsHit *prometheus.CounterVec

	// Stream metrics (gRPC and WebSocket)
	StreamsTotal   *prometheus.CounterVec
	StreamsActive  *prometheus.GaugeVec
	StreamDuration *prometheus.HistogramVec

	// Transcript metrics
	ResultsReceived *prometheus.CounterVec
	SegmentChanges  *prometheus.CounterVec

	// Audio metrics
	AudioBytesReceived  prometheus.Counter
	AudioFramesReceived prometheus.Counter

	// Event publish metrics
	PublishTotal   *prometheus.CounterVec
	PublishErrors  *prometheus.CounterVec
	PublishLatency *prometheus.HistogramVec

	// Archive metrics
	ArchiveWrites *prometheus.CounterVec

	// STT metrics
	STTErrors *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of transcription sessions created",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of open transcription sessions",
		}),

		CapturesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captures_total",
			Help:      "Total number of capture runs started",
		}),
		CapturesActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "captures_active",
			Help:      "Number of capture runs currently recording",
		}),
		CapturesFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captures_failed_total",
			Help:      "Total number of capture runs stopped by a failure",
		}, []string{"reason"}),
		CaptureDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capture_duration_seconds",
			Help:      "Duration of capture runs in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		CaptureLimitsHit: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_limit_exceeded_total",
			Help:      "Total number of times capture limits were exceeded",
		}, []string{"limit_type"}),

		StreamsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Total number of audio streams opened",
		}, []string{"transport"}),
		StreamsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently open audio streams",
		}, []string{"transport"}),
		StreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Duration of audio streams in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"transport", "success"}),

		ResultsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_received_total",
			Help:      "Total number of recognition results received",
		}, []string{"provider", "kind"}),
		SegmentChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_changes_total",
			Help:      "Total number of segment list changes by kind",
		}, []string{"kind"}),

		AudioBytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total PCM audio bytes forwarded to STT",
		}),
		AudioFramesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_received_total",
			Help:      "Total audio frames forwarded to STT",
		}),

		PublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Total number of segment events published",
		}, []string{"sink", "event_type"}),
		PublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Total number of segment event publish errors",
		}, []string{"sink", "event_type"}),
		PublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_latency_seconds",
			Help:      "Segment event publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"sink"}),

		ArchiveWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_writes_total",
			Help:      "Total number of finalized segments archived",
		}, []string{"result"}),

		STTErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total number of STT errors",
		}, []string{"provider"}),
	}
}

// RecordSessionCreated records a new session.
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionClosed records a session being closed.
func (m *Metrics) RecordSessionClosed() {
	m.SessionsActive.Dec()
}

// RecordCaptureStart records a capture run starting.
func (m *Metrics) RecordCaptureStart() {
	m.CapturesTotal.Inc()
	m.CapturesActive.Inc()
}

// RecordCaptureEnd records a capture run ending. An empty reason means the
// capture ended normally.
func (m *Metrics) RecordCaptureEnd(reason string, durationSeconds float64) {
	m.CapturesActive.Dec()
	m.CaptureDuration.Observe(durationSeconds)
	if reason != "" {
		m.CapturesFailed.WithLabelValues(reason).Inc()
	}
}

// RecordLimitExceeded records when a capture limit is exceeded.
func (m *Metrics) RecordLimitExceeded(limitType string) {
	m.CaptureLimitsHit.WithLabelValues(limitType).Inc()
}

// RecordStreamStart records a new audio stream on transport.
func (m *Metrics) RecordStreamStart(transport string) {
	m.StreamsTotal.WithLabelValues(transport).Inc()
	m.StreamsActive.WithLabelValues(transport).Inc()
}

// RecordStreamEnd records an audio stream ending.
func (m *Metrics) RecordStreamEnd(transport string, success bool, durationSeconds float64) {
	m.StreamsActive.WithLabelValues(transport).Dec()
	label := "false"
	if success {
		label = "true"
	}
	m.StreamDuration.WithLabelValues(transport, label).Observe(durationSeconds)
}

// RecordResult records a recognition result and the segment change it caused.
func (m *Metrics) RecordResult(provider string, partial bool, change string) {
	kind := "final"
	if partial {
		kind = "partial"
	}
	m.ResultsReceived.WithLabelValues(provider, kind).Inc()
	m.SegmentChanges.WithLabelValues(change).Inc()
}

// RecordAudioReceived records audio bytes and frames forwarded.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
	m.AudioFramesReceived.Inc()
}

// RecordPublish records a publish attempt on sink.
func (m *Metrics) RecordPublish(sink, eventType string, err error, latencySeconds float64) {
	m.PublishTotal.WithLabelValues(sink, eventType).Inc()
	m.PublishLatency.WithLabelValues(sink).Observe(latencySeconds)
	if err != nil {
		m.PublishErrors.WithLabelValues(sink, eventType).Inc()
	}
}

// RecordArchiveWrite records an archive write.
func (m *Metrics) RecordArchiveWrite(err error) {
	if err != nil {
		m.ArchiveWrites.WithLabelValues("error").Inc()
		return
	}
	m.ArchiveWrites.WithLabelValues("ok").Inc()
}

// RecordSTTError records an STT error.
func (m *Metrics) RecordSTTError(provider string) {
	m.STTErrors.WithLabelValues(provider).Inc()
}
