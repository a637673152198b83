package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the kitchen voice monitor
type Metrics struct {
	// Analysis metrics
	FramesAnalyzed prometheus.Counter
	Loudness       prometheus.Gauge
	SpeechEvents   *prometheus.CounterVec

	// Utterance metrics
	UtterancesRecorded prometheus.Counter
	UtteranceDuration  prometheus.Histogram

	// Transcription metrics
	TranscriptionRequests *prometheus.CounterVec
	TranscriptionDuration *prometheus.HistogramVec
	Transcripts           *prometheus.CounterVec

	// Conversation metrics
	Messages *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Analysis metrics
		FramesAnalyzed: factory.NewCounter(prometheus.CounterOpts{
			Name: "murphy_frames_analyzed_total",
			Help: "Total number of analyzer frames produced",
		}),
		Loudness: factory.NewGauge(prometheus.GaugeOpts{
			Name: "murphy_loudness",
			Help: "Loudness of the most recent analyzer frame (0..1)",
		}),
		SpeechEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "murphy_speech_events_total",
			Help: "Total number of speech start and end transitions",
		}, []string{"event"}),

		// Utterance metrics
		UtterancesRecorded: factory.NewCounter(prometheus.CounterOpts{
			Name: "murphy_utterances_recorded_total",
			Help: "Total number of utterances sealed for transcription",
		}),
		UtteranceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "murphy_utterance_duration_seconds",
			Help:    "Duration of recorded utterances",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to 32s
		}),

		// Transcription metrics
		TranscriptionRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "murphy_transcription_requests_total",
			Help: "Total number of transcription requests by outcome",
		}, []string{"provider", "outcome"}),
		TranscriptionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "murphy_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
		}, []string{"provider"}),
		Transcripts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "murphy_transcripts_total",
			Help: "Total number of transcription results by fate",
		}, []string{"outcome"}),

		// Conversation metrics
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "murphy_messages_total",
			Help: "Total number of conversation messages appended",
		}, []string{"role"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "murphy_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "murphy_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "murphy_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// ObserveFrame records one analyzer frame
func (m *Metrics) ObserveFrame(loudness float64) {
	m.FramesAnalyzed.Inc()
	m.Loudness.Set(loudness)
}

// RecordSpeechEvent counts a speech state transition
func (m *Metrics) RecordSpeechEvent(event string) {
	m.SpeechEvents.WithLabelValues(event).Inc()
}

// RecordUtterance records a sealed utterance
func (m *Metrics) RecordUtterance(duration time.Duration) {
	m.UtterancesRecorded.Inc()
	m.UtteranceDuration.Observe(duration.Seconds())
}

// RecordTranscription records a finished transcription request
func (m *Metrics) RecordTranscription(provider, outcome string, duration time.Duration) {
	m.TranscriptionRequests.WithLabelValues(provider, outcome).Inc()
	if duration > 0 {
		m.TranscriptionDuration.WithLabelValues(provider).Observe(duration.Seconds())
	}
}

// RecordTranscript records what happened to a transcription result
func (m *Metrics) RecordTranscript(outcome string) {
	m.Transcripts.WithLabelValues(outcome).Inc()
}

// RecordMessage counts an appended conversation message
func (m *Metrics) RecordMessage(role string) {
	m.Messages.WithLabelValues(role).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
