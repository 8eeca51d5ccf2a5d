package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the transcription service
type Metrics struct {
	// Upload metrics
	UploadsReceived *prometheus.CounterVec
	UploadSize      prometheus.Histogram

	// Conversion metrics
	Conversions        *prometheus.CounterVec
	ConversionDuration prometheus.Histogram

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionNoSpeech  prometheus.Counter
	TranscriptionFailures  *prometheus.CounterVec
	TranscriptionDuration  prometheus.Histogram

	// Transcript metrics
	EntriesAppended prometheus.Counter
	EntriesEdited   prometheus.Counter
	EditsRejected   *prometheus.CounterVec

	// Session and push metrics
	ActiveSessions prometheus.Gauge
	Subscribers    prometheus.Gauge
	EventsPushed   prometheus.Counter

	// Inbox metrics
	InboxFiles *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Upload metrics
		UploadsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agglo_uploads_received_total",
			Help: "Total number of audio uploads received",
		}, []string{"kind"}),
		UploadSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agglo_upload_size_bytes",
			Help:    "Size of received audio uploads in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 14), // 1KB to ~16MB
		}),

		// Conversion metrics
		Conversions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agglo_conversions_total",
			Help: "Total number of audio conversions by outcome",
		}, []string{"outcome"}),
		ConversionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agglo_conversion_duration_seconds",
			Help:    "Time spent normalizing audio",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		}),

		// Transcription metrics
		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "agglo_transcription_requests_total",
			Help: "Total number of transcription requests",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "agglo_transcription_successes_total",
			Help: "Total number of transcriptions that produced text",
		}),
		TranscriptionNoSpeech: factory.NewCounter(prometheus.CounterOpts{
			Name: "agglo_transcription_no_speech_total",
			Help: "Total number of transcriptions without detected speech",
		}),
		TranscriptionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agglo_transcription_failures_total",
			Help: "Total number of failed transcriptions",
		}, []string{"reason"}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agglo_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),

		// Transcript metrics
		EntriesAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "agglo_entries_appended_total",
			Help: "Total number of transcript entries appended",
		}),
		EntriesEdited: factory.NewCounter(prometheus.CounterOpts{
			Name: "agglo_entries_edited_total",
			Help: "Total number of transcript entry edits",
		}),
		EditsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agglo_edits_rejected_total",
			Help: "Total number of rejected transcript edits",
		}, []string{"reason"}),

		// Session and push metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agglo_active_chunk_sessions",
			Help: "Current number of chunk sessions in the registry",
		}),
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agglo_websocket_subscribers",
			Help: "Current number of websocket transcript subscribers",
		}),
		EventsPushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "agglo_events_pushed_total",
			Help: "Total number of transcript events pushed to websocket subscribers",
		}),

		// Inbox metrics
		InboxFiles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agglo_inbox_files_total",
			Help: "Total number of files picked up from the inbox directory",
		}, []string{"outcome"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agglo_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agglo_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agglo_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordUpload records a received upload of the given kind (chunk, file, inbox)
func (m *Metrics) RecordUpload(kind string, sizeBytes int) {
	m.UploadsReceived.WithLabelValues(kind).Inc()
	m.UploadSize.Observe(float64(sizeBytes))
}

// RecordConversion records a conversion outcome and its duration
func (m *Metrics) RecordConversion(outcome string, durationSeconds float64) {
	m.Conversions.WithLabelValues(outcome).Inc()
	m.ConversionDuration.Observe(durationSeconds)
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a transcription that produced text
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionNoSpeech records a transcription without speech
func (m *Metrics) RecordTranscriptionNoSpeech(durationSeconds float64) {
	m.TranscriptionNoSpeech.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(reason string, durationSeconds float64) {
	m.TranscriptionFailures.WithLabelValues(reason).Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordEntryAppended increments the appended entries counter
func (m *Metrics) RecordEntryAppended() {
	m.EntriesAppended.Inc()
}

// RecordEntryEdited increments the edited entries counter
func (m *Metrics) RecordEntryEdited() {
	m.EntriesEdited.Inc()
}

// RecordEditRejected records a rejected edit
func (m *Metrics) RecordEditRejected(reason string) {
	m.EditsRejected.WithLabelValues(reason).Inc()
}

// SetActiveSessions sets the current number of chunk sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// AddSubscribers adjusts the websocket subscriber gauge
func (m *Metrics) AddSubscribers(delta int) {
	m.Subscribers.Add(float64(delta))
}

// RecordEventPushed increments the pushed events counter
func (m *Metrics) RecordEventPushed() {
	m.EventsPushed.Inc()
}

// RecordInboxFile records the outcome of one inbox file
func (m *Metrics) RecordInboxFile(outcome string) {
	m.InboxFiles.WithLabelValues(outcome).Inc()
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
