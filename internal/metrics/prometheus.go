package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the transcription service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsRemoved prometheus.Counter
	SessionDuration prometheus.Histogram

	// Ingest metrics
	ChunksReceived  prometheus.Counter
	SamplesIngested prometheus.Counter
	ChunksDropped   *prometheus.CounterVec
	AudioDropped    prometheus.Counter

	// Decode metrics
	DecodesDispatched prometheus.Counter
	DecodesCompleted  *prometheus.CounterVec
	DecodesInFlight   prometheus.Gauge
	DecodeDuration    prometheus.Histogram
	RealTimeRatio     prometheus.Histogram

	// Output metrics
	SegmentsEmitted  prometheus.Counter
	SegmentsFiltered prometheus.Counter

	// API metrics
	HTTPRequests         *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	WebSocketConnections prometheus.Gauge
	UDPPackets           *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transcriber_active_sessions",
			Help: "Current number of transcription sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsRemoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_sessions_removed_total",
			Help: "Total number of sessions removed",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcriber_session_duration_seconds",
			Help:    "Lifetime of removed sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		// Ingest metrics
		ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_chunks_received_total",
			Help: "Total number of audio chunks accepted from producers",
		}),
		SamplesIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_samples_ingested_total",
			Help: "Total number of samples appended to session buffers",
		}),
		ChunksDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_chunks_dropped_total",
			Help: "Total number of chunks shed by backpressure",
		}, []string{"reason"}),
		AudioDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_audio_dropped_seconds_total",
			Help: "Total seconds of audio shed by backpressure",
		}),

		// Decode metrics
		DecodesDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_decodes_dispatched_total",
			Help: "Total number of windows dispatched to the engine",
		}),
		DecodesCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_decodes_completed_total",
			Help: "Total number of finished decodes by outcome",
		}, []string{"outcome"}),
		DecodesInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transcriber_decodes_in_flight",
			Help: "Current number of engine calls in progress",
		}),
		DecodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcriber_decode_duration_seconds",
			Help:    "Engine time per window",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		RealTimeRatio: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcriber_decode_real_time_ratio",
			Help:    "Decode time divided by window duration",
			Buckets: []float64{0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 4},
		}),

		// Output metrics
		SegmentsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_segments_emitted_total",
			Help: "Total number of segments surfaced to callers",
		}),
		SegmentsFiltered: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_segments_filtered_total",
			Help: "Total number of segments rejected by the stabilizer",
		}),

		// API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transcriber_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		WebSocketConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transcriber_websocket_connections",
			Help: "Current number of streaming WebSocket connections",
		}),
		UDPPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_udp_packets_total",
			Help: "Total number of UDP datagrams by result",
		}, []string{"result"}),
	}
}

// Decode outcomes
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeDiscarded = "discarded"
	OutcomeSkipped   = "skipped"
)

// UDP datagram results
const (
	PacketProcessed  = "processed"
	PacketParseError = "parse_error"
	PacketQueueFull  = "queue_full"
	PacketRejected   = "rejected"
)

// SetActiveSessions sets the current number of sessions
func (m *Metrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// RecordSessionRemoved increments the sessions removed counter and records lifetime
func (m *Metrics) RecordSessionRemoved(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsRemoved.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordChunk records an accepted chunk
func (m *Metrics) RecordChunk() {
	if m == nil {
		return
	}
	m.ChunksReceived.Inc()
}

// RecordSamplesIngested records samples appended to a buffer
func (m *Metrics) RecordSamplesIngested(n int) {
	if m == nil {
		return
	}
	m.SamplesIngested.Add(float64(n))
}

// RecordChunkDropped records a chunk shed by backpressure
func (m *Metrics) RecordChunkDropped(reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ChunksDropped.WithLabelValues(reason).Inc()
	m.AudioDropped.Add(durationSeconds)
}

// RecordDecodeDispatched records a window handed to the engine
func (m *Metrics) RecordDecodeDispatched() {
	if m == nil {
		return
	}
	m.DecodesDispatched.Inc()
	m.DecodesInFlight.Inc()
}

// RecordDecodeCompleted records a finished engine call
func (m *Metrics) RecordDecodeCompleted(outcome string, decodeSeconds, windowSeconds float64) {
	if m == nil {
		return
	}
	m.DecodesInFlight.Dec()
	m.DecodesCompleted.WithLabelValues(outcome).Inc()
	m.DecodeDuration.Observe(decodeSeconds)
	if windowSeconds > 0 {
		m.RealTimeRatio.Observe(decodeSeconds / windowSeconds)
	}
}

// RecordSegments records stabilizer output for one window
func (m *Metrics) RecordSegments(emitted, filtered int) {
	if m == nil {
		return
	}
	m.SegmentsEmitted.Add(float64(emitted))
	m.SegmentsFiltered.Add(float64(filtered))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// WebSocketOpened increments the open WebSocket gauge
func (m *Metrics) WebSocketOpened() {
	if m == nil {
		return
	}
	m.WebSocketConnections.Inc()
}

// WebSocketClosed decrements the open WebSocket gauge
func (m *Metrics) WebSocketClosed() {
	if m == nil {
		return
	}
	m.WebSocketConnections.Dec()
}

// RecordUDPPacket counts a datagram by result
func (m *Metrics) RecordUDPPacket(result string) {
	if m == nil {
		return
	}
	m.UDPPackets.WithLabelValues(result).Inc()
}
