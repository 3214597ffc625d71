// Package metrics provides Prometheus metrics for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "callstream"

// Metrics holds all Prometheus metrics for the gateway and the bridge.
// Both binaries share one registry; each only touches its own series.
type Metrics struct {
	// Gateway ingest metrics
	ConnectionsTotal  *prometheus.CounterVec
	ConnectionsActive prometheus.Gauge
	FramesIngested    prometheus.Counter
	BytesIngested     prometheus.Counter
	FramesDropped     *prometheus.CounterVec

	// Gateway fallback buffer metrics
	FallbackBuffered prometheus.Counter
	FallbackDropped  prometheus.Counter
	FallbackFlushed  prometheus.Counter

	// Bus metrics
	PublishTotal   *prometheus.CounterVec
	PublishErrors  *prometheus.CounterVec
	PublishLatency *prometheus.HistogramVec

	// Bridge metrics
	CallsActive         prometheus.Gauge
	ChunksSent          prometheus.Counter
	ChunkBytes          prometheus.Counter
	PendingDropped      prometheus.Counter
	DuplicateFrames     prometheus.Counter
	ProviderReconnects  *prometheus.CounterVec
	KeepaliveFailures   prometheus.Counter
	TranscriptsPartial  prometheus.Counter
	TranscriptsFinal    prometheus.Counter
	TranscriptsEmpty    prometheus.Counter
	TranscriptsError    prometheus.Counter
	FirstTranscriptLat  prometheus.Histogram
	ProviderConnections *prometheus.GaugeVec
}

// Default is the global metrics instance.
var Default = New()

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted, by protocol",
		}, []string{"protocol"}),
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Currently open WebSocket connections",
		}),
		FramesIngested: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_ingested_total",
			Help:      "Total audio frames accepted by the gateway",
		}),
		BytesIngested: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_ingested_total",
			Help:      "Total audio payload bytes accepted by the gateway",
		}),
		FramesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total frames dropped before publish",
		}, []string{"reason"}),

		FallbackBuffered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_buffered_total",
			Help:      "Frames diverted into the per-call fallback buffer",
		}),
		FallbackDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_dropped_total",
			Help:      "Frames evicted from a full fallback buffer",
		}),
		FallbackFlushed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_flushed_total",
			Help:      "Frames recovered from the fallback buffer to the bus",
		}),

		PublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_publish_total",
			Help:      "Total bus publish attempts",
		}, []string{"topic"}),
		PublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_publish_errors_total",
			Help:      "Total failed bus publishes",
		}, []string{"topic"}),
		PublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bus_publish_latency_seconds",
			Help:      "Bus publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		CallsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Calls currently owned by bridge workers",
		}),
		ChunksSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_sent_total",
			Help:      "Audio chunks transmitted to the ASR provider",
		}),
		ChunkBytes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_bytes_total",
			Help:      "Audio bytes transmitted to the ASR provider",
		}),
		PendingDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_dropped_total",
			Help:      "Chunks evicted from the pending queue while disconnected",
		}),
		DuplicateFrames: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_frames_total",
			Help:      "Redelivered frames discarded by sequence dedup",
		}),
		ProviderReconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_reconnects_total",
			Help:      "Provider reconnect attempts, by error class",
		}, []string{"class"}),
		KeepaliveFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalive_failures_total",
			Help:      "Failed provider keepalives",
		}),
		TranscriptsPartial: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_partial_total",
			Help:      "Partial transcripts published",
		}),
		TranscriptsFinal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Final transcripts published",
		}),
		TranscriptsEmpty: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_empty_total",
			Help:      "Empty transcripts dropped",
		}),
		TranscriptsError: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_error_total",
			Help:      "Error transcripts published after provider failure",
		}),
		FirstTranscriptLat: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_transcript_latency_seconds",
			Help:      "Time from first chunk sent to first transcript per call",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		ProviderConnections: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_connections",
			Help:      "Open provider connections",
		}, []string{"provider"}),
	}
}

// RecordPublish records one bus publish attempt.
func (m *Metrics) RecordPublish(topic string, err error, latencySeconds float64) {
	m.PublishTotal.WithLabelValues(topic).Inc()
	m.PublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.PublishErrors.WithLabelValues(topic).Inc()
	}
}

// RecordFrame records an accepted gateway frame.
func (m *Metrics) RecordFrame(bytes int) {
	m.FramesIngested.Inc()
	m.BytesIngested.Add(float64(bytes))
}

// RecordDrop records a dropped frame with its reason.
func (m *Metrics) RecordDrop(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// RecordChunk records a chunk transmitted to the provider.
func (m *Metrics) RecordChunk(bytes int) {
	m.ChunksSent.Inc()
	m.ChunkBytes.Add(float64(bytes))
}
