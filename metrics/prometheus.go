// Package metrics holds the Prometheus collectors of the voice client and the
// companion endpoint. Collectors are registered on the Registerer passed in so
// several instances can live in one process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Client contains the metrics of one voice client
type Client struct {
	// Capture
	FramesSent    prometheus.Counter
	FramesDropped prometheus.Counter
	SendErrors    prometheus.Counter

	// Inbound events
	InboundEvents  *prometheus.CounterVec
	ProtocolErrors prometheus.Counter

	// Playback
	ChunksDecoded prometheus.Counter
	DecodeErrors  prometheus.Counter
	ItemsPlayed   prometheus.Counter
	QueueDepth    prometheus.Gauge
	DecodeTime    prometheus.Histogram
}

// NewClient creates and registers the client metrics
func NewClient(reg prometheus.Registerer) *Client {
	f := promauto.With(reg)
	return &Client{
		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_client_frames_sent_total",
			Help: "PCM frames written to the connection",
		}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_client_frames_dropped_total",
			Help: "PCM frames produced while the connection was not open",
		}),
		SendErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_client_send_errors_total",
			Help: "Writes rejected by the underlying channel",
		}),
		InboundEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livevoice_client_inbound_events_total",
			Help: "Inbound events by type tag",
		}, []string{"type"}),
		ProtocolErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_client_protocol_errors_total",
			Help: "Inbound messages that could not be parsed",
		}),
		ChunksDecoded: f.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_client_audio_chunks_decoded_total",
			Help: "Audio chunks decoded into playback items",
		}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_client_audio_decode_errors_total",
			Help: "Audio chunks dropped because they could not be decoded",
		}),
		ItemsPlayed: f.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_client_playback_items_total",
			Help: "Playback items handed to the audio output",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "livevoice_client_playback_queue_depth",
			Help: "Decoded items waiting to be played",
		}),
		DecodeTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "livevoice_client_audio_decode_seconds",
			Help:    "Time spent decoding one audio chunk",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		}),
	}
}

// Server contains the metrics of the companion endpoint
type Server struct {
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	AudioBytesIn    prometheus.Counter
	ChunksOut       prometheus.Counter
	UpstreamErrors  prometheus.Counter
}

// NewServer creates and registers the endpoint metrics
func NewServer(reg prometheus.Registerer) *Server {
	f := promauto.With(reg)
	return &Server{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "livevoice_server_active_sessions",
			Help: "Currently connected streaming sessions",
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_server_sessions_created_total",
			Help: "Streaming sessions created",
		}),
		AudioBytesIn: f.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_server_audio_bytes_in_total",
			Help: "PCM bytes received from clients",
		}),
		ChunksOut: f.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_server_audio_chunks_out_total",
			Help: "audio_chunk events sent to clients",
		}),
		UpstreamErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_server_upstream_errors_total",
			Help: "Errors reported by the Live API connection",
		}),
	}
}

// Handler exposes the collectors registered on g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
