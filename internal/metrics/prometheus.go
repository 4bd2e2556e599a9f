package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the collaboration server
type Metrics struct {
	// Control channel metrics
	SessionsActive   prometheus.Gauge
	SessionsTotal    prometheus.Counter
	SessionsRejected prometheus.Counter
	MessagesReceived *prometheus.CounterVec
	ProtocolErrors   *prometheus.CounterVec
	Broadcasts       *prometheus.CounterVec
	BroadcastErrors  prometheus.Counter

	// UDP relay metrics
	DatagramsReceived  *prometheus.CounterVec
	DatagramsForwarded *prometheus.CounterVec
	DatagramsDropped   *prometheus.CounterVec
	DatagramsMalformed *prometheus.CounterVec
	RelaySendErrors    *prometheus.CounterVec
	RelayEndpoints     *prometheus.GaugeVec
	DatagramSize       *prometheus.HistogramVec

	// Screen-share metrics
	PresenterActive   prometheus.Gauge
	PresenterRejected prometheus.Counter
	Viewers           prometheus.Gauge
	FramesReceived    prometheus.Counter
	FramesDropped     prometheus.Counter
	ViewerWriteErrors prometheus.Counter
	FrameSize         prometheus.Histogram

	// File transfer metrics
	Uploads       *prometheus.CounterVec
	Downloads     *prometheus.CounterVec
	BytesUploaded prometheus.Counter
	BytesServed   prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
	EventSubscribers    prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them on promhttp.Handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Control channel metrics
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lan_control_sessions_active",
			Help: "Current number of connected control sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lan_control_sessions_total",
			Help: "Total number of accepted control connections",
		}),
		SessionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "lan_control_sessions_rejected_total",
			Help: "Control connections refused because the session limit was reached",
		}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lan_control_messages_received_total",
			Help: "Control messages decoded, by type",
		}, []string{"type"}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lan_control_protocol_errors_total",
			Help: "ERROR replies sent to clients, by message",
		}, []string{"reason"}),
		Broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lan_control_broadcasts_total",
			Help: "Broadcasts fanned out to sessions, by type",
		}, []string{"type"}),
		BroadcastErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "lan_control_broadcast_errors_total",
			Help: "Per-session write failures swallowed during broadcast",
		}),

		// UDP relay metrics
		DatagramsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lan_relay_datagrams_received_total",
			Help: "Datagrams received by a relay",
		}, []string{"relay"}),
		DatagramsForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lan_relay_datagrams_forwarded_total",
			Help: "Datagrams sent to registered endpoints",
		}, []string{"relay"}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lan_relay_datagrams_dropped_total",
			Help: "Datagrams dropped because the forwarding queue was full",
		}, []string{"relay"}),
		DatagramsMalformed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lan_relay_datagrams_malformed_total",
			Help: "Datagrams that did not match the expected layout (still forwarded)",
		}, []string{"relay"}),
		RelaySendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lan_relay_send_errors_total",
			Help: "Failed datagram sends",
		}, []string{"relay"}),
		RelayEndpoints: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lan_relay_endpoints",
			Help: "Registered relay endpoints",
		}, []string{"relay"}),
		DatagramSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lan_relay_datagram_size_bytes",
			Help:    "Size of relayed datagrams",
			Buckets: prometheus.ExponentialBuckets(64, 2, 11), // 64B to 64KB
		}, []string{"relay"}),

		// Screen-share metrics
		PresenterActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lan_screen_presenter_active",
			Help: "1 while a presenter is streaming",
		}),
		PresenterRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "lan_screen_presenter_rejected_total",
			Help: "Presenter connections refused because the slot was taken",
		}),
		Viewers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lan_screen_viewers",
			Help: "Current number of screen-share viewers",
		}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "lan_screen_frames_received_total",
			Help: "Frames received from the presenter",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "lan_screen_frames_dropped_total",
			Help: "Per-viewer frame drops caused by a full send queue",
		}),
		ViewerWriteErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "lan_screen_viewer_write_errors_total",
			Help: "Viewers removed after a failed write",
		}),
		FrameSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lan_screen_frame_size_bytes",
			Help:    "Size of presenter frames",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 14), // 1KB to ~8MB
		}),

		// File transfer metrics
		Uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lan_file_uploads_total",
			Help: "Upload requests, by result",
		}, []string{"result"}),
		Downloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lan_file_downloads_total",
			Help: "Download requests, by result",
		}, []string{"result"}),
		BytesUploaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "lan_file_bytes_uploaded_total",
			Help: "Content bytes written to storage",
		}),
		BytesServed: factory.NewCounter(prometheus.CounterOpts{
			Name: "lan_file_bytes_served_total",
			Help: "Content bytes sent to downloaders",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lan_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lan_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lan_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
		EventSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lan_http_event_subscribers",
			Help: "Connected /events WebSocket clients",
		}),
	}
}

// SetSessionsActive sets the current number of control sessions
func (m *Metrics) SetSessionsActive(count int) {
	m.SessionsActive.Set(float64(count))
}

// RecordMessage counts a decoded control message
func (m *Metrics) RecordMessage(msgType string) {
	m.MessagesReceived.WithLabelValues(msgType).Inc()
}

// RecordProtocolError counts an ERROR reply
func (m *Metrics) RecordProtocolError(reason string) {
	m.ProtocolErrors.WithLabelValues(reason).Inc()
}

// RecordBroadcast records one fan-out and the number of failed deliveries
func (m *Metrics) RecordBroadcast(msgType string, failures int) {
	m.Broadcasts.WithLabelValues(msgType).Inc()
	m.BroadcastErrors.Add(float64(failures))
}

// RecordDatagramReceived counts an incoming datagram and observes its size
func (m *Metrics) RecordDatagramReceived(relay string, size int) {
	m.DatagramsReceived.WithLabelValues(relay).Inc()
	m.DatagramSize.WithLabelValues(relay).Observe(float64(size))
}

// RecordDatagramForwarded counts successful sends
func (m *Metrics) RecordDatagramForwarded(relay string, sent int) {
	m.DatagramsForwarded.WithLabelValues(relay).Add(float64(sent))
}

// RecordDatagramDropped counts a datagram dropped on a full queue
func (m *Metrics) RecordDatagramDropped(relay string) {
	m.DatagramsDropped.WithLabelValues(relay).Inc()
}

// RecordDatagramMalformed counts a datagram with an unexpected layout
func (m *Metrics) RecordDatagramMalformed(relay string) {
	m.DatagramsMalformed.WithLabelValues(relay).Inc()
}

// RecordRelaySendError counts a failed send
func (m *Metrics) RecordRelaySendError(relay string) {
	m.RelaySendErrors.WithLabelValues(relay).Inc()
}

// SetRelayEndpoints sets the endpoint count of a relay
func (m *Metrics) SetRelayEndpoints(relay string, count int) {
	m.RelayEndpoints.WithLabelValues(relay).Set(float64(count))
}

// SetPresenterActive toggles the presenter gauge
func (m *Metrics) SetPresenterActive(active bool) {
	if active {
		m.PresenterActive.Set(1)
		return
	}
	m.PresenterActive.Set(0)
}

// SetViewers sets the current viewer count
func (m *Metrics) SetViewers(count int) {
	m.Viewers.Set(float64(count))
}

// RecordFrame records a presenter frame
func (m *Metrics) RecordFrame(sizeBytes int) {
	m.FramesReceived.Inc()
	m.FrameSize.Observe(float64(sizeBytes))
}

// RecordUpload records an upload with its result and stored byte count
func (m *Metrics) RecordUpload(result string, bytes int64) {
	m.Uploads.WithLabelValues(result).Inc()
	m.BytesUploaded.Add(float64(bytes))
}

// RecordDownload records a download with its result and served byte count
func (m *Metrics) RecordDownload(result string, bytes int64) {
	m.Downloads.WithLabelValues(result).Inc()
	m.BytesServed.Add(float64(bytes))
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
