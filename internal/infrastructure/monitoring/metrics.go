package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the streaming bridge.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Terminal metrics
	TerminalSessionsActive prometheus.Gauge
	TerminalSessionsTotal  prometheus.Counter
	TerminalStreamsActive  prometheus.Gauge

	// Chat metrics
	ChatStreamsActive prometheus.Gauge
	ChatRunsTotal     *prometheus.CounterVec

	// Gateway metrics
	GatewayCalls      *prometheus.CounterVec
	GatewayCallSecs   *prometheus.HistogramVec
	GatewayReconnects prometheus.Counter

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a metrics collector with its own registry-free
// promauto collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentdeck_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentdeck_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		TerminalSessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentdeck_terminal_sessions_active",
				Help: "Number of live terminal sessions",
			},
		),
		TerminalSessionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "agentdeck_terminal_sessions_total",
				Help: "Total number of terminal sessions created",
			},
		),
		TerminalStreamsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentdeck_terminal_streams_active",
				Help: "Number of attached terminal event streams",
			},
		),

		ChatStreamsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentdeck_chat_streams_active",
				Help: "Number of in-flight chat streams",
			},
		),
		ChatRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentdeck_chat_runs_total",
				Help: "Completed chat runs by terminal state",
			},
			[]string{"state"},
		),

		GatewayCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentdeck_gateway_calls_total",
				Help: "Gateway RPC calls by method and outcome",
			},
			[]string{"method", "status"},
		),
		GatewayCallSecs: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentdeck_gateway_call_duration_seconds",
				Help:    "Gateway RPC call duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"method"},
		),
		GatewayReconnects: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "agentdeck_gateway_reconnects_total",
				Help: "Successful gateway reconnect attempts",
			},
		),

		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentdeck_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
	}

	go m.trackUptime()

	return m
}

func (m *Metrics) trackUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordGatewayCall records one gateway RPC call.
func (m *Metrics) RecordGatewayCall(method, status string, duration time.Duration) {
	m.GatewayCalls.WithLabelValues(method, status).Inc()
	m.GatewayCallSecs.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordChatRun records a chat run reaching a terminal state.
func (m *Metrics) RecordChatRun(state string) {
	m.ChatRunsTotal.WithLabelValues(state).Inc()
}
