package mcp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus collectors for client connections. A nil *Metrics records nothing, so
// clients created without WithMetrics carry no instrumentation cost.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	pendingRequests  *prometheus.GaugeVec
	connectionStatus *prometheus.GaugeVec
	notifications    *prometheus.CounterVec
}

var allStatuses = []ConnectionStatus{
	StatusDisconnected,
	StatusConnecting,
	StatusHandshaking,
	StatusReady,
	StatusClosing,
	StatusClosed,
	StatusError,
}

// NewMetrics creates the collectors and registers them with reg. One Metrics may be shared by several
// clients; series are labelled with the server name.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcp_client",
				Name:      "requests_total",
				Help:      "Total number of requests sent to MCP servers",
			},
			[]string{"server", "method", "outcome"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mcp_client",
				Name:      "request_duration_seconds",
				Help:      "Time from sending a request until its completion",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"server", "method"},
		),
		pendingRequests: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "mcp_client",
				Name:      "pending_requests",
				Help:      "Number of requests waiting for a response",
			},
			[]string{"server"},
		),
		connectionStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "mcp_client",
				Name:      "connection_status",
				Help:      "Current connection status, 1 for the active status and 0 otherwise",
			},
			[]string{"server", "status"},
		),
		notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcp_client",
				Name:      "notifications_total",
				Help:      "Total number of notifications received from MCP servers",
			},
			[]string{"server", "method"},
		),
	}
}

func (m *Metrics) observeRequest(server, method, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(server, method, outcome).Inc()
	m.requestDuration.WithLabelValues(server, method).Observe(duration.Seconds())
}

func (m *Metrics) setPending(server string, n int) {
	if m == nil {
		return
	}
	m.pendingRequests.WithLabelValues(server).Set(float64(n))
}

func (m *Metrics) setStatus(server string, status ConnectionStatus) {
	if m == nil {
		return
	}
	for _, s := range allStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.connectionStatus.WithLabelValues(server, s.String()).Set(v)
	}
}

func (m *Metrics) countNotification(server, method string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(server, method).Inc()
}
