package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by the pull client.
const Namespace = "pull"

// Metrics contains the client-level metrics.
type Metrics struct {
	ClientState       prometheus.Gauge
	ConnectAttempts   *prometheus.CounterVec
	Disconnects       *prometheus.CounterVec
	MessagesReceived  *prometheus.CounterVec
	MessagesDuplicate prometheus.Counter
	MessagesDelivered *prometheus.CounterVec
	DecodeErrors      *prometheus.CounterVec
	RPCCalls          *prometheus.CounterVec
	RPCDuration       *prometheus.HistogramVec
	RPCPending        prometheus.Gauge
	QueueDepth        prometheus.Gauge
	QueueDropped      prometheus.Counter
	WatchExtends      *prometheus.CounterVec
	ConfigLoads       *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
}

// NewMetrics creates the client metric set. Collectors are not registered;
// NewMetricsRegistry does that.
func NewMetrics() *Metrics {
	return &Metrics{
		ClientState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "client",
			Name:      "state",
			Help:      "Client state (0=offline, 1=connecting, 2=online, 3=disabled)",
		}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transport",
			Name:      "connect_attempts_total",
			Help:      "Connection attempts by transport",
		}, []string{"transport"}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transport",
			Name:      "disconnects_total",
			Help:      "Closed connections by transport and close code",
		}, []string{"transport", "code"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Decoded events by transport and frame format",
		}, []string{"transport", "format"}),
		MessagesDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "messages",
			Name:      "duplicates_total",
			Help:      "Events dropped by the deduplication window",
		}),
		MessagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "messages",
			Name:      "delivered_total",
			Help:      "Events delivered to subscribers by category",
		}, []string{"category"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "messages",
			Name:      "decode_errors_total",
			Help:      "Frames or messages skipped because they could not be decoded",
		}, []string{"format"}),
		RPCCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "RPC calls by method and outcome",
		}, []string{"method", "status"}),
		RPCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "duration_seconds",
			Help:      "RPC round-trip time",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		RPCPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "pending",
			Help:      "RPC calls awaiting a reply",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Outbound sends buffered while offline",
		}),
		QueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "dropped_total",
			Help:      "Outbound sends dropped because the queue was full",
		}),
		WatchExtends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "watch",
			Name:      "extends_total",
			Help:      "Watch extension calls by outcome",
		}, []string{"status"}),
		ConfigLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "config",
			Name:      "loads_total",
			Help:      "Configuration loads by source and outcome",
		}, []string{"source", "status"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "errors",
			Name:      "total",
			Help:      "Errors by component and class",
		}, []string{"component", "class"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ClientState,
		m.ConnectAttempts,
		m.Disconnects,
		m.MessagesReceived,
		m.MessagesDuplicate,
		m.MessagesDelivered,
		m.DecodeErrors,
		m.RPCCalls,
		m.RPCDuration,
		m.RPCPending,
		m.QueueDepth,
		m.QueueDropped,
		m.WatchExtends,
		m.ConfigLoads,
		m.ErrorsTotal,
	}
}

// The Record helpers are nil-safe so components can hold a nil *Metrics
// when metrics are disabled.

// RecordState sets the client state gauge.
func (m *Metrics) RecordState(state int) {
	if m == nil {
		return
	}
	m.ClientState.Set(float64(state))
}

// RecordConnectAttempt counts a connection attempt.
func (m *Metrics) RecordConnectAttempt(transport string) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(transport).Inc()
}

// RecordDisconnect counts a closed connection.
func (m *Metrics) RecordDisconnect(transport, code string) {
	if m == nil {
		return
	}
	m.Disconnects.WithLabelValues(transport, code).Inc()
}

// RecordReceived counts decoded events.
func (m *Metrics) RecordReceived(transport, format string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.MessagesReceived.WithLabelValues(transport, format).Add(float64(n))
}

// RecordDuplicate counts an event dropped as duplicate.
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.MessagesDuplicate.Inc()
}

// RecordDelivered counts an event handed to subscribers.
func (m *Metrics) RecordDelivered(category string) {
	if m == nil {
		return
	}
	m.MessagesDelivered.WithLabelValues(category).Inc()
}

// RecordDecodeError counts a skipped frame or message.
func (m *Metrics) RecordDecodeError(format string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(format).Inc()
}

// RecordRPC counts a settled RPC call and observes its duration.
func (m *Metrics) RecordRPC(method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RPCCalls.WithLabelValues(method, status).Inc()
	m.RPCDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordRPCPending sets the pending call gauge.
func (m *Metrics) RecordRPCPending(n int) {
	if m == nil {
		return
	}
	m.RPCPending.Set(float64(n))
}

// RecordQueue sets the queue depth and adds dropped sends.
func (m *Metrics) RecordQueue(depth int, dropped int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
	if dropped > 0 {
		m.QueueDropped.Add(float64(dropped))
	}
}

// RecordWatchExtend counts a watch extension call.
func (m *Metrics) RecordWatchExtend(status string) {
	if m == nil {
		return
	}
	m.WatchExtends.WithLabelValues(status).Inc()
}

// RecordConfigLoad counts a configuration load.
func (m *Metrics) RecordConfigLoad(source, status string) {
	if m == nil {
		return
	}
	m.ConfigLoads.WithLabelValues(source, status).Inc()
}

// RecordError counts an error by component and class.
func (m *Metrics) RecordError(component, class string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, class).Inc()
}
