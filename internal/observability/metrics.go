// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
// All Record* methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Watcher metrics
	WatcherTransitions *prometheus.CounterVec
	EndpointSwitches   *prometheus.CounterVec
	ActiveWatchers     prometheus.Gauge
	SignaturesSeen     prometheus.Counter
	SignaturesDeduped  prometheus.Counter
	DetailFetches      *prometheus.CounterVec
	EventsEmitted      *prometheus.CounterVec

	// Metadata metrics
	MetadataResolutions *prometheus.CounterVec

	// Session metrics
	ActiveSessions      prometheus.Gauge
	ActiveSubscriptions *prometheus.GaugeVec
	MessagesSent        *prometheus.CounterVec
	ChangesForwarded    *prometheus.CounterVec
	ChangesFiltered     *prometheus.CounterVec
	ClientErrors        *prometheus.CounterVec

	// Latency metrics
	RPCCallLatency *prometheus.HistogramVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance registered with reg.
// A nil reg registers with prometheus.DefaultRegisterer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "feed_gateway"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		// Watcher metrics
		WatcherTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "state_transitions_total",
			Help:      "Total number of watcher state transitions by target state",
		}, []string{"state"}),
		EndpointSwitches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "endpoint_switches_total",
			Help:      "Total number of endpoint rotations by reason",
		}, []string{"reason"}),
		ActiveWatchers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "active",
			Help:      "Number of running watchers",
		}),
		SignaturesSeen: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "signatures_seen_total",
			Help:      "Total number of new signatures queued for resolution",
		}),
		SignaturesDeduped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "signatures_deduped_total",
			Help:      "Total number of notifications for already seen signatures",
		}),
		DetailFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "detail_fetches_total",
			Help:      "Total number of transaction detail fetches by result",
		}, []string{"result"}),
		EventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "events_emitted_total",
			Help:      "Total number of domain events emitted by kind",
		}, []string{"kind"}),

		// Metadata metrics
		MetadataResolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "metadata",
			Name:      "resolutions_total",
			Help:      "Total number of metadata resolutions by result",
		}, []string{"result"}),

		// Session metrics
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of connected client sessions",
		}),
		ActiveSubscriptions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "subscriptions",
			Help:      "Number of live subscriptions by data type",
		}, []string{"data_type"}),
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "messages_sent_total",
			Help:      "Total number of messages sent to clients by type",
		}, []string{"type"}),
		ChangesForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "changes_forwarded_total",
			Help:      "Total number of change events forwarded by data type",
		}, []string{"data_type"}),
		ChangesFiltered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "changes_filtered_total",
			Help:      "Total number of change events dropped by the relevance predicate",
		}, []string{"data_type"}),
		ClientErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "client_errors_total",
			Help:      "Total number of error messages sent to clients by kind",
		}, []string{"kind"}),

		// Latency metrics
		RPCCallLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "rpc_call_latency_seconds",
			Help:      "Solana RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		// Database metrics
		DBQueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordWatcherTransition records a watcher entering state.
func (m *Metrics) RecordWatcherTransition(state string) {
	if m == nil {
		return
	}
	m.WatcherTransitions.WithLabelValues(state).Inc()
}

// RecordEndpointSwitch records an endpoint rotation.
func (m *Metrics) RecordEndpointSwitch(reason string) {
	if m == nil {
		return
	}
	m.EndpointSwitches.WithLabelValues(reason).Inc()
}

// WatcherStarted increments the active watchers gauge.
func (m *Metrics) WatcherStarted() {
	if m == nil {
		return
	}
	m.ActiveWatchers.Inc()
}

// WatcherStopped decrements the active watchers gauge.
func (m *Metrics) WatcherStopped() {
	if m == nil {
		return
	}
	m.ActiveWatchers.Dec()
}

// RecordSignature records a signature notification; dup marks an already seen one.
func (m *Metrics) RecordSignature(dup bool) {
	if m == nil {
		return
	}
	if dup {
		m.SignaturesDeduped.Inc()
		return
	}
	m.SignaturesSeen.Inc()
}

// RecordDetailFetch records a transaction detail fetch outcome.
func (m *Metrics) RecordDetailFetch(result string) {
	if m == nil {
		return
	}
	m.DetailFetches.WithLabelValues(result).Inc()
}

// RecordEvent records an emitted domain event.
func (m *Metrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.EventsEmitted.WithLabelValues(kind).Inc()
}

// RecordMetadataResolution records a metadata resolution outcome.
func (m *Metrics) RecordMetadataResolution(result string) {
	if m == nil {
		return
	}
	m.MetadataResolutions.WithLabelValues(result).Inc()
}

// SessionOpened increments the active sessions gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionClosed decrements the active sessions gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// AddSubscriptions adjusts the live subscription gauge for dataType by delta.
func (m *Metrics) AddSubscriptions(dataType string, delta int) {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.WithLabelValues(dataType).Add(float64(delta))
}

// RecordMessageSent records an outbound client message.
func (m *Metrics) RecordMessageSent(msgType string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(msgType).Inc()
}

// RecordChange records a change event outcome for dataType.
func (m *Metrics) RecordChange(dataType string, forwarded bool) {
	if m == nil {
		return
	}
	if forwarded {
		m.ChangesForwarded.WithLabelValues(dataType).Inc()
		return
	}
	m.ChangesFiltered.WithLabelValues(dataType).Inc()
}

// RecordClientError records an error message sent to a client.
func (m *Metrics) RecordClientError(kind string) {
	if m == nil {
		return
	}
	m.ClientErrors.WithLabelValues(kind).Inc()
}

// RecordRPCLatency records RPC call latency.
func (m *Metrics) RecordRPCLatency(method string, d time.Duration) {
	if m == nil {
		return
	}
	m.RPCCallLatency.WithLabelValues(method).Observe(d.Seconds())
}

// RecordDBQuery records database query metrics.
func (m *Metrics) RecordDBQuery(database, operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(database, operation).Observe(d.Seconds())
	if err != nil {
		m.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
