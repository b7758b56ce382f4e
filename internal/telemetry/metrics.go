// Package telemetry provides the Prometheus collectors for linepulse.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
// Components take a *Metrics unconditionally and the engine passes nil when
// no registry was configured.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "linepulse"

// Message results for [Metrics.Message].
const (
	MessageAccepted   = "accepted"
	MessageDuplicate  = "duplicate"
	MessageParseError = "parse_error"
	MessageIgnored    = "ignored"
)

// Fetch results for [Metrics.Fetch].
const (
	FetchSuccess = "success"
	FetchError   = "error"
	FetchCached  = "cached"
	FetchStale   = "stale"
	FetchPanic   = "panic"
)

// Lookup outcomes for [Metrics.Lookup].
const (
	LookupFound     = "found"
	LookupTimeout   = "timeout"
	LookupCancelled = "cancelled"
)

// Metrics holds every collector.
type Metrics struct {
	wsMessages      *prometheus.CounterVec
	reconnects      prometheus.Counter
	connectionState prometheus.Gauge
	pollFetches     *prometheus.CounterVec
	lookups         *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
// It panics if registration fails, as promauto does.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		wsMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages received, by result.",
		}, []string{"result"}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after an abnormal close.",
		}),
		connectionState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connection_state",
			Help:      "Connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting).",
		}),
		pollFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_fetches_total",
			Help:      "Poll task results, by task and result.",
		}, []string{"task", "result"}),
		lookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_lookups_total",
			Help:      "Rework notification lookups, by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
}

// Message counts one received WebSocket message.
func (m *Metrics) Message(result string) {
	if m == nil {
		return
	}
	m.wsMessages.WithLabelValues(result).Inc()
}

// ReconnectScheduled counts one scheduled reconnect.
func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// ConnectionState records the current connection state ordinal.
func (m *Metrics) ConnectionState(state int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

// Fetch counts one poll task result.
func (m *Metrics) Fetch(task, result string) {
	if m == nil {
		return
	}
	m.pollFetches.WithLabelValues(task, result).Inc()
}

// Lookup counts one finished notification lookup.
func (m *Metrics) Lookup(kind, outcome string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(kind, outcome).Inc()
}
