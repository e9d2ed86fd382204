// Package monitoring wires the proxy's share/session/handshake counters into
// a Prometheus registry, generalizing this repo's own
// internal/monitoring.PrometheusClientImpl (a name->CounterVec/GaugeVec map
// registered against a private *prometheus.Registry) from ad hoc HTTP
// metrics to the fixed protocol counters the proxy itself needs.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the proxy's Prometheus counter/gauge set. It satisfies
// minersession.Metrics so sessions can report share verdicts, disconnects,
// and handshake failures without importing this package's concrete type.
type Metrics struct {
	Registry *prometheus.Registry

	sharesTotal        *prometheus.CounterVec
	sessionsDisconnect *prometheus.CounterVec
	handshakeFailures  *prometheus.CounterVec
	activeMiners       prometheus.Gauge
	reloadsTotal       prometheus.Counter
}

// New creates a fresh metrics set registered against its own registry (kept
// private, like the teacher's PrometheusClientImpl, rather than the global
// default registry, so tests can construct independent instances).
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		sharesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_shares_total",
			Help: "Share submissions forwarded to upstream pools, by pool and verdict.",
		}, []string{"pool", "result"}),
		sessionsDisconnect: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_sessions_disconnected_total",
			Help: "Miner sessions that have ended, by pool label.",
		}, []string{"pool"}),
		handshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_upstream_handshake_failures_total",
			Help: "Upstream handshake failures (connect/subscribe/authorize), by pool label.",
		}, []string{"pool"}),
		activeMiners: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_active_miners",
			Help: "Currently connected miner sessions.",
		}),
		reloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_config_reloads_total",
			Help: "Successful configuration reloads.",
		}),
	}

	reg.MustRegister(m.sharesTotal, m.sessionsDisconnect, m.handshakeFailures, m.activeMiners, m.reloadsTotal)
	return m
}

// ShareAccepted records an accepted share forwarded under pool.
func (m *Metrics) ShareAccepted(pool string) {
	m.sharesTotal.WithLabelValues(pool, "accepted").Inc()
}

// ShareRejected records a rejected share forwarded under pool.
func (m *Metrics) ShareRejected(pool string) {
	m.sharesTotal.WithLabelValues(pool, "rejected").Inc()
}

// SessionDisconnected records that a miner session under pool has ended.
func (m *Metrics) SessionDisconnected(pool string) {
	m.sessionsDisconnect.WithLabelValues(pool).Inc()
}

// UpstreamHandshakeFailed records a failed upstream handshake for pool.
func (m *Metrics) UpstreamHandshakeFailed(pool string) {
	m.handshakeFailures.WithLabelValues(pool).Inc()
}

// SetActiveMiners publishes the current connected-miner count. The dashboard
// sets it from the stats registry's snapshot each time /api/stats is served;
// sessions never increment or decrement it themselves.
func (m *Metrics) SetActiveMiners(n int) {
	m.activeMiners.Set(float64(n))
}

// ReloadSucceeded records one successful config reload.
func (m *Metrics) ReloadSucceeded() {
	m.reloadsTotal.Inc()
}
