// Package metrics exposes ambient Prometheus observability: orders placed,
// signals generated/rejected per reason, kill-switch activations, and
// current equity/exposure. This is not a spec feature — the dashboard
// Non-goal excludes a UI, not instrumentation — so it is carried the way
// the reference repo carries it, on its own registry rather than package
// globals, so multiple engine instances (e.g. in tests) don't collide on
// prometheus.DefaultRegisterer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge the trading core updates.
type Metrics struct {
	registry *prometheus.Registry

	ordersTotal           *prometheus.CounterVec
	signalsTotal          *prometheus.CounterVec
	signalRejectionsTotal *prometheus.CounterVec
	killSwitchActivations prometheus.Counter
	equityUSD             prometheus.Gauge
	openPositions         *prometheus.GaugeVec
}

// New builds and registers every metric on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ordersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Orders placed, by symbol/side/status.",
		}, []string{"symbol", "side", "status"}),
		signalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_signals_total",
			Help: "Signals generated, by symbol/strategy/direction.",
		}, []string{"symbol", "strategy", "direction"}),
		signalRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_signal_rejections_total",
			Help: "Signal rejections, by symbol/stage(meta|risk)/reason code.",
		}, []string{"symbol", "stage", "reason"}),
		killSwitchActivations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_killswitch_activations_total",
			Help: "Number of times the kill-switch has activated.",
		}),
		equityUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_equity_usd",
			Help: "Current account equity in USD.",
		}),
		openPositions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bot_open_position_qty",
			Help: "Current open position quantity per symbol, signed by side.",
		}, []string{"symbol"}),
	}

	reg.MustRegister(
		m.ordersTotal,
		m.signalsTotal,
		m.signalRejectionsTotal,
		m.killSwitchActivations,
		m.equityUSD,
		m.openPositions,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncOrder records an order submission outcome.
func (m *Metrics) IncOrder(symbol, side, status string) {
	m.ordersTotal.WithLabelValues(symbol, side, status).Inc()
}

// IncSignal records a strategy-generated signal.
func (m *Metrics) IncSignal(symbol, strategy, direction string) {
	m.signalsTotal.WithLabelValues(symbol, strategy, direction).Inc()
}

// IncRejection records a meta- or risk-stage rejection by reason code.
func (m *Metrics) IncRejection(symbol, stage, reason string) {
	m.signalRejectionsTotal.WithLabelValues(symbol, stage, reason).Inc()
}

// IncKillSwitchActivation records one kill-switch activation.
func (m *Metrics) IncKillSwitchActivation() {
	m.killSwitchActivations.Inc()
}

// SetEquity publishes the current equity snapshot.
func (m *Metrics) SetEquity(equityUSD float64) {
	m.equityUSD.Set(equityUSD)
}

// SetOpenPositionQty publishes the signed open quantity for a symbol (0 when
// flat).
func (m *Metrics) SetOpenPositionQty(symbol string, qty float64) {
	m.openPositions.WithLabelValues(symbol).Set(qty)
}
