// Package metrics defines the Prometheus collectors of the trading loop.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors.
type Metrics struct {
	registry *prometheus.Registry

	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	ProviderQuota    prometheus.Gauge

	Decisions      *prometheus.CounterVec
	ModuleFailures *prometheus.CounterVec
	TradesOpened   prometheus.Counter
	TradesResolved *prometheus.CounterVec
	PendingTrades  prometheus.Gauge

	Level   prometheus.Gauge
	Balance prometheus.Gauge

	JobDuration *prometheus.HistogramVec
	JobErrors   *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ProviderRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "council_provider_requests_total",
				Help: "Price provider requests by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		ProviderLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "council_provider_request_seconds",
				Help:    "Price provider request latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
			},
			[]string{"endpoint"},
		),
		ProviderQuota: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "council_provider_calls_today",
				Help: "Provider calls counted against the daily quota",
			},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "council_decisions_total",
				Help: "Council decisions by direction",
			},
			[]string{"direction"},
		),
		ModuleFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "council_module_failures_total",
				Help: "Analysis modules dropped from a cycle",
			},
			[]string{"module"},
		),
		TradesOpened: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "council_trades_opened_total",
				Help: "Trades persisted as PENDING",
			},
		),
		TradesResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "council_trades_resolved_total",
				Help: "Trades that reached a terminal state",
			},
			[]string{"state"},
		),
		PendingTrades: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "council_pending_trades",
				Help: "Trades awaiting verification",
			},
		),
		Level: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "council_ladder_level",
				Help: "Current ladder level",
			},
		),
		Balance: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "council_ladder_balance",
				Help: "Current ladder balance",
			},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "council_job_duration_seconds",
				Help:    "Scheduled job duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		),
		JobErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "council_job_errors_total",
				Help: "Scheduled job runs that returned an error",
			},
			[]string{"job"},
		),
	}

	m.registry.MustRegister(
		m.ProviderRequests, m.ProviderLatency, m.ProviderQuota,
		m.Decisions, m.ModuleFailures, m.TradesOpened, m.TradesResolved, m.PendingTrades,
		m.Level, m.Balance, m.JobDuration, m.JobErrors,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveProvider(endpoint, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(endpoint, outcome).Inc()
	m.ProviderLatency.WithLabelValues(endpoint).Observe(took.Seconds())
}

func (m *Metrics) SetQuotaUsed(n int) {
	if m == nil {
		return
	}
	m.ProviderQuota.Set(float64(n))
}

func (m *Metrics) ObserveDecision(direction string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(direction).Inc()
}

func (m *Metrics) ModuleFailed(module string) {
	if m == nil {
		return
	}
	m.ModuleFailures.WithLabelValues(module).Inc()
}

func (m *Metrics) TradeOpened() {
	if m == nil {
		return
	}
	m.TradesOpened.Inc()
}

func (m *Metrics) TradeResolved(state string) {
	if m == nil {
		return
	}
	m.TradesResolved.WithLabelValues(state).Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingTrades.Set(float64(n))
}

func (m *Metrics) SetLadder(level int, balance float64) {
	if m == nil {
		return
	}
	m.Level.Set(float64(level))
	m.Balance.Set(balance)
}

// ObserveJob records one scheduled job run.
func (m *Metrics) ObserveJob(job string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.JobDuration.WithLabelValues(job).Observe(took.Seconds())
	if err != nil {
		m.JobErrors.WithLabelValues(job).Inc()
	}
}
