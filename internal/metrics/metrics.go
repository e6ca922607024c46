// Package metrics exposes agent and fleet counters in Prometheus form.
// Every recording method is a no-op on a nil *Metrics so components can
// run without a registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chitinwall"

type Metrics struct {
	registry *prometheus.Registry

	scans        *prometheus.CounterVec
	scanDuration prometheus.Histogram
	findings     *prometheus.CounterVec
	drift        *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	state        *prometheus.GaugeVec
	reports      *prometheus.CounterVec
}

// New registers all collectors on a fresh registry, plus the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Skill scans by verdict action, or error.",
		}, []string{"action"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Time to parse and evaluate one skill.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_total",
			Help:      "Findings by category and severity.",
		}, []string{"category", "severity"}),
		drift: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_checks_total",
			Help:      "Protected file checks by result.",
		}, []string{"status"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Agent state transitions.",
		}, []string{"from", "to"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_state",
			Help:      "1 for the state each agent is in.",
		}, []string{"agent", "state"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fleet_reports_total",
			Help:      "Reports received by the fleet server.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.scans, m.scanDuration, m.findings, m.drift, m.transitions, m.state, m.reports,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveScan(action string, d time.Duration) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(action).Inc()
	m.scanDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveFinding(category, severity string) {
	if m == nil {
		return
	}
	m.findings.WithLabelValues(category, severity).Inc()
}

func (m *Metrics) ObserveCheck(status string) {
	if m == nil {
		return
	}
	m.drift.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// SetState marks agent as being in state, clearing the other states.
func (m *Metrics) SetState(agent, state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(agent, s).Set(v)
	}
}

func (m *Metrics) ObserveReport(kind string) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(kind).Inc()
}
