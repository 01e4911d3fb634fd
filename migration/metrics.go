package migration

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors updated by the Runner. It owns
// its own registry so several runners in one process stay independent.
type Metrics struct {
	registry *prometheus.Registry

	Outcomes      *prometheus.CounterVec
	ApplyDuration *prometheus.HistogramVec
	LockTakeovers prometheus.Counter
	Pending       prometheus.Gauge
	LastRun       prometheus.Gauge
}

// NewMetrics creates the migration collectors under namespace and
// registers them on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "outcomes_total",
			Help:      "Migration attempts by outcome",
		}, []string{"migration", "outcome"}),
		ApplyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "apply_duration_seconds",
			Help:      "Duration of migration apply calls in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"migration"}),
		LockTakeovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "lock_takeovers_total",
			Help:      "Stale migration locks taken over",
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "pending",
			Help:      "Registered migrations without a completion record after the last run",
		}),
		LastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last migration run finished",
		}),
	}
	reg.MustRegister(m.Outcomes, m.ApplyDuration, m.LockTakeovers, m.Pending, m.LastRun)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler that serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) recordResult(res Result) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(res.ID, res.Outcome.String()).Inc()
	if res.Outcome == OutcomeApplied {
		m.ApplyDuration.WithLabelValues(res.ID).Observe(res.Duration.Seconds())
	}
	if res.TookOverLock {
		m.LockTakeovers.Inc()
	}
}

func (m *Metrics) recordRun(report *Report, finished time.Time) {
	if m == nil {
		return
	}
	pending := 0
	for _, r := range report.Results {
		if !r.Outcome.Complete() {
			pending++
		}
	}
	m.Pending.Set(float64(pending))
	m.LastRun.Set(float64(finished.Unix()))
}
