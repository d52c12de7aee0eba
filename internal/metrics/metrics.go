package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the simulator's collectors on a private registry.
type Registry struct {
	reg *prometheus.Registry

	RunsTotal     *prometheus.CounterVec
	UsersTotal    *prometheus.CounterVec
	RunDuration   prometheus.Histogram
	BatchProgress *prometheus.GaugeVec
	BatchesTotal  *prometheus.CounterVec
	RateLimited   prometheus.Counter

	BatchesDispatched *prometheus.CounterVec
	DispatchBreaker   prometheus.Gauge
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tssim_runs_total",
			Help: "Simulated universes by outcome",
		}, []string{"status"}),
		UsersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tssim_users_total",
			Help: "Simulated users by allocated arm",
		}, []string{"arm"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tssim_run_duration_ms",
			Help:    "Wall time of one simulated universe in milliseconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}),
		BatchProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tssim_batch_progress",
			Help: "Last reported completion fraction of a running batch",
		}, []string{"batch_id"}),
		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tssim_batches_total",
			Help: "Batches by final status",
		}, []string{"status"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tssim_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
		BatchesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tssim_batches_dispatched_total",
			Help: "Async batches by the executor that accepted them",
		}, []string{"executor"}),
		DispatchBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tssim_dispatch_breaker_state",
			Help: "Workflow dispatch breaker state (0=closed, 1=open, 2=half-open)",
		}),
	}
	reg.MustRegister(m.RunsTotal, m.UsersTotal, m.RunDuration, m.BatchProgress, m.BatchesTotal, m.RateLimited,
		m.BatchesDispatched, m.DispatchBreaker)
	return m
}

// ObserveRun records one finished universe.
func (m *Registry) ObserveRun(status string, usersA, usersB int, durationMs float64) {
	m.RunsTotal.WithLabelValues(status).Inc()
	if usersA > 0 {
		m.UsersTotal.WithLabelValues("A").Add(float64(usersA))
	}
	if usersB > 0 {
		m.UsersTotal.WithLabelValues("B").Add(float64(usersB))
	}
	m.RunDuration.Observe(durationMs)
}

// FinishBatch counts the batch and drops its progress series.
func (m *Registry) FinishBatch(batchID, status string) {
	m.BatchesTotal.WithLabelValues(status).Inc()
	m.BatchProgress.DeleteLabelValues(batchID)
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
