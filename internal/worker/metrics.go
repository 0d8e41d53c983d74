package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry    *prometheus.Registry
	jobsTotal   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	activeJobs  prometheus.Gauge
	sweepsTotal *prometheus.CounterVec
	webhooks    *prometheus.CounterVec
}

// NewMetrics builds the worker registry. Other components that run inside
// the worker register on Registry().
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := NewMetricsOn(registry)
	m.registry = registry
	return m
}

// NewMetricsOn registers the job metrics on a registry owned elsewhere, as
// when jobs run inside the api process.
func NewMetricsOn(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "renderflow_worker_jobs_total",
			Help: "Total render jobs run by mode and final status.",
		}, []string{"mode", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "renderflow_worker_job_duration_seconds",
			Help:    "Wall time of each render job from pickup to terminal state.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		}, []string{"mode", "status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "renderflow_worker_active_jobs",
			Help: "Render jobs currently running in this worker.",
		}),
		sweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "renderflow_worker_sweeps_total",
			Help: "Resource sweeps by outcome.",
		}, []string{"outcome"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "renderflow_worker_webhook_deliveries_total",
			Help: "Webhook deliveries by event and outcome.",
		}, []string{"event", "outcome"}),
	}

	reg.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.sweepsTotal,
		m.webhooks,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
