package render

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	projectAcquisitions *prometheus.CounterVec
	transferFallbacks   *prometheus.CounterVec
	cleanups            *prometheus.CounterVec
	phaseDuration       *prometheus.HistogramVec
	abandonedJobs       prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		projectAcquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "renderflow_engine_project_acquisitions_total",
			Help: "Engine projects acquired for renders, by whether an existing project was reused.",
		}, []string{"result"}),
		transferFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "renderflow_transfer_fallbacks_total",
			Help: "Artifacts left on engine transient URLs because transfer failed.",
		}, []string{"artifact"}),
		cleanups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "renderflow_engine_cleanups_total",
			Help: "Engine resource cleanup attempts by resource and outcome.",
		}, []string{"resource", "outcome"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "renderflow_render_phase_duration_seconds",
			Help:    "Duration of each render processor phase.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"phase"}),
		abandonedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "renderflow_render_abandoned_jobs_total",
			Help: "Active jobs failed by the sweep after making no progress.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.projectAcquisitions, m.transferFallbacks, m.cleanups, m.phaseDuration, m.abandonedJobs)
	}
	return m
}

func (m *Metrics) acquired(reused bool) {
	if m == nil {
		return
	}
	result := "created"
	if reused {
		result = "reused"
	}
	m.projectAcquisitions.WithLabelValues(result).Inc()
}

func (m *Metrics) fallback(artifact string) {
	if m == nil {
		return
	}
	m.transferFallbacks.WithLabelValues(artifact).Inc()
}

func (m *Metrics) cleanup(resource, outcome string) {
	if m == nil {
		return
	}
	m.cleanups.WithLabelValues(resource, outcome).Inc()
}

func (m *Metrics) phase(name string, started time.Time) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
}

func (m *Metrics) abandoned() {
	if m == nil {
		return
	}
	m.abandonedJobs.Inc()
}
