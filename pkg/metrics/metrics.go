package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "acecover"

// Metrics holds the worker collectors.
type Metrics struct {
	registry *prometheus.Registry

	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	inference   prometheus.Histogram
	loads       *prometheus.CounterVec
	loadTime    prometheus.Histogram
	loaded      prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Total number of jobs processed.",
			},
			[]string{"source", "result"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of jobs in seconds, including model load and file staging.",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"source", "result"},
		),
		inference: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "inference_duration_seconds",
				Help:      "Duration of generation calls in seconds.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),
		loads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_loads_total",
				Help:      "Total number of model load attempts.",
			},
			[]string{"result"},
		),
		loadTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "model_load_duration_seconds",
				Help:      "Duration of model load attempts in seconds.",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		),
		loaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "model_loaded",
				Help:      "Whether the model is loaded (1) or not (0).",
			},
		),
	}
	registry.MustRegister(
		m.jobs,
		m.jobDuration,
		m.inference,
		m.loads,
		m.loadTime,
		m.loaded,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveJob records a finished job. Result is one of completed, failed or
// pong.
func (m *Metrics) ObserveJob(source, result string, elapsed time.Duration) {
	if source == "" {
		source = "unknown"
	}
	m.jobs.WithLabelValues(source, result).Inc()
	m.jobDuration.WithLabelValues(source, result).Observe(elapsed.Seconds())
}

// ObserveInference records the duration of a generation call.
func (m *Metrics) ObserveInference(elapsed time.Duration) {
	m.inference.Observe(elapsed.Seconds())
}

// ObserveLoad records a model load attempt.
func (m *Metrics) ObserveLoad(elapsed time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.loads.WithLabelValues(result).Inc()
	m.loadTime.Observe(elapsed.Seconds())
	if err == nil {
		m.loaded.Set(1)
	} else {
		m.loaded.Set(0)
	}
}

// SetLoaded updates the loaded gauge.
func (m *Metrics) SetLoaded(loaded bool) {
	if loaded {
		m.loaded.Set(1)
		return
	}
	m.loaded.Set(0)
}

// Handler returns the HTTP handler exposing the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
