package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry             *prometheus.Registry
	rendersTotal         *prometheus.CounterVec
	renderDuration       *prometheus.HistogramVec
	activeRenders        prometheus.Gauge
	runnerPollsTotal     prometheus.Counter
	pixelsGeneratedTotal prometheus.Counter
	outputBytesTotal     prometheus.Counter
	computeTimeMSTotal   prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		rendersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sketchflow_worker_renders_total",
			Help: "Total render tasks by final status.",
		}, []string{"status"}),
		renderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sketchflow_worker_render_duration_seconds",
			Help:    "End-to-end duration of each render task.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		activeRenders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sketchflow_worker_active_renders",
			Help: "Current number of renders waiting on the runner.",
		}),
		runnerPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sketchflow_worker_runner_polls_total",
			Help: "Total history polls issued against the runner.",
		}),
		pixelsGeneratedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sketchflow_usage_pixels_generated_total",
			Help: "Total output pixels across all successful renders.",
		}),
		outputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sketchflow_usage_output_bytes_total",
			Help: "Total output bytes across all successful renders.",
		}),
		computeTimeMSTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sketchflow_usage_compute_time_ms_total",
			Help: "Total compute time in milliseconds across successful renders.",
		}),
	}

	registry.MustRegister(
		m.rendersTotal,
		m.renderDuration,
		m.activeRenders,
		m.runnerPollsTotal,
		m.pixelsGeneratedTotal,
		m.outputBytesTotal,
		m.computeTimeMSTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
