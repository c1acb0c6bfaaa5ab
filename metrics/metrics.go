// ABOUTME: Prometheus instruments for pipeline runs, step attempts, and step latency.
// ABOUTME: Owns a private registry and implements the executor's Recorder hooks.
package metrics

import (
	"net/http"
	"time"

	"github.com/2389-research/stepwise/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stepwise"

// Metrics holds every collector the service exports.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal     *prometheus.CounterVec
	ActiveRuns    prometheus.Gauge
	AttemptsTotal *prometheus.CounterVec
	StepsTotal    *prometheus.CounterVec
	StepDuration  *prometheus.HistogramVec
	EventsTotal   *prometheus.CounterVec
}

// New registers all collectors on a fresh registry, along with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Pipeline runs finished, by final status.",
			},
			[]string{"status"},
		),
		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Pipeline runs currently in flight.",
			},
		),
		AttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_attempts_total",
				Help:      "Model call attempts, by model and result (success, transport, criteria).",
			},
			[]string{"model", "result"},
		),
		StepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Steps that reached a terminal status.",
			},
			[]string{"status"},
		),
		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Wall time from a step starting to its terminal status, retries included.",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
			},
			[]string{"status"},
		),
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Progress events published, by topic.",
			},
			[]string{"topic"},
		),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RunStarted() {
	m.ActiveRuns.Inc()
}

func (m *Metrics) RunFinished(status pipeline.Status) {
	m.ActiveRuns.Dec()
	m.RunsTotal.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) AttemptFinished(model, result string) {
	m.AttemptsTotal.WithLabelValues(model, result).Inc()
}

func (m *Metrics) StepFinished(status pipeline.Status, elapsed time.Duration) {
	m.StepsTotal.WithLabelValues(string(status)).Inc()
	m.StepDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}

// EventPublished counts one published event by topic.
func (m *Metrics) EventPublished(topic string) {
	m.EventsTotal.WithLabelValues(topic).Inc()
}
