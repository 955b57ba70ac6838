package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusObserver turns intake events into Prometheus series.
type PrometheusObserver struct {
	events     *prometheus.CounterVec
	llmLatency *prometheus.HistogramVec
	gatherer   prometheus.Gatherer
}

// NewPrometheusObserver registers the intake collectors on a private registry.
func NewPrometheusObserver() *PrometheusObserver {
	reg := prometheus.NewRegistry()
	o := &PrometheusObserver{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "intake",
				Name:      "events_total",
				Help:      "Pipeline events by name and component",
			},
			[]string{"name", "component"},
		),
		llmLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "intake",
				Subsystem: "llm",
				Name:      "latency_seconds",
				Help:      "Latency of text-generation calls",
				Buckets:   []float64{0.25, 0.5, 1, 2, 3, 5, 8, 10, 15, 20, 30},
			},
			[]string{"provider", "purpose"},
		),
		gatherer: reg,
	}
	reg.MustRegister(o.events, o.llmLatency)
	return o
}

func (o *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	if ev.Name == EventLLMLatency {
		o.llmLatency.WithLabelValues(ev.Tags["provider"], ev.Tags["purpose"]).Observe(ev.Value / 1000)
		return
	}
	o.events.WithLabelValues(ev.Name, ev.Tags["component"]).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (o *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(o.gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the private registry, mostly for tests.
func (o *PrometheusObserver) Gatherer() prometheus.Gatherer {
	return o.gatherer
}
