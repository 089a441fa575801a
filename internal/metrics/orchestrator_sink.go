package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OrchestratorSink adapts the Execution Orchestrator's generic
// IncCounter/ObserveDuration/SetGauge calls onto three catch-all
// Prometheus vectors, labeled by the metric name plus the "provider" and
// "outcome" tags the orchestrator passes. This avoids registering a new
// vector per metric name while keeping provider/outcome queryable.
type OrchestratorSink struct {
	counters  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	gauges    *prometheus.GaugeVec
}

// NewOrchestratorSink creates a sink registered under namespace.
func NewOrchestratorSink(namespace string) *OrchestratorSink {
	labels := []string{"name", "provider", "outcome"}
	return &OrchestratorSink{
		counters: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestrator_events_total",
			Help:      "Orchestrator counter events, labeled by metric name.",
		}, labels),
		durations: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "orchestrator_duration_seconds",
			Help:      "Orchestrator duration observations, labeled by metric name.",
			Buckets:   prometheus.DefBuckets,
		}, labels),
		gauges: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orchestrator_gauges",
			Help:      "Orchestrator gauge values, labeled by metric name.",
		}, labels),
	}
}

func (s *OrchestratorSink) IncCounter(name string, tags map[string]string) {
	s.counters.WithLabelValues(name, tags["provider"], tags["outcome"]).Inc()
}

func (s *OrchestratorSink) ObserveDuration(name string, d time.Duration, tags map[string]string) {
	s.durations.WithLabelValues(name, tags["provider"], tags["outcome"]).Observe(d.Seconds())
}

func (s *OrchestratorSink) SetGauge(name string, value float64, tags map[string]string) {
	s.gauges.WithLabelValues(name, tags["provider"], tags["outcome"]).Set(value)
}
