package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOrchestratorSink(t *testing.T) {
	sink := NewOrchestratorSink(nextTestNamespace())
	require.NotNil(t, sink)
	assert.NotNil(t, sink.counters)
	assert.NotNil(t, sink.durations)
	assert.NotNil(t, sink.gauges)
}

func TestOrchestratorSink_IncCounter(t *testing.T) {
	sink := NewOrchestratorSink(nextTestNamespace())
	sink.IncCounter("attempts_total", map[string]string{"provider": "openai", "outcome": "success"})
	sink.IncCounter("attempts_total", map[string]string{"provider": "openai", "outcome": "success"})

	count := testutil.ToFloat64(sink.counters.WithLabelValues("attempts_total", "openai", "success"))
	assert.Equal(t, 2.0, count)
}

func TestOrchestratorSink_ObserveDuration(t *testing.T) {
	sink := NewOrchestratorSink(nextTestNamespace())
	sink.ObserveDuration("request_duration", 250*time.Millisecond, map[string]string{"provider": "anthropic", "outcome": "success"})

	count := testutil.CollectAndCount(sink.durations)
	assert.Greater(t, count, 0)
}

func TestOrchestratorSink_SetGauge(t *testing.T) {
	sink := NewOrchestratorSink(nextTestNamespace())
	sink.SetGauge("queue_depth", 7, map[string]string{"provider": "", "outcome": ""})

	value := testutil.ToFloat64(sink.gauges.WithLabelValues("queue_depth", "", ""))
	assert.Equal(t, 7.0, value)
}

func TestOrchestratorSink_MissingTagsDefaultToEmpty(t *testing.T) {
	sink := NewOrchestratorSink(nextTestNamespace())
	sink.IncCounter("no_tags", nil)

	count := testutil.ToFloat64(sink.counters.WithLabelValues("no_tags", "", ""))
	assert.Equal(t, 1.0, count)
}
