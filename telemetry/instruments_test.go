package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type metricCall struct {
	name  string
	value float64
	tags  []string
}

// recordingMetrics captures instrument calls for assertions.
type recordingMetrics struct {
	counters []metricCall
	timers   []metricCall
	gauges   []metricCall
}

func (m *recordingMetrics) IncCounter(name string, value float64, tags ...string) {
	m.counters = append(m.counters, metricCall{name: name, value: value, tags: tags})
}

func (m *recordingMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	m.timers = append(m.timers, metricCall{name: name, value: duration.Seconds(), tags: tags})
}

func (m *recordingMetrics) RecordGauge(name string, value float64, tags ...string) {
	m.gauges = append(m.gauges, metricCall{name: name, value: value, tags: tags})
}

func TestRecordDispatch(t *testing.T) {
	t.Parallel()

	var m recordingMetrics
	RecordDispatch(&m, "complete", "get_widget")
	RecordDispatch(&m, "auth_error", "")

	require.Len(t, m.counters, 2)
	assert.Equal(t, MetricDispatches, m.counters[0].name)
	assert.Equal(t, []string{"outcome", "complete", "tool", "get_widget"}, m.counters[0].tags)

	// No tool tag when the call failed before resolution.
	assert.Equal(t, []string{"outcome", "auth_error"}, m.counters[1].tags)
}

func TestRecordExecution(t *testing.T) {
	t.Parallel()

	var m recordingMetrics
	RecordExecution(&m, "get_widget", "error", 250*time.Millisecond)

	require.Len(t, m.counters, 1)
	assert.Equal(t, MetricExecutions, m.counters[0].name)
	assert.Equal(t, []string{"tool", "get_widget", "outcome", "error"}, m.counters[0].tags)

	require.Len(t, m.timers, 1)
	assert.Equal(t, MetricExecutionDuration, m.timers[0].name)
	assert.InDelta(t, 0.25, m.timers[0].value, 1e-9)
	assert.Equal(t, []string{"tool", "get_widget"}, m.timers[0].tags)
}

func TestRecordConnectionCount(t *testing.T) {
	t.Parallel()

	var m recordingMetrics
	RecordConnectionCount(&m, 7)

	require.Len(t, m.gauges, 1)
	assert.Equal(t, MetricConnections, m.gauges[0].name)
	assert.Equal(t, 7.0, m.gauges[0].value)
}
