package telemetry

import "time"

// Instrument names used across the bridge. Keeping them in one place keeps
// dashboards and alerts stable as the emitting packages evolve.
const (
	// MetricDispatches counts trips through the dispatch pipeline, tagged
	// with outcome and, when resolution produced one, tool.
	MetricDispatches = "toolgate.dispatches"
	// MetricExecutions counts finished handler runs by tool and outcome.
	MetricExecutions = "toolgate.executions"
	// MetricExecutionDuration records handler wall-clock time by tool.
	MetricExecutionDuration = "toolgate.execution_duration"
	// MetricConnections tracks the live duplex connection population.
	MetricConnections = "toolgate.connections"

	// SpanDispatch wraps one authorize-resolve-validate-execute pass.
	SpanDispatch = "toolgate.dispatch"
	// SpanExecute wraps a single handler run.
	SpanExecute = "toolgate.execute"
)

// RecordDispatch counts one trip through the dispatch pipeline. The tool tag
// is omitted when the call failed before resolution.
func RecordDispatch(m Metrics, outcome, tool string) {
	tags := []string{"outcome", outcome}
	if tool != "" {
		tags = append(tags, "tool", tool)
	}
	m.IncCounter(MetricDispatches, 1, tags...)
}

// RecordExecution counts a finished handler run and its duration.
func RecordExecution(m Metrics, tool, outcome string, elapsed time.Duration) {
	m.IncCounter(MetricExecutions, 1, "tool", tool, "outcome", outcome)
	m.RecordTimer(MetricExecutionDuration, elapsed, "tool", tool)
}

// RecordConnectionCount publishes the current connection registry size.
func RecordConnectionCount(m Metrics, n int) {
	m.RecordGauge(MetricConnections, float64(n))
}
