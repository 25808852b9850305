// Package observability bundles metrics, tracing, and logger setup.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the agent runtime.
type Metrics struct {
	// RunsStarted counts runs accepted by the loop.
	RunsStarted prometheus.Counter

	// RunsCompleted counts finished runs. Labels: status (ok|error).
	RunsCompleted *prometheus.CounterVec

	// Turns counts provider generations.
	Turns prometheus.Counter

	// Tokens counts token usage. Labels: type (prompt|completion).
	Tokens *prometheus.CounterVec

	// ToolExecutions counts tool handler runs. Labels: tool_name,
	// status (success|error).
	ToolExecutions *prometheus.CounterVec

	// SubscriberDrops counts messages dropped for slow subscribers.
	SubscriberDrops prometheus.Counter

	// ActiveSessions gauges live transport sessions. Labels: transport
	// (sse|websocket).
	ActiveSessions *prometheus.GaugeVec

	// StreamDuration measures end-to-end run stream time in seconds.
	StreamDuration prometheus.Histogram
}

// NewMetrics creates and registers the collectors. reg may be nil to use
// the default registry. Call once per registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "conductor_runs_started_total",
			Help: "Total number of runs started",
		}),
		RunsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_runs_completed_total",
			Help: "Total number of runs completed by status",
		}, []string{"status"}),
		Turns: factory.NewCounter(prometheus.CounterOpts{
			Name: "conductor_turns_total",
			Help: "Total number of provider generations executed",
		}),
		Tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_tokens_total",
			Help: "Total number of tokens consumed by type",
		}, []string{"type"}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_tool_executions_total",
			Help: "Total number of tool executions by tool and status",
		}, []string{"tool_name", "status"}),
		SubscriberDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "conductor_subscriber_drops_total",
			Help: "Total messages dropped due to slow subscribers",
		}),
		ActiveSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conductor_active_sessions",
			Help: "Currently connected transport sessions",
		}, []string{"transport"}),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "conductor_run_stream_duration_seconds",
			Help:    "Duration of run streams in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
	}
}

// RunStarted implements the loop's stats hook.
func (m *Metrics) RunStarted() { m.RunsStarted.Inc() }

// RunFinished implements the loop's stats hook.
func (m *Metrics) RunFinished(isError bool) {
	status := "ok"
	if isError {
		status = "error"
	}
	m.RunsCompleted.WithLabelValues(status).Inc()
}

// TurnExecuted implements the loop's stats hook.
func (m *Metrics) TurnExecuted() { m.Turns.Inc() }

// ToolExecuted implements the executor's stats hook.
func (m *Metrics) ToolExecuted(tool string, isError bool) {
	status := "success"
	if isError {
		status = "error"
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
}

// TokensUsed implements the loop's stats hook.
func (m *Metrics) TokensUsed(prompt, completion int) {
	m.Tokens.WithLabelValues("prompt").Add(float64(prompt))
	m.Tokens.WithLabelValues("completion").Add(float64(completion))
}
