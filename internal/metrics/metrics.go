// Package metrics exposes prometheus collectors for the runtime's lifecycle
// edges: request transitions, tool executions, fan-out children, budget
// denials, and reaper sweeps.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all prometheus collectors for the runtime
type Metrics struct {
	registry *prometheus.Registry

	// Request metrics
	RequestsTotal         *prometheus.CounterVec
	RequestDuration       *prometheus.HistogramVec
	RequestsRejectedTotal prometheus.Counter
	RequestIterations     prometheus.Histogram
	RequestsActive        prometheus.Gauge

	// Tool metrics
	ToolExecutionsTotal *prometheus.CounterVec
	ToolDuration        *prometheus.HistogramVec
	ToolRetriesTotal    *prometheus.CounterVec

	// Fan-out metrics
	ChildrenSpawnedTotal prometheus.Counter
	ChildrenSkippedTotal prometheus.Counter
	ChildOutcomesTotal   *prometheus.CounterVec

	// Budget metrics
	BudgetDenialsTotal *prometheus.CounterVec
	TokensChargedTotal prometheus.Counter

	// Reaper metrics
	ResourcesTracked  prometheus.Gauge
	ResourcesReaped   prometheus.Counter
	ReaperSweepsTotal prometheus.Counter

	// Worker and trace metrics
	WorkerExitsTotal  prometheus.Counter
	WorkerSpawnsTotal prometheus.Counter
	TraceTruncations  prometheus.Counter
}

// New creates and registers all collectors on a fresh registry
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requests_total",
				Help: "Requests by terminal status and termination reason",
			},
			[]string{"status", "reason"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "request_duration_seconds",
				Help:    "Request wall time from admission to terminal status",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		RequestsRejectedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "requests_rejected_total",
				Help: "Requests rejected by busy admission control",
			},
		),
		RequestIterations: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "request_iterations",
				Help:    "Reasoning iterations per completed request",
				Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20},
			},
		),
		RequestsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "requests_active",
				Help: "Requests currently in reasoning or acting",
			},
		),

		ToolExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_executions_total",
				Help: "Tool executions by tool name and outcome",
			},
			[]string{"tool_name", "status"},
		),
		ToolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tool_execution_duration_seconds",
				Help:    "Tool execution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool_name"},
		),
		ToolRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_retries_total",
				Help: "Tool execution retry attempts by tool name",
			},
			[]string{"tool_name"},
		),

		ChildrenSpawnedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_children_spawned_total",
				Help: "Child sub-requests launched by fan-out",
			},
		),
		ChildrenSkippedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_children_skipped_total",
				Help: "Child sub-requests skipped before launch",
			},
		),
		ChildOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_child_outcomes_total",
				Help: "Child sub-request outcomes by result",
			},
			[]string{"outcome"},
		),

		BudgetDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "budget_denials_total",
				Help: "Budget check-and-increment rejections by limit kind",
			},
			[]string{"limit"},
		),
		TokensChargedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "budget_tokens_charged_total",
				Help: "Tokens successfully charged against budgets",
			},
		),

		ResourcesTracked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "reaper_resources_tracked",
				Help: "Resources currently tracked for TTL expiry",
			},
		),
		ResourcesReaped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reaper_resources_reaped_total",
				Help: "Resources force-deleted after TTL expiry",
			},
		),
		ReaperSweepsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reaper_sweeps_total",
				Help: "Reaper sweep passes executed",
			},
		),
		WorkerExitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "worker_exits_total",
				Help: "Worker exits observed by the delegation layer",
			},
		),
		WorkerSpawnsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "worker_spawns_total",
				Help: "Workers spawned by the delegation layer",
			},
		),
		TraceTruncations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trace_truncations_total",
				Help: "Request traces that hit the event cap",
			},
		),
	}

	m.register()
	return m
}

func (m *Metrics) register() {
	m.registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsRejectedTotal,
		m.RequestIterations,
		m.RequestsActive,
		m.ToolExecutionsTotal,
		m.ToolDuration,
		m.ToolRetriesTotal,
		m.ChildrenSpawnedTotal,
		m.ChildrenSkippedTotal,
		m.ChildOutcomesTotal,
		m.BudgetDenialsTotal,
		m.TokensChargedTotal,
		m.ResourcesTracked,
		m.ResourcesReaped,
		m.ReaperSweepsTotal,
		m.WorkerExitsTotal,
		m.WorkerSpawnsTotal,
		m.TraceTruncations,
	)
}

// Handler returns the HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
