package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Active WebSocket connections and their lifecycle
//   - Agent turn/round counts and completion outcomes
//   - LLM provider request latency, retries, and failovers
//   - Tool invocation counts and latencies
//   - Pro credit ledger usage
type Metrics struct {
	// ActiveConnections is a gauge tracking current open WebSocket connections.
	ActiveConnections prometheus.Gauge

	// ConnectionsTotal counts accepted connections.
	ConnectionsTotal prometheus.Counter

	// ConnectionsRejected counts connections rejected for being over capacity.
	ConnectionsRejected prometheus.Counter

	// AgentRunsTotal counts agent runs by outcome (done|budget_exceeded|error|canceled).
	AgentRunsTotal *prometheus.CounterVec

	// AgentTurns measures turns executed per run.
	AgentTurns prometheus.Histogram

	// AgentRounds measures LLM rounds executed per run.
	AgentRounds prometheus.Histogram

	// LLMRequestDuration measures LLM provider call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestsTotal counts LLM requests by provider, model, and outcome.
	LLMRequestsTotal *prometheus.CounterVec

	// LLMRetriesTotal counts retry attempts by provider and error kind.
	LLMRetriesTotal *prometheus.CounterVec

	// LLMFailoversTotal counts model-to-model failovers by provider.
	LLMFailoversTotal *prometheus.CounterVec

	// ToolInvocationsTotal counts tool invocations by tool name and outcome.
	ToolInvocationsTotal *prometheus.CounterVec

	// ToolInvocationDuration measures tool invocation latency in seconds.
	ToolInvocationDuration *prometheus.HistogramVec

	// ProCreditsUsed is a gauge of credits used per (pro_key, month).
	// Labels: pro_key (hashed), month
	ProCreditsUsed *prometheus.GaugeVec

	// ProFallbacksTotal counts times a run fell back to the free model.
	ProFallbacksTotal prometheus.Counter

	// EventsPersistedTotal counts events persisted to the event store.
	EventsPersistedTotal *prometheus.CounterVec

	// EventsPersistFailedTotal counts failed event store writes.
	EventsPersistFailedTotal prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics against the given
// registerer. Passing prometheus.DefaultRegisterer matches the process-wide
// /metrics endpoint; a fresh prometheus.NewRegistry() is preferable in tests
// that construct more than one Metrics instance.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentcore_active_connections",
			Help: "Current number of open WebSocket connections.",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentcore_connections_total",
			Help: "Total number of accepted WebSocket connections.",
		}),
		ConnectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentcore_connections_rejected_total",
			Help: "Total number of connections rejected for exceeding the concurrency cap.",
		}),
		AgentRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_agent_runs_total",
			Help: "Total number of agent runs by outcome.",
		}, []string{"outcome"}),
		AgentTurns: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentcore_agent_turns",
			Help:    "Number of assistant turns executed per agent run.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 150, 200},
		}),
		AgentRounds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentcore_agent_rounds",
			Help:    "Number of LLM rounds executed per agent run.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 150},
		}),
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentcore_llm_request_duration_seconds",
			Help:    "Duration of LLM provider requests in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "model"}),
		LLMRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_llm_requests_total",
			Help: "Total number of LLM provider requests by provider, model, and outcome.",
		}, []string{"provider", "model", "outcome"}),
		LLMRetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_llm_retries_total",
			Help: "Total number of LLM request retries by provider and error kind.",
		}, []string{"provider", "kind"}),
		LLMFailoversTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_llm_failovers_total",
			Help: "Total number of model-to-model failovers by provider.",
		}, []string{"provider"}),
		ToolInvocationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_tool_invocations_total",
			Help: "Total number of tool invocations by tool name and outcome.",
		}, []string{"tool_name", "outcome"}),
		ToolInvocationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentcore_tool_invocation_duration_seconds",
			Help:    "Duration of tool invocations in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),
		ProCreditsUsed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentcore_pro_credits_used",
			Help: "Credits used for the current month by Pro key.",
		}, []string{"pro_key", "month"}),
		ProFallbacksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentcore_pro_fallbacks_total",
			Help: "Total number of runs that fell back to a free model after exhausting Pro credits.",
		}),
		EventsPersistedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_events_persisted_total",
			Help: "Total number of events persisted to the event store by type.",
		}, []string{"event_type"}),
		EventsPersistFailedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentcore_events_persist_failed_total",
			Help: "Total number of event store write failures.",
		}),
	}
}
