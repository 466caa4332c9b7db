package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Deliberation metrics
	DeliberationsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "consilium_deliberations_started_total",
			Help: "Total number of deliberations started",
		},
	)

	DeliberationsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consilium_deliberations_completed_total",
			Help: "Total number of deliberations completed",
		},
		[]string{"status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "consilium_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)

	// Agent metrics
	AgentOpinions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consilium_agent_opinions_total",
			Help: "Total number of agent opinions gathered",
		},
		[]string{"role", "outcome"},
	)

	// LLM metrics
	LLMCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consilium_llm_calls_total",
			Help: "Total number of text-generation calls by result",
		},
		[]string{"model", "result"},
	)

	LLMTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "consilium_llm_tokens_used",
			Help:    "Tokens used per text-generation call",
			Buckets: []float64{100, 500, 1000, 2000, 4000, 8000, 16000},
		},
	)

	// Verification metrics
	CitationsVerified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consilium_citations_verified_total",
			Help: "Citation verification outcomes",
		},
		[]string{"status", "source"},
	)

	VerificationSourceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consilium_verification_source_errors_total",
			Help: "Verification source failures by source name",
		},
		[]string{"source"},
	)

	// Streaming metrics
	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "consilium_streams_active",
			Help: "Number of active progress streams",
		},
	)

	HeartbeatsEmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "consilium_heartbeats_emitted_total",
			Help: "Synthetic heartbeat events emitted to keep streams alive",
		},
	)

	EventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "consilium_stage_events_published_total",
			Help: "Stage events published to the progress hub",
		},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "consilium_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)
