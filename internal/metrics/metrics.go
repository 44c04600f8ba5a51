package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session registry metrics
	SessionsRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_sessions_registered_total",
			Help: "Total number of sessions registered",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_sessions_active",
			Help: "Number of sessions currently tracked",
		},
	)

	SessionsCleaned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_sessions_cleaned_total",
			Help: "Total number of stale sessions removed",
		},
	)

	// Hierarchy metrics
	HierarchyNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_hierarchy_nodes",
			Help: "Number of agent nodes in the hierarchy registry",
		},
	)

	HierarchyRegistrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_hierarchy_registrations_total",
			Help: "Hierarchy registrations by outcome",
		},
		[]string{"outcome"},
	)

	// State machine metrics
	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_state_transitions_total",
			Help: "Agent state transitions by target state",
		},
		[]string{"to_state"},
	)

	StateTransitionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_state_transitions_rejected_total",
			Help: "Rejected state transitions by reason",
		},
		[]string{"reason"},
	)

	// Delegation metrics
	DelegationDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_delegation_decisions_total",
			Help: "Delegation decisions by outcome",
		},
		[]string{"outcome"},
	)

	DelegationPatterns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_delegation_patterns_total",
			Help: "Suggested delegation patterns",
		},
		[]string{"pattern"},
	)

	// Task manager metrics
	TasksCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_tasks_created_total",
			Help: "Total number of tasks created",
		},
	)

	TaskHierarchyRepairs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_task_hierarchy_repairs_total",
			Help: "Task hierarchy repairs by issue type",
		},
		[]string{"issue"},
	)

	// Coordination DB metrics
	ConflictsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_conflicts_recorded_total",
			Help: "Conflicts recorded by type",
		},
		[]string{"type"},
	)

	ConflictsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_conflicts_resolved_total",
			Help: "Conflicts resolved by resolution",
		},
		[]string{"resolution"},
	)

	FileLocksAcquired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_file_locks_total",
			Help: "File lock acquisition attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Rate-limit tracker metrics
	RateLimitChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_rate_limit_checks_total",
			Help: "Rate-limit checks by resulting level",
		},
		[]string{"level"},
	)

	RateLimitPersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_rate_limit_persist_failures_total",
			Help: "Rate-limit snapshot persistence failures (tracking continues in memory)",
		},
	)

	// Hook metrics persistence
	HookMetricsPersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_hook_metrics_persist_failures_total",
			Help: "Hook-metrics persistence failures",
		},
	)

	// Context retrieval metrics
	RetrievalCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_retrieval_cache_hits_total",
			Help: "Context retrieval cache hits",
		},
	)

	RetrievalCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_retrieval_cache_misses_total",
			Help: "Context retrieval cache misses",
		},
	)

	RetrievalTruncations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_retrieval_truncations_total",
			Help: "Orchestration records truncated or skipped for budget",
		},
	)

	RetrievalDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coordinator_retrieval_duration_ms",
			Help:    "Context retrieval duration in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		},
	)

	VectorStoreFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_vector_store_fallbacks_total",
			Help: "Vector store errors absorbed as empty results",
		},
	)

	// Policy gate metrics
	PolicyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_policy_decisions_total",
			Help: "Delegation policy decisions by outcome",
		},
		[]string{"outcome"},
	)
)
