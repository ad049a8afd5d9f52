package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkflowStepsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_steps_completed_total",
			Help: "Total number of workflow steps completed",
		},
		[]string{"workflow_type", "step"},
	)

	WorkflowsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflows_failed_total",
			Help: "Total number of workflows marked failed",
		},
		[]string{"workflow_type", "error_kind"},
	)

	WorkflowsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workflows_reaped_total",
			Help: "Total number of stale running workflows force-failed by the reaper",
		},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "workflow_step_duration_seconds",
			Help: "Duration of step execution in seconds",
		},
		[]string{"workflow_type", "step"},
	)

	SchedulerCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "scheduler_cycle_duration_seconds",
			Help: "Duration of one scheduler cycle in seconds",
		},
	)

	PublishAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publish_attempts_total",
			Help: "Total number of publish attempts by outcome",
		},
		[]string{"outcome"},
	)

	CredentialRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_refreshes_total",
			Help: "Total number of credential refresh attempts by outcome",
		},
		[]string{"provider", "outcome"},
	)
)
