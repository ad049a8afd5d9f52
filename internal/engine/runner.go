package engine

import (
	"context"
	stderrors "errors"
	"time"

	"reviewflow/internal/common/errors"
	"reviewflow/internal/common/logger"
	"reviewflow/internal/common/metrics"
	"reviewflow/internal/models"
)

// WorkflowStore is the persistence surface the engine needs. Implemented by
// store.WorkflowStore; faked in tests.
type WorkflowStore interface {
	Create(ctx context.Context, wf *models.Workflow) error
	Get(ctx context.Context, id string) (*models.Workflow, error)
	ListRunnable(ctx context.Context, limit int, leaseStaleBefore time.Time) ([]*models.Workflow, error)
	Claim(ctx context.Context, id, owner string, leaseStaleBefore time.Time) (bool, error)
	Release(ctx context.Context, id, owner string) error
	Initialize(ctx context.Context, id, firstStep string, totalSteps int) error
	SaveProgress(ctx context.Context, wf *models.Workflow) error
	MarkFailed(ctx context.Context, id, errorDetails string) error
	MarkWaitingApproval(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	ReapStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// FailureHandler is invoked after a workflow is marked failed, so
// publish-linked workflows can reschedule or dead-letter their queue item.
type FailureHandler interface {
	HandleWorkflowFailure(ctx context.Context, wf *models.Workflow, cause error) error
}

// StepResult reports what one Advance call did.
type StepResult struct {
	CurrentStep string                `json:"currentStep"`
	NextStep    string                `json:"nextStep,omitempty"`
	Status      models.WorkflowStatus `json:"status"`
}

// Runner executes exactly one step of one workflow and persists the
// resulting transition.
type Runner struct {
	store       WorkflowStore
	registry    *Registry
	onFailure   FailureHandler
	stepTimeout time.Duration
	log         logger.Logger
}

func NewRunner(store WorkflowStore, registry *Registry, onFailure FailureHandler, stepTimeout time.Duration, log logger.Logger) *Runner {
	if stepTimeout <= 0 {
		stepTimeout = 2 * time.Minute
	}
	return &Runner{
		store:       store,
		registry:    registry,
		onFailure:   onFailure,
		stepTimeout: stepTimeout,
		log:         log,
	}
}

// Advance runs the workflow's current step. On success the merged context,
// advanced step pointer and counters are persisted in one update. A
// policy-blocked outcome pauses the workflow instead of failing it; any
// other step error marks the workflow failed and keeps the batch moving.
func (r *Runner) Advance(ctx context.Context, wf *models.Workflow) (*StepResult, error) {
	log := r.log.WithFields(map[string]interface{}{
		"workflowId":   wf.ID,
		"tenantId":     wf.TenantID,
		"workflowType": string(wf.WorkflowType),
		"step":         wf.CurrentStep,
	})

	def, ok := r.registry.Definition(wf.WorkflowType)
	if !ok {
		err := errors.NewTerminal("UNKNOWN_WORKFLOW_TYPE",
			"no definition registered for workflow type "+string(wf.WorkflowType), nil)
		return nil, r.fail(ctx, wf, err, log)
	}

	step, idx := def.StepByName(wf.CurrentStep)
	if step == nil {
		err := errors.NewTerminal("UNKNOWN_STEP",
			"step "+wf.CurrentStep+" is not part of workflow type "+string(wf.WorkflowType), nil)
		return nil, r.fail(ctx, wf, err, log)
	}

	stepCtx, cancel := context.WithTimeout(ctx, r.stepTimeout)
	defer cancel()

	started := time.Now()
	output, err := step.Execute(stepCtx, wf.StepInput())
	metrics.StepDuration.WithLabelValues(string(wf.WorkflowType), step.Name()).
		Observe(time.Since(started).Seconds())

	if err != nil {
		if errors.KindOf(err) == errors.KindPolicyBlocked {
			if markErr := r.store.MarkWaitingApproval(ctx, wf.ID); markErr != nil {
				return nil, markErr
			}
			log.Info("workflow paused for manual approval", map[string]interface{}{
				"reason": errorDetail(err),
			})
			return &StepResult{
				CurrentStep: wf.CurrentStep,
				NextStep:    wf.CurrentStep,
				Status:      models.WorkflowStatusWaitingApproval,
			}, nil
		}
		return nil, r.fail(ctx, wf, err, log)
	}

	wf.MergeContext(output)
	wf.StepIndex = idx + 1
	wf.CompletedSteps = wf.StepIndex

	next := def.NextAfter(step.Name())
	if next == "" {
		wf.Status = models.WorkflowStatusCompleted
		wf.CurrentStep = ""
	} else {
		wf.Status = models.WorkflowStatusRunning
		wf.CurrentStep = next
	}

	if err := r.store.SaveProgress(ctx, wf); err != nil {
		return nil, err
	}

	metrics.WorkflowStepsCompleted.WithLabelValues(string(wf.WorkflowType), step.Name()).Inc()
	log.Info("step completed", map[string]interface{}{
		"nextStep": next,
		"status":   string(wf.Status),
	})

	return &StepResult{
		CurrentStep: step.Name(),
		NextStep:    next,
		Status:      wf.Status,
	}, nil
}

// fail closes the workflow and gives the failure handler a chance to update
// any linked publish queue item. The original step error is returned so the
// scheduler can count it.
func (r *Runner) fail(ctx context.Context, wf *models.Workflow, cause error, log logger.Logger) error {
	kind := errors.KindOf(cause)

	if err := r.store.MarkFailed(ctx, wf.ID, cause.Error()); err != nil {
		log.WithError(err).Error("failed to persist workflow failure", nil)
		return err
	}
	metrics.WorkflowsFailed.WithLabelValues(string(wf.WorkflowType), string(kind)).Inc()

	log.Error("workflow failed", map[string]interface{}{
		"kind":  string(kind),
		"error": cause.Error(),
	})

	if r.onFailure != nil {
		if err := r.onFailure.HandleWorkflowFailure(ctx, wf, cause); err != nil {
			log.WithError(err).Error("workflow failure handler errored", nil)
		}
	}
	return cause
}

func errorDetail(err error) string {
	var stdErr *errors.StandardError
	if stderrors.As(err, &stdErr) && stdErr.Details != "" {
		return stdErr.Details
	}
	return err.Error()
}
