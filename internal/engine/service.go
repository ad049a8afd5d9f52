package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"reviewflow/internal/common/logger"
	"reviewflow/internal/models"
)

// Service is the external surface of the engine: workflow creation, manual
// advancement, batch processing and resuming paused workflows.
type Service struct {
	store     WorkflowStore
	registry  *Registry
	runner    *Runner
	scheduler *Scheduler
	log       logger.Logger
}

func NewService(store WorkflowStore, registry *Registry, runner *Runner, scheduler *Scheduler, log logger.Logger) *Service {
	return &Service{
		store:     store,
		registry:  registry,
		runner:    runner,
		scheduler: scheduler,
		log:       log,
	}
}

// CreateWorkflow inserts a new pending instance. The seed input is
// validated against the definition's schema before anything is persisted.
func (s *Service) CreateWorkflow(ctx context.Context, workflowType models.WorkflowType, tenantID string, input map[string]interface{}, priority int) (string, error) {
	def, ok := s.registry.Definition(workflowType)
	if !ok {
		return "", fmt.Errorf("unknown workflow type %q", workflowType)
	}
	if tenantID == "" {
		return "", fmt.Errorf("workflow requires a tenant id")
	}
	if def.ValidateInput != nil {
		if err := def.ValidateInput(input); err != nil {
			return "", fmt.Errorf("invalid input for workflow type %q: %w", workflowType, err)
		}
	}

	wf := &models.Workflow{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		WorkflowType: workflowType,
		Status:       models.WorkflowStatusPending,
		Priority:     priority,
		CurrentStep:  def.FirstStep(),
		TotalSteps:   len(def.Steps),
		InputData:    input,
	}
	if err := s.store.Create(ctx, wf); err != nil {
		return "", fmt.Errorf("create workflow: %w", err)
	}

	s.log.Info("workflow created", map[string]interface{}{
		"workflowId":   wf.ID,
		"workflowType": string(workflowType),
		"tenantId":     tenantID,
	})
	return wf.ID, nil
}

// Advance executes the current step of one workflow outside the batch loop.
// Errors if the workflow is not pending or running.
func (s *Service) Advance(ctx context.Context, workflowID string) (*StepResult, error) {
	wf, err := s.store.Get(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", workflowID, err)
	}
	if !wf.IsRunnable() {
		return nil, fmt.Errorf("workflow %s is %s, not runnable", workflowID, wf.Status)
	}

	if wf.Status == models.WorkflowStatusPending {
		def, ok := s.registry.Definition(wf.WorkflowType)
		if !ok {
			return nil, fmt.Errorf("unknown workflow type %q", wf.WorkflowType)
		}
		if err := s.store.Initialize(ctx, wf.ID, def.FirstStep(), len(def.Steps)); err != nil {
			return nil, fmt.Errorf("initialize workflow %s: %w", workflowID, err)
		}
		wf.Status = models.WorkflowStatusRunning
		wf.CurrentStep = def.FirstStep()
		wf.TotalSteps = len(def.Steps)
	}

	return s.runner.Advance(ctx, wf)
}

// ProcessPending runs one scheduler cycle over at most maxWorkflows
// instances.
func (s *Service) ProcessPending(ctx context.Context, maxWorkflows int) (CycleStats, error) {
	return s.scheduler.Cycle(ctx, maxWorkflows)
}

// Resume moves a waiting_approval workflow back to running at its paused
// step, so the next cycle re-runs the approval step, which now sees the
// recorded human decision. Step counters never regress.
func (s *Service) Resume(ctx context.Context, workflowID string) error {
	if err := s.store.Resume(ctx, workflowID); err != nil {
		return err
	}
	s.log.Info("workflow resumed", map[string]interface{}{"workflowId": workflowID})
	return nil
}
