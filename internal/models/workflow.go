package models

import (
	"time"
)

// WorkflowStatus tracks the lifecycle of one workflow instance. Transitions
// are one-way: pending -> running -> {completed, failed}, with
// waiting_approval as an explicit pause out of running when a response
// needs a human decision; resuming returns to running at the paused step.
type WorkflowStatus string

const (
	WorkflowStatusPending         WorkflowStatus = "pending"
	WorkflowStatusRunning         WorkflowStatus = "running"
	WorkflowStatusWaitingApproval WorkflowStatus = "waiting_approval"
	WorkflowStatusCompleted       WorkflowStatus = "completed"
	WorkflowStatusFailed          WorkflowStatus = "failed"
)

// WorkflowType names a registered ordered step list.
type WorkflowType string

const (
	WorkflowTypeReviewResponse  WorkflowType = "review_response"
	WorkflowTypeResponsePublish WorkflowType = "response_publish"
)

// Workflow is one persisted instance of a multi-step process. All cross-step
// state travels through ContextData; rows are never deleted, only closed.
type Workflow struct {
	ID             string                 `json:"id"`
	TenantID       string                 `json:"tenantId"`
	WorkflowType   WorkflowType           `json:"workflowType"`
	Status         WorkflowStatus         `json:"status"`
	Priority       int                    `json:"priority"`
	CurrentStep    string                 `json:"currentStep"`
	StepIndex      int                    `json:"stepIndex"`
	TotalSteps     int                    `json:"totalSteps"`
	CompletedSteps int                    `json:"completedSteps"`
	ContextData    map[string]interface{} `json:"contextData"`
	InputData      map[string]interface{} `json:"inputData"`
	ErrorDetails   string                 `json:"errorDetails,omitempty"`
	ClaimedBy      string                 `json:"claimedBy,omitempty"`
	ClaimedAt      *time.Time             `json:"claimedAt,omitempty"`
	StartedAt      *time.Time             `json:"startedAt,omitempty"`
	FinishedAt     *time.Time             `json:"finishedAt,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

// StepInput is the map handed to the current step: the accumulated context
// if any step has run, otherwise the seed input.
func (w *Workflow) StepInput() map[string]interface{} {
	if len(w.ContextData) > 0 {
		return w.ContextData
	}
	return w.InputData
}

// MergeContext folds a step's partial output into the accumulated context.
// Later keys win; keys are never removed.
func (w *Workflow) MergeContext(partial map[string]interface{}) {
	if w.ContextData == nil {
		w.ContextData = map[string]interface{}{}
	}
	for k, v := range partial {
		w.ContextData[k] = v
	}
}

// IsRunnable reports whether the scheduler may select this workflow.
func (w *Workflow) IsRunnable() bool {
	return w.Status == WorkflowStatusPending || w.Status == WorkflowStatusRunning
}
