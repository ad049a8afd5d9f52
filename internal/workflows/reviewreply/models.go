package reviewreply

import (
	"encoding/json"
	"fmt"
)

// Step names shared by the workflow definitions and the step registry.
const (
	StepGenerateResponse = "generate_response"
	StepApprovalCheck    = "approval_check"
	StepPublishResponse  = "publish_response"
)

// GenerateInput seeds a review_response workflow.
type GenerateInput struct {
	ReviewID       string                 `json:"reviewId"`
	TenantID       string                 `json:"tenantId"`
	TenantSettings map[string]interface{} `json:"tenantSettings,omitempty"`
}

func (in *GenerateInput) Validate() error {
	if in.ReviewID == "" {
		return fmt.Errorf("reviewId is required")
	}
	if in.TenantID == "" {
		return fmt.Errorf("tenantId is required")
	}
	return nil
}

// ApprovalInput is produced by the generation step (or carried by a resumed
// workflow).
type ApprovalInput struct {
	ResponseID string `json:"responseId"`
	ReviewID   string `json:"reviewId"`
	TenantID   string `json:"tenantId"`
	LocationID string `json:"locationId"`
}

func (in *ApprovalInput) Validate() error {
	if in.ResponseID == "" {
		return fmt.Errorf("responseId is required")
	}
	if in.TenantID == "" {
		return fmt.Errorf("tenantId is required")
	}
	return nil
}

// PublishInput drives the publish step, either within a review_response
// workflow or as the seed of a response_publish retry workflow.
type PublishInput struct {
	ResponseID  string `json:"responseId"`
	TenantID    string `json:"tenantId"`
	LocationID  string `json:"locationId"`
	QueueItemID string `json:"queueItemId,omitempty"`
}

func (in *PublishInput) Validate() error {
	if in.ResponseID == "" {
		return fmt.Errorf("responseId is required")
	}
	if in.TenantID == "" {
		return fmt.Errorf("tenantId is required")
	}
	return nil
}

// decodeInput maps the workflow's untyped context onto a typed input struct
// and validates it at the step boundary, so a missing field fails loudly
// instead of surfacing as a nil dereference three calls deep.
func decodeInput(input map[string]interface{}, target interface{ Validate() error }) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encode step input: %w", err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode step input: %w", err)
	}
	return target.Validate()
}
