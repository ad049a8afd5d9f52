// Package reviewreply implements the review_response and response_publish
// workflow types: draft a reply with the generation service, gate it
// through the approval policy, and publish it to the review platform.
package reviewreply

import (
	"context"

	"reviewflow/internal/approval"
	"reviewflow/internal/common/audit"
	"reviewflow/internal/common/config"
	"reviewflow/internal/common/logger"
	"reviewflow/internal/common/retry"
	"reviewflow/internal/engine"
	"reviewflow/internal/genai"
	"reviewflow/internal/models"
	"reviewflow/internal/platform"
)

type reviewStore interface {
	Get(ctx context.Context, id string) (*models.Review, error)
	MarkResponded(ctx context.Context, id string) error
}

type responseStore interface {
	Create(ctx context.Context, r *models.GeneratedResponse) error
	Get(ctx context.Context, id string) (*models.GeneratedResponse, error)
	GetByReviewID(ctx context.Context, reviewID string) (*models.GeneratedResponse, error)
	MarkApproved(ctx context.Context, id string, approvedBy *string) error
	MarkPublished(ctx context.Context, id string) error
}

type policyStore interface {
	GetForLocation(ctx context.Context, tenantID, locationID string) (*models.ApprovalPolicy, error)
}

type generator interface {
	Generate(ctx context.Context, req *genai.GenerationRequest) (*genai.GenerationResult, error)
}

type publisher interface {
	Publish(ctx context.Context, tenantID string, req *platform.PublishRequest) (*platform.PublishResult, error)
}

type credentialChecker interface {
	IsValid(ctx context.Context, tenantID, provider string) (bool, error)
}

type queueTracker interface {
	Ensure(ctx context.Context, response *models.GeneratedResponse, locationID string) (*models.PublishQueueItem, error)
	HandleSuccess(ctx context.Context, item *models.PublishQueueItem) error
}

type rateLimiter interface {
	Allow(ctx context.Context, tenantID string, hourlyLimit, dailyLimit int) error
	RecordPublish(ctx context.Context, tenantID string) error
}

// Deps bundles the collaborators the three steps share.
type Deps struct {
	Reviews     reviewStore
	Responses   responseStore
	Policies    policyStore
	Generator   generator
	Publisher   publisher
	Credentials credentialChecker
	Queue       queueTracker
	RateLimiter rateLimiter
	Approval    *approval.Engine
	Retry       *retry.Executor
	Audit       audit.Sink
	Publish     config.PublishConfig
	// Provider names the external platform credential the publish step
	// requires, e.g. "google".
	Provider string
	Log      logger.Logger
}

// Steps returns every step implementation keyed by name, for assembly into
// workflow definitions.
func Steps(deps Deps) map[string]engine.Step {
	if deps.Audit == nil {
		deps.Audit = audit.NoopSink{}
	}
	return map[string]engine.Step{
		StepGenerateResponse: &GenerateStep{deps: deps},
		StepApprovalCheck:    &ApprovalStep{deps: deps},
		StepPublishResponse:  &PublishStep{deps: deps},
	}
}

// Definitions builds the two workflow types from the shared steps.
func Definitions(deps Deps) []*engine.Definition {
	steps := Steps(deps)
	return []*engine.Definition{
		{
			Type: models.WorkflowTypeReviewResponse,
			Steps: []engine.Step{
				steps[StepGenerateResponse],
				steps[StepApprovalCheck],
				steps[StepPublishResponse],
			},
			ValidateInput: func(input map[string]interface{}) error {
				var in GenerateInput
				return decodeInput(input, &in)
			},
		},
		{
			Type: models.WorkflowTypeResponsePublish,
			Steps: []engine.Step{
				steps[StepPublishResponse],
			},
			ValidateInput: func(input map[string]interface{}) error {
				var in PublishInput
				return decodeInput(input, &in)
			},
		},
	}
}
