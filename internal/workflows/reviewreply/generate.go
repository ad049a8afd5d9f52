package reviewreply

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"

	"reviewflow/internal/common/errors"
	"reviewflow/internal/genai"
	"reviewflow/internal/models"
)

// GenerateStep drafts a reply for the review. It is self-checking: if a
// response already exists for the review the step passes it through without
// calling the generation service again.
type GenerateStep struct {
	deps Deps
}

func (s *GenerateStep) Name() string { return StepGenerateResponse }

func (s *GenerateStep) Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	var in GenerateInput
	if err := decodeInput(input, &in); err != nil {
		return nil, errors.NewTerminal("INVALID_STEP_INPUT", err.Error(), err)
	}

	review, err := s.deps.Reviews.Get(ctx, in.ReviewID)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewTerminal("REVIEW_NOT_FOUND",
				fmt.Sprintf("review %s does not exist", in.ReviewID), nil)
		}
		return nil, fmt.Errorf("load review %s: %w", in.ReviewID, err)
	}
	if review.Status == models.ReviewStatusArchived {
		return nil, errors.NewTerminal("REVIEW_ARCHIVED",
			fmt.Sprintf("review %s is archived: %s", review.ID, review.ArchiveReason), nil)
	}

	// Existence check first: a re-run after a persistence failure or a
	// lease re-claim must not create a duplicate response.
	if existing, err := s.deps.Responses.GetByReviewID(ctx, in.ReviewID); err == nil {
		s.deps.Log.Info("response already exists for review, skipping generation", map[string]interface{}{
			"reviewId":   in.ReviewID,
			"responseId": existing.ID,
		})
		return s.output(existing, review), nil
	} else if !stderrors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check existing response for review %s: %w", in.ReviewID, err)
	}

	var result *genai.GenerationResult
	err = s.deps.Retry.Do(ctx, "generate_response", func(ctx context.Context) error {
		var genErr error
		result, genErr = s.deps.Generator.Generate(ctx, &genai.GenerationRequest{
			ReviewText:     review.Text,
			Rating:         review.Rating,
			ReviewerName:   review.Author,
			TenantSettings: in.TenantSettings,
		})
		return genErr
	})
	if err != nil {
		return nil, err
	}

	response := &models.GeneratedResponse{
		ID:         uuid.NewString(),
		ReviewID:   review.ID,
		TenantID:   review.TenantID,
		Text:       result.Text,
		Model:      result.Model,
		Status:     models.ResponseStatusDraft,
		Confidence: result.Confidence,
		Quality:    result.Quality,
	}
	if err := s.deps.Responses.Create(ctx, response); err != nil {
		return nil, fmt.Errorf("persist generated response: %w", err)
	}

	s.deps.Log.Info("response drafted", map[string]interface{}{
		"reviewId":   review.ID,
		"responseId": response.ID,
		"model":      response.Model,
		"confidence": response.Confidence,
	})
	return s.output(response, review), nil
}

func (s *GenerateStep) output(response *models.GeneratedResponse, review *models.Review) map[string]interface{} {
	return map[string]interface{}{
		"responseId": response.ID,
		"reviewId":   review.ID,
		"tenantId":   review.TenantID,
		"locationId": review.LocationID,
	}
}
