package reviewreply

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"reviewflow/internal/common/errors"
	"reviewflow/internal/common/metrics"
	"reviewflow/internal/models"
	"reviewflow/internal/platform"
)

// PublishStep posts the approved reply to the review platform. Rate limits
// and working hours are re-checked here because time passes between the
// approval decision and the publish attempt, especially for queued retries.
type PublishStep struct {
	deps Deps
}

func (s *PublishStep) Name() string { return StepPublishResponse }

func (s *PublishStep) Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	var in PublishInput
	if err := decodeInput(input, &in); err != nil {
		return nil, errors.NewTerminal("INVALID_STEP_INPUT", err.Error(), err)
	}

	response, err := s.deps.Responses.Get(ctx, in.ResponseID)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewTerminal("RESPONSE_NOT_FOUND",
				fmt.Sprintf("response %s does not exist", in.ResponseID), nil)
		}
		return nil, fmt.Errorf("load response %s: %w", in.ResponseID, err)
	}

	// Already published: a re-run after a persistence failure must not
	// post the reply twice.
	if response.Status == models.ResponseStatusPublished {
		s.deps.Log.Info("response already published, skipping", map[string]interface{}{
			"responseId": response.ID,
		})
		return s.output(in, true), nil
	}
	if !response.IsApproved() {
		return nil, errors.NewTerminal("RESPONSE_NOT_APPROVED",
			fmt.Sprintf("response %s is %s; publishing requires approved", response.ID, response.Status), nil)
	}

	review, err := s.deps.Reviews.Get(ctx, response.ReviewID)
	if err != nil {
		return nil, fmt.Errorf("load review %s: %w", response.ReviewID, err)
	}
	locationID := in.LocationID
	if locationID == "" {
		locationID = review.LocationID
	}

	item, err := s.deps.Queue.Ensure(ctx, response, locationID)
	if err != nil {
		return nil, err
	}
	in.QueueItemID = item.ID

	if err := s.preflight(ctx, in, review); err != nil {
		metrics.PublishAttempts.WithLabelValues("refused").Inc()
		return nil, err
	}

	var result *platform.PublishResult
	err = s.deps.Retry.Do(ctx, "publish_response", func(ctx context.Context) error {
		var pubErr error
		result, pubErr = s.deps.Publisher.Publish(ctx, in.TenantID, &platform.PublishRequest{
			ExternalReviewID: review.ExternalReviewID,
			Text:             response.Text,
		})
		return pubErr
	})
	if err != nil {
		metrics.PublishAttempts.WithLabelValues("failure").Inc()
		// The queue item reference travels with the error via the step
		// input; the runner's failure hook reschedules or dead-letters it.
		return nil, err
	}

	if err := s.deps.Responses.MarkPublished(ctx, response.ID); err != nil {
		return nil, fmt.Errorf("mark response %s published: %w", response.ID, err)
	}
	if err := s.deps.Reviews.MarkResponded(ctx, review.ID); err != nil {
		return nil, fmt.Errorf("mark review %s responded: %w", review.ID, err)
	}
	if err := s.deps.Queue.HandleSuccess(ctx, item); err != nil {
		return nil, err
	}
	if err := s.deps.RateLimiter.RecordPublish(ctx, in.TenantID); err != nil {
		// The reply is out; a miscount only makes the limiter stricter.
		s.deps.Log.WithError(err).Warn("failed to record publish in rate limiter", nil)
	}

	metrics.PublishAttempts.WithLabelValues("success").Inc()
	s.deps.Log.Info("response published", map[string]interface{}{
		"responseId":      response.ID,
		"reviewId":        review.ID,
		"externalReplyId": result.ExternalReplyID,
	})
	return s.output(in, true), nil
}

// preflight re-checks the conditions that can change between approval and
// publication: credential health, publish rate limits and working hours.
func (s *PublishStep) preflight(ctx context.Context, in PublishInput, review *models.Review) error {
	valid, err := s.deps.Credentials.IsValid(ctx, in.TenantID, s.deps.Provider)
	if err != nil {
		return fmt.Errorf("check credential for tenant %s: %w", in.TenantID, err)
	}
	if !valid {
		return errors.NewCredential("CREDENTIAL_UNUSABLE",
			fmt.Sprintf("tenant %s has no usable %s credential", in.TenantID, s.deps.Provider), nil)
	}

	policy, err := s.deps.Policies.GetForLocation(ctx, in.TenantID, review.LocationID)
	if err != nil {
		return fmt.Errorf("load approval policy: %w", err)
	}

	hourly, daily := s.deps.Publish.HourlyLimit, s.deps.Publish.DailyLimit
	if policy != nil {
		if policy.HourlyLimit > 0 {
			hourly = policy.HourlyLimit
		}
		if policy.DailyLimit > 0 {
			daily = policy.DailyLimit
		}
	}
	if err := s.deps.RateLimiter.Allow(ctx, in.TenantID, hourly, daily); err != nil {
		return err
	}

	if policy != nil && policy.WorkingHoursOnly && !s.deps.Approval.WithinWorkingHours(policy) {
		return errors.NewRateLimited("PUBLISH_OUTSIDE_WORKING_HOURS",
			"publishing is restricted to the policy's working hours")
	}
	return nil
}

func (s *PublishStep) output(in PublishInput, published bool) map[string]interface{} {
	return map[string]interface{}{
		"responseId":  in.ResponseID,
		"queueItemId": in.QueueItemID,
		"published":   published,
	}
}
