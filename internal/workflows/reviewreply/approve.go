package reviewreply

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"reviewflow/internal/common/audit"
	"reviewflow/internal/common/errors"
	"reviewflow/internal/models"
)

// ApprovalStep runs the policy gates over the drafted response. A blocked
// response pauses the workflow; when a human later approves it and resumes,
// the re-run sees the recorded decision and passes straight through.
type ApprovalStep struct {
	deps Deps
}

func (s *ApprovalStep) Name() string { return StepApprovalCheck }

func (s *ApprovalStep) Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	var in ApprovalInput
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

	// Re-run after an approval or on an already-published response: the
	// decision is made, pass through.
	switch response.Status {
	case models.ResponseStatusApproved, models.ResponseStatusPublished:
		return s.output(response.Status, "already_decided"), nil
	case models.ResponseStatusRejected:
		return nil, errors.NewTerminal("RESPONSE_REJECTED", "response was rejected by a reviewer", nil)
	}

	review, err := s.deps.Reviews.Get(ctx, response.ReviewID)
	if err != nil {
		return nil, fmt.Errorf("load review %s: %w", response.ReviewID, err)
	}

	policy, err := s.deps.Policies.GetForLocation(ctx, in.TenantID, review.LocationID)
	if err != nil {
		return nil, fmt.Errorf("load approval policy: %w", err)
	}

	decision := s.deps.Approval.Decide(response, review, policy)

	if err := s.deps.Audit.Record(ctx, audit.Event{
		TenantID: in.TenantID,
		Action:   "approval_check",
		Outcome:  decision.Reason,
		Payload: map[string]interface{}{
			"responseId": response.ID,
			"reviewId":   review.ID,
			"approved":   decision.Approved,
			"sentiment":  string(decision.Sentiment),
			"evaluated":  decision.Evaluated,
		},
	}); err != nil {
		// The audit trail is best effort; the decision stands.
		s.deps.Log.WithError(err).Warn("failed to record approval audit event", nil)
	}

	if !decision.Approved {
		s.deps.Log.Info("response requires manual approval", map[string]interface{}{
			"responseId": response.ID,
			"reason":     decision.Reason,
		})
		return nil, errors.NewPolicyBlocked(decision.Reason)
	}

	// ApprovedBy stays nil here: the policy auto-approved. Manual approvals
	// set it before the workflow resumes.
	if err := s.deps.Responses.MarkApproved(ctx, response.ID, response.ApprovedBy); err != nil {
		return nil, fmt.Errorf("mark response %s approved: %w", response.ID, err)
	}

	s.deps.Log.Info("response approved", map[string]interface{}{
		"responseId": response.ID,
		"reason":     decision.Reason,
	})
	return s.output(models.ResponseStatusApproved, decision.Reason), nil
}

func (s *ApprovalStep) output(status models.ResponseStatus, reason string) map[string]interface{} {
	return map[string]interface{}{
		"responseStatus": string(status),
		"approvalReason": reason,
	}
}
