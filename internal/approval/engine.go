// Package approval decides whether a generated response may be published
// without a human. Decide is pure: same inputs, same decision; the clock is
// injected so working-hours gates are testable.
package approval

import (
	"fmt"
	"strings"
	"time"

	"reviewflow/internal/models"
)

// Gate reasons reported back to callers and monitoring. A reason is the
// first gate that blocked approval.
const (
	ReasonNoPolicy             = "no_policy"
	ReasonAutoPublishDisabled  = "auto_publish_disabled"
	ReasonSentimentDisabled    = "sentiment_auto_publish_disabled"
	ReasonConfidenceBelow      = "confidence_below_threshold"
	ReasonQualityBelow         = "quality_below_threshold"
	ReasonResponseTooLong      = "response_too_long"
	ReasonExcludedKeyword      = "excluded_keyword_match"
	ReasonOutsideWorkingHours  = "outside_working_hours"
	ReasonManuallyApproved     = "manually_approved"
	ReasonAllGatesPassed       = "all_gates_passed"
)

// Decision is the outcome of one policy evaluation. Evaluated records the
// policy values the decision was made against, for the audit trail.
type Decision struct {
	Approved  bool                   `json:"approved"`
	Reason    string                 `json:"reason"`
	Sentiment models.SentimentBucket `json:"sentiment"`
	Evaluated map[string]interface{} `json:"evaluated,omitempty"`
}

type Engine struct {
	now func() time.Time
}

func NewEngine() *Engine {
	return &Engine{now: time.Now}
}

// NewEngineAt pins the clock, for tests and for the publish step's
// working-hours re-check.
func NewEngineAt(now func() time.Time) *Engine {
	return &Engine{now: now}
}

// Decide evaluates the approval gates in order and stops at the first one
// that fails. Missing policy and disabled auto-publish are legitimate
// "requires manual approval" outcomes, not errors.
func (e *Engine) Decide(response *models.GeneratedResponse, review *models.Review, policy *models.ApprovalPolicy) Decision {
	sentiment := review.Sentiment()

	// A human already signed off: gates do not apply at decision time.
	// Rate limits and working hours are re-checked by the publish step.
	if response.ManuallyApproved() {
		return Decision{Approved: true, Reason: ReasonManuallyApproved, Sentiment: sentiment}
	}

	if policy == nil {
		return Decision{Reason: ReasonNoPolicy, Sentiment: sentiment}
	}
	if !policy.AutoPublishEnabled {
		return Decision{Reason: ReasonAutoPublishDisabled, Sentiment: sentiment}
	}
	if !policy.BucketEnabled(sentiment) {
		return Decision{Reason: ReasonSentimentDisabled, Sentiment: sentiment}
	}

	evaluated := map[string]interface{}{
		"minConfidence": policy.MinConfidence,
		"minQuality":    policy.MinQuality,
		"maxLength":     policy.MaxLength,
		"sentiment":     string(sentiment),
	}

	if response.Confidence < policy.MinConfidence {
		return Decision{Reason: ReasonConfidenceBelow, Sentiment: sentiment, Evaluated: evaluated}
	}
	if response.Quality < policy.MinQuality {
		return Decision{Reason: ReasonQualityBelow, Sentiment: sentiment, Evaluated: evaluated}
	}
	if policy.MaxLength > 0 && len(response.Text) > policy.MaxLength {
		return Decision{Reason: ReasonResponseTooLong, Sentiment: sentiment, Evaluated: evaluated}
	}
	if keyword, found := matchExcludedKeyword(response.Text, policy.ExcludedKeywords); found {
		evaluated["matchedKeyword"] = keyword
		return Decision{Reason: ReasonExcludedKeyword, Sentiment: sentiment, Evaluated: evaluated}
	}
	if policy.WorkingHoursOnly && !e.WithinWorkingHours(policy) {
		return Decision{Reason: ReasonOutsideWorkingHours, Sentiment: sentiment, Evaluated: evaluated}
	}

	return Decision{Approved: true, Reason: ReasonAllGatesPassed, Sentiment: sentiment, Evaluated: evaluated}
}

// WithinWorkingHours reports whether the current time falls inside the
// policy's window for today's weekday (or its default bucket). A policy
// with working_hours_only set but no window for today blocks publishing.
func (e *Engine) WithinWorkingHours(policy *models.ApprovalPolicy) bool {
	loc := time.UTC
	if policy.Timezone != "" {
		if l, err := time.LoadLocation(policy.Timezone); err == nil {
			loc = l
		}
	}
	now := e.now().In(loc)

	window, ok := policy.WindowFor(now.Weekday())
	if !ok {
		return false
	}

	start, err1 := clockMinutes(window.Start)
	end, err2 := clockMinutes(window.End)
	if err1 != nil || err2 != nil {
		return false
	}

	minutes := now.Hour()*60 + now.Minute()
	return minutes >= start && minutes < end
}

func matchExcludedKeyword(text string, keywords []string) (string, bool) {
	lowered := strings.ToLower(text)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(kw)) {
			return kw, true
		}
	}
	return "", false
}

func clockMinutes(hhmm string) (int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", hhmm, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
