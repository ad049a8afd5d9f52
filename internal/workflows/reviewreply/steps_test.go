package reviewreply

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"reviewflow/internal/approval"
	"reviewflow/internal/common/audit"
	"reviewflow/internal/common/config"
	"reviewflow/internal/common/logger"
	"reviewflow/internal/common/retry"
	"reviewflow/internal/genai"
	"reviewflow/internal/models"
	"reviewflow/internal/platform"
)

type fakeReviews struct {
	reviews   map[string]*models.Review
	responded []string
	archived  map[string]string
}

func (f *fakeReviews) Get(_ context.Context, id string) (*models.Review, error) {
	r, ok := f.reviews[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *r
	return &cp, nil
}

func (f *fakeReviews) MarkResponded(_ context.Context, id string) error {
	f.responded = append(f.responded, id)
	return nil
}

func (f *fakeReviews) Archive(_ context.Context, id, reason string) error {
	if f.archived == nil {
		f.archived = map[string]string{}
	}
	f.archived[id] = reason
	if r, ok := f.reviews[id]; ok {
		r.Status = models.ReviewStatusArchived
	}
	return nil
}

type fakeResponses struct {
	responses map[string]*models.GeneratedResponse
	created   []*models.GeneratedResponse
	approved  []string
	published []string
}

func newFakeResponses(responses ...*models.GeneratedResponse) *fakeResponses {
	f := &fakeResponses{responses: map[string]*models.GeneratedResponse{}}
	for _, r := range responses {
		f.responses[r.ID] = r
	}
	return f
}

func (f *fakeResponses) Create(_ context.Context, r *models.GeneratedResponse) error {
	cp := *r
	f.responses[r.ID] = &cp
	f.created = append(f.created, &cp)
	return nil
}

func (f *fakeResponses) Get(_ context.Context, id string) (*models.GeneratedResponse, error) {
	r, ok := f.responses[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *r
	return &cp, nil
}

func (f *fakeResponses) GetByReviewID(_ context.Context, reviewID string) (*models.GeneratedResponse, error) {
	for _, r := range f.responses {
		if r.ReviewID == reviewID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeResponses) MarkApproved(_ context.Context, id string, approvedBy *string) error {
	r, ok := f.responses[id]
	if !ok {
		return sql.ErrNoRows
	}
	r.Status = models.ResponseStatusApproved
	r.ApprovedBy = approvedBy
	f.approved = append(f.approved, id)
	return nil
}

func (f *fakeResponses) MarkPublished(_ context.Context, id string) error {
	r, ok := f.responses[id]
	if !ok {
		return sql.ErrNoRows
	}
	r.Status = models.ResponseStatusPublished
	f.published = append(f.published, id)
	return nil
}

type fakePolicies struct {
	policy *models.ApprovalPolicy
	err    error
}

func (f *fakePolicies) GetForLocation(context.Context, string, string) (*models.ApprovalPolicy, error) {
	return f.policy, f.err
}

type fakeGenerator struct {
	result *genai.GenerationResult
	err    error
	calls  int
}

func (f *fakeGenerator) Generate(context.Context, *genai.GenerationRequest) (*genai.GenerationResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakePublisher struct {
	result  *platform.PublishResult
	err     error
	calls   int
	lastReq *platform.PublishRequest
}

func (f *fakePublisher) Publish(_ context.Context, _ string, req *platform.PublishRequest) (*platform.PublishResult, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeCredentials struct {
	valid bool
	err   error
	calls int
}

func (f *fakeCredentials) IsValid(context.Context, string, string) (bool, error) {
	f.calls++
	return f.valid, f.err
}

type fakeQueue struct {
	item      *models.PublishQueueItem
	succeeded []string
}

func (f *fakeQueue) Ensure(_ context.Context, response *models.GeneratedResponse, locationID string) (*models.PublishQueueItem, error) {
	if f.item == nil {
		f.item = &models.PublishQueueItem{
			ID:         "queue-1",
			ResponseID: response.ID,
			TenantID:   response.TenantID,
			LocationID: locationID,
			Status:     models.QueueStatusPending,
		}
	}
	return f.item, nil
}

func (f *fakeQueue) HandleSuccess(_ context.Context, item *models.PublishQueueItem) error {
	f.succeeded = append(f.succeeded, item.ID)
	return nil
}

type fakeRateLimiter struct {
	allowErr   error
	lastHourly int
	lastDaily  int
	recorded   []string
}

func (f *fakeRateLimiter) Allow(_ context.Context, _ string, hourlyLimit, dailyLimit int) error {
	f.lastHourly = hourlyLimit
	f.lastDaily = dailyLimit
	return f.allowErr
}

func (f *fakeRateLimiter) RecordPublish(_ context.Context, tenantID string) error {
	f.recorded = append(f.recorded, tenantID)
	return nil
}

// testDeps wires every collaborator to a fake and keeps the retry executor
// fast enough for unit tests.
func testDeps(t *testing.T) (Deps, *fakeReviews, *fakeResponses, *fakePolicies) {
	t.Helper()
	log := logger.NewTestLogger(t)
	reviews := &fakeReviews{reviews: map[string]*models.Review{}}
	responses := newFakeResponses()
	policies := &fakePolicies{}
	deps := Deps{
		Reviews:     reviews,
		Responses:   responses,
		Policies:    policies,
		Generator:   &fakeGenerator{},
		Publisher:   &fakePublisher{},
		Credentials: &fakeCredentials{valid: true},
		Queue:       &fakeQueue{},
		RateLimiter: &fakeRateLimiter{},
		Approval:    approval.NewEngine(),
		Retry: retry.New(retry.Options{
			MaxRetries: 2,
			BaseDelay:  time.Millisecond,
			MaxDelay:   5 * time.Millisecond,
			JitterFrac: 0.1,
		}, log),
		Audit:    &audit.MemorySink{},
		Publish:  config.PublishConfig{MaxAttempts: 3, HourlyLimit: 10, DailyLimit: 50},
		Provider: "google",
		Log:      log,
	}
	return deps, reviews, responses, policies
}

func openPolicy() *models.ApprovalPolicy {
	return &models.ApprovalPolicy{
		ID:                  "policy-1",
		TenantID:            "tenant-1",
		AutoPublishEnabled:  true,
		AutoPublishPositive: true,
		AutoPublishNeutral:  true,
		AutoPublishNegative: false,
		MinConfidence:       0.7,
		MinQuality:          0.6,
		MaxLength:           1000,
	}
}

func fiveStarReview() *models.Review {
	return &models.Review{
		ID:               "review-1",
		TenantID:         "tenant-1",
		LocationID:       "location-1",
		ExternalReviewID: "ext-review-1",
		Rating:           5,
		Text:             "Great service, friendly staff!",
		Author:           "Dana",
		Status:           models.ReviewStatusNew,
	}
}

func approvedResponse() *models.GeneratedResponse {
	return &models.GeneratedResponse{
		ID:         "response-1",
		ReviewID:   "review-1",
		TenantID:   "tenant-1",
		Text:       "Thank you for the kind words, Dana!",
		Status:     models.ResponseStatusApproved,
		Confidence: 0.9,
		Quality:    0.8,
	}
}
