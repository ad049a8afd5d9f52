package publish

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewflow/internal/common/errors"
	"reviewflow/internal/common/logger"
	"reviewflow/internal/models"
)

type fakeQueueStore struct {
	items map[string]*models.PublishQueueItem
}

func newFakeQueueStore(items ...*models.PublishQueueItem) *fakeQueueStore {
	s := &fakeQueueStore{items: map[string]*models.PublishQueueItem{}}
	for _, item := range items {
		s.items[item.ID] = item
	}
	return s
}

func (s *fakeQueueStore) Create(_ context.Context, item *models.PublishQueueItem) error {
	s.items[item.ID] = item
	return nil
}

func (s *fakeQueueStore) Get(_ context.Context, id string) (*models.PublishQueueItem, error) {
	if item, ok := s.items[id]; ok {
		return item, nil
	}
	return nil, sql.ErrNoRows
}

func (s *fakeQueueStore) GetByResponseID(_ context.Context, responseID string) (*models.PublishQueueItem, error) {
	for _, item := range s.items {
		if item.ResponseID == responseID {
			return item, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *fakeQueueStore) ListDue(_ context.Context, now, reclaimBefore time.Time, limit int) ([]*models.PublishQueueItem, error) {
	var due []*models.PublishQueueItem
	for _, item := range s.items {
		switch item.Status {
		case models.QueueStatusPending:
			if item.NextRetryAt != nil && item.NextRetryAt.After(now) {
				continue
			}
		case models.QueueStatusProcessing:
			if !item.UpdatedAt.Before(reclaimBefore) {
				continue
			}
		default:
			continue
		}
		due = append(due, item)
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (s *fakeQueueStore) MarkProcessing(_ context.Context, id string, reclaimBefore time.Time) (bool, error) {
	item := s.items[id]
	if item == nil {
		return false, nil
	}
	stale := item.Status == models.QueueStatusProcessing && item.UpdatedAt.Before(reclaimBefore)
	if item.Status != models.QueueStatusPending && !stale {
		return false, nil
	}
	item.Status = models.QueueStatusProcessing
	item.UpdatedAt = time.Now()
	return true, nil
}

func (s *fakeQueueStore) MarkPublished(_ context.Context, id string) error {
	item := s.items[id]
	item.Status = models.QueueStatusPublished
	item.NextRetryAt = nil
	return nil
}

func (s *fakeQueueStore) Reschedule(_ context.Context, id string, attemptCount int, nextRetryAt time.Time, lastError string) error {
	item := s.items[id]
	item.Status = models.QueueStatusPending
	item.AttemptCount = attemptCount
	item.NextRetryAt = &nextRetryAt
	item.LastError = lastError
	return nil
}

func (s *fakeQueueStore) MarkFailed(_ context.Context, id string, attemptCount int, lastError string) error {
	item := s.items[id]
	item.Status = models.QueueStatusFailed
	item.AttemptCount = attemptCount
	item.NextRetryAt = nil
	item.LastError = lastError
	return nil
}

type fakeResponseReader struct {
	responses map[string]*models.GeneratedResponse
}

func (r *fakeResponseReader) Get(_ context.Context, id string) (*models.GeneratedResponse, error) {
	if resp, ok := r.responses[id]; ok {
		return resp, nil
	}
	return nil, sql.ErrNoRows
}

type fakeReviewArchiver struct {
	archived map[string]string
}

func (a *fakeReviewArchiver) Archive(_ context.Context, id, reason string) error {
	if a.archived == nil {
		a.archived = map[string]string{}
	}
	a.archived[id] = reason
	return nil
}

type fakeWorkflowCreator struct {
	created []map[string]interface{}
	err     error
}

func (c *fakeWorkflowCreator) CreateWorkflow(_ context.Context, workflowType models.WorkflowType, tenantID string, input map[string]interface{}, _ int) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	input["workflowType"] = string(workflowType)
	input["createdForTenant"] = tenantID
	c.created = append(c.created, input)
	return "wf-1", nil
}

func pendingItem(attempts, max int) *models.PublishQueueItem {
	return &models.PublishQueueItem{
		ID:           "item-1",
		ResponseID:   "resp-1",
		TenantID:     "tenant-1",
		LocationID:   "loc-1",
		Status:       models.QueueStatusPending,
		AttemptCount: attempts,
		MaxAttempts:  max,
	}
}

func newManager(queue *fakeQueueStore, responses *fakeResponseReader, reviews *fakeReviewArchiver) *QueueManager {
	if responses == nil {
		responses = &fakeResponseReader{responses: map[string]*models.GeneratedResponse{}}
	}
	if reviews == nil {
		reviews = &fakeReviewArchiver{}
	}
	return NewQueueManager(queue, responses, reviews, 3, logger.NewNoOpLogger())
}

func TestHandleFailure_TransientExhaustsAttempts(t *testing.T) {
	queue := newFakeQueueStore(pendingItem(0, 3))
	manager := newManager(queue, nil, nil)
	ctx := context.Background()

	cause := errors.NewTransient("UPSTREAM_UNAVAILABLE", "platform returned status 503", nil)

	// First two failures reschedule with doubling cross-cycle backoff.
	before := time.Now()
	require.NoError(t, manager.HandleFailure(ctx, queue.items["item-1"], cause))
	item := queue.items["item-1"]
	assert.Equal(t, models.QueueStatusPending, item.Status)
	assert.Equal(t, 1, item.AttemptCount)
	require.NotNil(t, item.NextRetryAt)
	assert.WithinDuration(t, before.Add(time.Minute), *item.NextRetryAt, 2*time.Second)

	require.NoError(t, manager.HandleFailure(ctx, item, cause))
	assert.Equal(t, models.QueueStatusPending, item.Status)
	assert.Equal(t, 2, item.AttemptCount)
	require.NotNil(t, item.NextRetryAt)
	assert.WithinDuration(t, before.Add(2*time.Minute), *item.NextRetryAt, 2*time.Second)

	// Third failure exhausts max_attempts and dead-letters the item.
	require.NoError(t, manager.HandleFailure(ctx, item, cause))
	assert.Equal(t, models.QueueStatusFailed, item.Status)
	assert.Equal(t, 3, item.AttemptCount)
	assert.Nil(t, item.NextRetryAt)
}

func TestHandleFailure_LocalRefusalDoesNotConsumeAttempts(t *testing.T) {
	queue := newFakeQueueStore(pendingItem(0, 3))
	manager := newManager(queue, nil, nil)
	ctx := context.Background()

	cause := errors.NewRateLimited("PUBLISH_RATE_LIMITED", "hourly publish limit reached")

	// Any number of local refusals leaves the attempt budget untouched.
	for i := 0; i < 5; i++ {
		require.NoError(t, manager.HandleFailure(ctx, queue.items["item-1"], cause))
	}
	item := queue.items["item-1"]
	assert.Equal(t, models.QueueStatusPending, item.Status)
	assert.Zero(t, item.AttemptCount)
	require.NotNil(t, item.NextRetryAt)

	// A platform 429 carries the retryable flag and is a real attempt.
	upstream := errors.FromHTTPStatus("platform", 429)
	require.NoError(t, manager.HandleFailure(ctx, item, upstream))
	assert.Equal(t, models.QueueStatusPending, item.Status)
	assert.Equal(t, 1, item.AttemptCount)
}

func TestHandleFailure_NotFoundDeadLettersImmediately(t *testing.T) {
	queue := newFakeQueueStore(pendingItem(0, 3))
	responses := &fakeResponseReader{responses: map[string]*models.GeneratedResponse{
		"resp-1": {ID: "resp-1", ReviewID: "rev-1", TenantID: "tenant-1"},
	}}
	reviews := &fakeReviewArchiver{}
	manager := newManager(queue, responses, reviews)

	cause := errors.NewNotFound("UPSTREAM_NOT_FOUND", "platform returned status 404")
	require.NoError(t, manager.HandleFailure(context.Background(), queue.items["item-1"], cause))

	item := queue.items["item-1"]
	assert.Equal(t, models.QueueStatusFailed, item.Status)
	assert.Equal(t, 1, item.AttemptCount)
	assert.Nil(t, item.NextRetryAt)
	assert.Equal(t, ArchiveReasonNotFound, reviews.archived["rev-1"])
}

func TestHandleFailure_TerminalDoesNotArchive(t *testing.T) {
	queue := newFakeQueueStore(pendingItem(0, 3))
	reviews := &fakeReviewArchiver{}
	manager := newManager(queue, nil, reviews)

	cause := errors.NewTerminal("UPSTREAM_REJECTED", "platform returned status 400", nil)
	require.NoError(t, manager.HandleFailure(context.Background(), queue.items["item-1"], cause))

	assert.Equal(t, models.QueueStatusFailed, queue.items["item-1"].Status)
	assert.Empty(t, reviews.archived)
}

func TestEnsure_ReturnsExistingItem(t *testing.T) {
	existing := pendingItem(2, 3)
	queue := newFakeQueueStore(existing)
	manager := newManager(queue, nil, nil)

	item, err := manager.Ensure(context.Background(), &models.GeneratedResponse{ID: "resp-1", TenantID: "tenant-1"}, "loc-1")
	require.NoError(t, err)
	assert.Same(t, existing, item)
	assert.Len(t, queue.items, 1)
}

func TestEnsure_CreatesPendingItem(t *testing.T) {
	queue := newFakeQueueStore()
	manager := newManager(queue, nil, nil)

	item, err := manager.Ensure(context.Background(), &models.GeneratedResponse{ID: "resp-9", TenantID: "tenant-1"}, "loc-1")
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, item.Status)
	assert.Equal(t, "resp-9", item.ResponseID)
	assert.Equal(t, 3, item.MaxAttempts)
	assert.Zero(t, item.AttemptCount)
}

func TestHandleWorkflowFailure(t *testing.T) {
	t.Run("workflow with linked queue item reschedules it", func(t *testing.T) {
		item := pendingItem(0, 3)
		item.Status = models.QueueStatusProcessing
		queue := newFakeQueueStore(item)
		manager := newManager(queue, nil, nil)

		wf := &models.Workflow{
			ID:           "wf-1",
			TenantID:     "tenant-1",
			WorkflowType: models.WorkflowTypeResponsePublish,
			InputData:    map[string]interface{}{"queueItemId": "item-1"},
		}
		cause := errors.NewTransient("UPSTREAM_UNAVAILABLE", "platform returned status 502", nil)

		require.NoError(t, manager.HandleWorkflowFailure(context.Background(), wf, cause))
		assert.Equal(t, models.QueueStatusPending, queue.items["item-1"].Status)
		assert.Equal(t, 1, queue.items["item-1"].AttemptCount)
	})

	t.Run("workflow without queue item is a no-op", func(t *testing.T) {
		queue := newFakeQueueStore()
		manager := newManager(queue, nil, nil)

		wf := &models.Workflow{
			ID:           "wf-2",
			WorkflowType: models.WorkflowTypeReviewResponse,
			InputData:    map[string]interface{}{"reviewId": "rev-1"},
		}
		cause := errors.NewTerminal("UNKNOWN_STEP", "step missing", nil)
		require.NoError(t, manager.HandleWorkflowFailure(context.Background(), wf, cause))
	})

	t.Run("already dead-lettered item is left alone", func(t *testing.T) {
		item := pendingItem(3, 3)
		item.Status = models.QueueStatusFailed
		queue := newFakeQueueStore(item)
		manager := newManager(queue, nil, nil)

		wf := &models.Workflow{
			ID:          "wf-3",
			ContextData: map[string]interface{}{"queueItemId": "item-1"},
		}
		cause := errors.NewTransient("UPSTREAM_UNAVAILABLE", "platform returned status 502", nil)
		require.NoError(t, manager.HandleWorkflowFailure(context.Background(), wf, cause))
		assert.Equal(t, 3, queue.items["item-1"].AttemptCount)
	})
}

func TestEnqueueDue_PromotesClaimedItems(t *testing.T) {
	due := pendingItem(1, 3)
	taken := pendingItem(1, 3)
	taken.ID = "item-2"
	taken.Status = models.QueueStatusProcessing
	taken.UpdatedAt = time.Now()

	queue := newFakeQueueStore(due, taken)
	manager := newManager(queue, nil, nil)
	creator := &fakeWorkflowCreator{}

	promoted, err := manager.EnqueueDue(context.Background(), creator, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	require.Len(t, creator.created, 1)
	assert.Equal(t, string(models.WorkflowTypeResponsePublish), creator.created[0]["workflowType"])
	assert.Equal(t, "item-1", creator.created[0]["queueItemId"])
	assert.Equal(t, models.QueueStatusProcessing, queue.items["item-1"].Status)
}

func TestEnqueueDue_ReclaimsStalledProcessingItems(t *testing.T) {
	stalled := pendingItem(1, 3)
	stalled.Status = models.QueueStatusProcessing
	stalled.UpdatedAt = time.Now().Add(-30 * time.Minute)
	fresh := pendingItem(1, 3)
	fresh.ID = "item-2"
	fresh.Status = models.QueueStatusProcessing
	fresh.UpdatedAt = time.Now()

	queue := newFakeQueueStore(stalled, fresh)
	manager := newManager(queue, nil, nil)
	creator := &fakeWorkflowCreator{}

	promoted, err := manager.EnqueueDue(context.Background(), creator, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	require.Len(t, creator.created, 1)
	assert.Equal(t, "item-1", creator.created[0]["queueItemId"])
}
