// Package publish owns the publish queue: per-response attempt tracking,
// dead-lettering, cross-cycle backoff and the per-tenant publish rate limit.
package publish

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"reviewflow/internal/common/errors"
	"reviewflow/internal/common/logger"
	"reviewflow/internal/models"
)

// ArchiveReasonNotFound is recorded on the review when the platform reports
// the review gone, so it is not reprocessed on the next ingestion pass.
const ArchiveReasonNotFound = "review not found on platform"

// processingReclaimAfter is how long an item may sit in processing before a
// later cycle may claim it again. Covers a promoter that crashed between
// marking the item and creating its workflow.
const processingReclaimAfter = 15 * time.Minute

type queueStore interface {
	Create(ctx context.Context, item *models.PublishQueueItem) error
	Get(ctx context.Context, id string) (*models.PublishQueueItem, error)
	GetByResponseID(ctx context.Context, responseID string) (*models.PublishQueueItem, error)
	ListDue(ctx context.Context, now, reclaimBefore time.Time, limit int) ([]*models.PublishQueueItem, error)
	MarkProcessing(ctx context.Context, id string, reclaimBefore time.Time) (bool, error)
	Reschedule(ctx context.Context, id string, attemptCount int, nextRetryAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, id string, attemptCount int, lastError string) error
	MarkPublished(ctx context.Context, id string) error
}

type responseReader interface {
	Get(ctx context.Context, id string) (*models.GeneratedResponse, error)
}

type reviewArchiver interface {
	Archive(ctx context.Context, id, reason string) error
}

// WorkflowCreator starts a new workflow instance. Implemented by the engine
// service; declared here so the queue does not depend on the engine package.
type WorkflowCreator interface {
	CreateWorkflow(ctx context.Context, workflowType models.WorkflowType, tenantID string, input map[string]interface{}, priority int) (string, error)
}

// QueueManager applies the publish-failure contract: permanent failures
// dead-letter the item and archive the review, transient failures reschedule
// with 2^(attempt_count-1) minutes of backoff until attempts run out.
type QueueManager struct {
	queue       queueStore
	responses   responseReader
	reviews     reviewArchiver
	maxAttempts int
	log         logger.Logger
	now         func() time.Time
}

func NewQueueManager(queue queueStore, responses responseReader, reviews reviewArchiver, maxAttempts int, log logger.Logger) *QueueManager {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &QueueManager{
		queue:       queue,
		responses:   responses,
		reviews:     reviews,
		maxAttempts: maxAttempts,
		log:         log,
		now:         time.Now,
	}
}

// Ensure returns the queue item tracking the response, creating a pending
// one on first use so every publish attempt has an attempt counter.
func (m *QueueManager) Ensure(ctx context.Context, response *models.GeneratedResponse, locationID string) (*models.PublishQueueItem, error) {
	item, err := m.queue.GetByResponseID(ctx, response.ID)
	if err == nil {
		return item, nil
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("look up queue item for response %s: %w", response.ID, err)
	}

	item = &models.PublishQueueItem{
		ID:          uuid.NewString(),
		ResponseID:  response.ID,
		TenantID:    response.TenantID,
		LocationID:  locationID,
		Status:      models.QueueStatusPending,
		MaxAttempts: m.maxAttempts,
	}
	if err := m.queue.Create(ctx, item); err != nil {
		return nil, fmt.Errorf("create queue item for response %s: %w", response.ID, err)
	}
	return item, nil
}

// HandleFailure records one failed publish attempt.
//
// A permanent class (terminal, not-found) dead-letters the item immediately
// regardless of attempts left; a not-found additionally archives the review.
// A refusal enforced locally (publish window full, outside working hours)
// is not a platform attempt, so the item is rescheduled with its counter
// intact. Anything else bumps attempt_count and either reschedules the item
// as pending with next_retry_at = now + 2^(attempt_count-1) minutes, or
// dead-letters it once attempt_count reaches max_attempts.
func (m *QueueManager) HandleFailure(ctx context.Context, item *models.PublishQueueItem, cause error) error {
	log := m.log.WithFields(map[string]interface{}{
		"queueItemId": item.ID,
		"responseId":  item.ResponseID,
		"tenantId":    item.TenantID,
	})

	kind := errors.KindOf(cause)
	attempts := item.AttemptCount + 1

	if errors.IsPermanent(cause) {
		if err := m.queue.MarkFailed(ctx, item.ID, attempts, cause.Error()); err != nil {
			return fmt.Errorf("dead-letter queue item %s: %w", item.ID, err)
		}
		log.Warn("publish attempt failed permanently, item dead-lettered", map[string]interface{}{
			"kind": string(kind),
		})

		if kind == errors.KindNotFound {
			if err := m.archiveReview(ctx, item.ResponseID); err != nil {
				// The dead-letter already stuck; archiving is best effort.
				log.WithError(err).Error("failed to archive review for missing platform resource", nil)
			}
		}
		return nil
	}

	// Local refusals carry KindRateLimited without the retryable flag that
	// marks a platform 429. The counter only tracks real platform attempts.
	if kind == errors.KindRateLimited && !errors.IsRetryable(cause) {
		nextRetryAt := m.now().Add(models.RetryDelay(item.AttemptCount))
		if err := m.queue.Reschedule(ctx, item.ID, item.AttemptCount, nextRetryAt, cause.Error()); err != nil {
			return fmt.Errorf("reschedule queue item %s: %w", item.ID, err)
		}
		log.Info("publish refused locally, item rescheduled without an attempt", map[string]interface{}{
			"attemptCount": item.AttemptCount,
			"nextRetryAt":  nextRetryAt.Format(time.RFC3339),
		})
		return nil
	}

	if attempts >= item.MaxAttempts {
		if err := m.queue.MarkFailed(ctx, item.ID, attempts, cause.Error()); err != nil {
			return fmt.Errorf("dead-letter queue item %s: %w", item.ID, err)
		}
		log.Warn("publish attempts exhausted, item dead-lettered", map[string]interface{}{
			"attemptCount": attempts,
		})
		return nil
	}

	nextRetryAt := m.now().Add(models.RetryDelay(attempts))
	if err := m.queue.Reschedule(ctx, item.ID, attempts, nextRetryAt, cause.Error()); err != nil {
		return fmt.Errorf("reschedule queue item %s: %w", item.ID, err)
	}
	log.Info("publish attempt failed, item rescheduled", map[string]interface{}{
		"attemptCount": attempts,
		"nextRetryAt":  nextRetryAt.Format(time.RFC3339),
	})
	return nil
}

// EnqueueDue promotes due pending queue items into response_publish
// workflows. Each item is claimed via the pending→processing transition
// first so overlapping cycles do not double-promote.
func (m *QueueManager) EnqueueDue(ctx context.Context, creator WorkflowCreator, limit int) (int, error) {
	reclaimBefore := m.now().Add(-processingReclaimAfter)
	due, err := m.queue.ListDue(ctx, m.now(), reclaimBefore, limit)
	if err != nil {
		return 0, fmt.Errorf("list due queue items: %w", err)
	}

	promoted := 0
	for _, item := range due {
		claimed, err := m.queue.MarkProcessing(ctx, item.ID, reclaimBefore)
		if err != nil {
			return promoted, fmt.Errorf("claim queue item %s: %w", item.ID, err)
		}
		if !claimed {
			continue
		}

		workflowID, err := creator.CreateWorkflow(ctx, models.WorkflowTypeResponsePublish, item.TenantID, map[string]interface{}{
			"queueItemId": item.ID,
			"responseId":  item.ResponseID,
			"tenantId":    item.TenantID,
			"locationId":  item.LocationID,
		}, 0)
		if err != nil {
			// Put the item back so the next cycle retries the promotion.
			if relErr := m.queue.Reschedule(ctx, item.ID, item.AttemptCount, m.now(), err.Error()); relErr != nil {
				m.log.WithError(relErr).Error("failed to release queue item after workflow creation error", nil)
			}
			return promoted, fmt.Errorf("create publish workflow for queue item %s: %w", item.ID, err)
		}

		m.log.Info("queued publish retry workflow", map[string]interface{}{
			"queueItemId": item.ID,
			"workflowId":  workflowID,
		})
		promoted++
	}
	return promoted, nil
}

// HandleSuccess closes the queue item after a published reply.
func (m *QueueManager) HandleSuccess(ctx context.Context, item *models.PublishQueueItem) error {
	if err := m.queue.MarkPublished(ctx, item.ID); err != nil {
		return fmt.Errorf("mark queue item %s published: %w", item.ID, err)
	}
	m.log.Info("queue item published", map[string]interface{}{
		"queueItemId": item.ID,
		"responseId":  item.ResponseID,
	})
	return nil
}

// HandleWorkflowFailure is the runner's failure hook. When the failed
// workflow references a queue item, directly or through the response it was
// publishing, the item gets the same permanent/transient treatment as a
// direct publish failure; workflows without one are left alone.
func (m *QueueManager) HandleWorkflowFailure(ctx context.Context, wf *models.Workflow, cause error) error {
	item, err := m.linkedItem(ctx, wf)
	if err != nil {
		return err
	}
	if item == nil {
		return nil
	}
	if item.Status == models.QueueStatusPublished || item.Status == models.QueueStatusFailed {
		return nil
	}
	return m.HandleFailure(ctx, item, cause)
}

func (m *QueueManager) linkedItem(ctx context.Context, wf *models.Workflow) (*models.PublishQueueItem, error) {
	itemID := stringValue(wf.ContextData, "queueItemId")
	if itemID == "" {
		itemID = stringValue(wf.InputData, "queueItemId")
	}
	if itemID != "" {
		item, err := m.queue.Get(ctx, itemID)
		if err != nil {
			if isNotFound(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("load queue item %s: %w", itemID, err)
		}
		return item, nil
	}

	// Workflows that failed mid-publish may only know the response.
	responseID := stringValue(wf.ContextData, "responseId")
	if responseID == "" {
		responseID = stringValue(wf.InputData, "responseId")
	}
	if responseID == "" {
		return nil, nil
	}
	item, err := m.queue.GetByResponseID(ctx, responseID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load queue item for response %s: %w", responseID, err)
	}
	return item, nil
}

func stringValue(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func isNotFound(err error) bool {
	return stderrors.Is(err, sql.ErrNoRows)
}

func (m *QueueManager) archiveReview(ctx context.Context, responseID string) error {
	response, err := m.responses.Get(ctx, responseID)
	if err != nil {
		return fmt.Errorf("load response %s: %w", responseID, err)
	}
	return m.reviews.Archive(ctx, response.ReviewID, ArchiveReasonNotFound)
}
