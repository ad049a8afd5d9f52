package models

import "time"

// QueueItemStatus tracks one pending publish attempt.
type QueueItemStatus string

const (
	QueueStatusPending    QueueItemStatus = "pending"
	QueueStatusProcessing QueueItemStatus = "processing"
	QueueStatusPublished  QueueItemStatus = "published"
	QueueStatusFailed     QueueItemStatus = "failed"
)

// PublishQueueItem tracks publish attempts for a response independently of
// the workflow that created it. AttemptCount stays within MaxAttempts
// unless the item is dead-lettered.
type PublishQueueItem struct {
	ID           string          `json:"id"`
	ResponseID   string          `json:"responseId"`
	TenantID     string          `json:"tenantId"`
	LocationID   string          `json:"locationId"`
	Status       QueueItemStatus `json:"status"`
	AttemptCount int             `json:"attemptCount"`
	MaxAttempts  int             `json:"maxAttempts"`
	NextRetryAt  *time.Time      `json:"nextRetryAt,omitempty"`
	LastError    string          `json:"lastError,omitempty"`
	LastErrorAt  *time.Time      `json:"lastErrorAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// RetryDelay returns the cross-cycle backoff for the given attempt count:
// 2^(attempts-1) minutes. This is coarser than the in-process retry
// executor on purpose; it spaces attempts across scheduler cycles.
func RetryDelay(attemptCount int) time.Duration {
	if attemptCount < 1 {
		attemptCount = 1
	}
	return time.Duration(1<<uint(attemptCount-1)) * time.Minute
}
