package store

import (
	"context"
	"database/sql"
	"time"

	"reviewflow/internal/models"
)

const queueColumns = `id, response_id, tenant_id, location_id, status, attempt_count,
	max_attempts, next_retry_at, last_error, last_error_at, created_at, updated_at`

// QueueStore persists publish queue items.
type QueueStore struct {
	db *sql.DB
}

func NewQueueStore(db *sql.DB) *QueueStore {
	return &QueueStore{db: db}
}

func (s *QueueStore) Create(ctx context.Context, item *models.PublishQueueItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO publish_queue
			(id, response_id, tenant_id, location_id, status, attempt_count, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())`,
		item.ID, item.ResponseID, item.TenantID, item.LocationID,
		item.Status, item.AttemptCount, item.MaxAttempts,
	)
	return err
}

func (s *QueueStore) Get(ctx context.Context, id string) (*models.PublishQueueItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM publish_queue WHERE id = $1`, id)
	return scanQueueItem(row)
}

func (s *QueueStore) GetByResponseID(ctx context.Context, responseID string) (*models.PublishQueueItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM publish_queue WHERE response_id = $1`, responseID)
	return scanQueueItem(row)
}

// ListDue returns pending items whose retry time has passed, oldest first,
// plus processing items untouched since reclaimBefore. The latter covers a
// promoter that crashed between claiming an item and creating its workflow.
func (s *QueueStore) ListDue(ctx context.Context, now, reclaimBefore time.Time, limit int) ([]*models.PublishQueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+`
		FROM publish_queue
		WHERE (status = $1 AND (next_retry_at IS NULL OR next_retry_at <= $2))
		   OR (status = $3 AND updated_at < $4)
		ORDER BY created_at ASC
		LIMIT $5`,
		models.QueueStatusPending, now,
		models.QueueStatusProcessing, reclaimBefore, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.PublishQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// MarkProcessing claims a due item so a second cycle does not promote it
// twice. Returns false if the item is neither pending nor a processing
// claim gone stale before reclaimBefore.
func (s *QueueStore) MarkProcessing(ctx context.Context, id string, reclaimBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE publish_queue
		SET status = $1, updated_at = now()
		WHERE id = $2 AND (status = $3 OR (status = $1 AND updated_at < $4))`,
		models.QueueStatusProcessing, id, models.QueueStatusPending, reclaimBefore,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *QueueStore) MarkPublished(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE publish_queue
		SET status = $1, next_retry_at = NULL, updated_at = now()
		WHERE id = $2`,
		models.QueueStatusPublished, id,
	)
	return err
}

// Reschedule records a transient failure: bumped attempt count, back to
// pending with the cross-cycle backoff, processing marker cleared.
func (s *QueueStore) Reschedule(ctx context.Context, id string, attemptCount int, nextRetryAt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE publish_queue
		SET status = $1, attempt_count = $2, next_retry_at = $3,
		    last_error = $4, last_error_at = now(), updated_at = now()
		WHERE id = $5`,
		models.QueueStatusPending, attemptCount, nextRetryAt, lastError, id,
	)
	return err
}

// MarkFailed dead-letters the item: no further retries.
func (s *QueueStore) MarkFailed(ctx context.Context, id string, attemptCount int, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE publish_queue
		SET status = $1, attempt_count = $2, next_retry_at = NULL,
		    last_error = $3, last_error_at = now(), updated_at = now()
		WHERE id = $4`,
		models.QueueStatusFailed, attemptCount, lastError, id,
	)
	return err
}

// FailPendingForTenant dead-letters every pending item for a tenant, used
// when the tenant's credential is revoked.
func (s *QueueStore) FailPendingForTenant(ctx context.Context, tenantID, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE publish_queue
		SET status = $1, next_retry_at = NULL, last_error = $2, last_error_at = now(), updated_at = now()
		WHERE tenant_id = $3 AND status = ANY($4)`,
		models.QueueStatusFailed, reason, tenantID,
		statusArray(models.QueueStatusPending, models.QueueStatusProcessing),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanQueueItem(row rowScanner) (*models.PublishQueueItem, error) {
	var (
		item        models.PublishQueueItem
		nextRetryAt sql.NullTime
		lastError   sql.NullString
		lastErrorAt sql.NullTime
	)

	err := row.Scan(
		&item.ID, &item.ResponseID, &item.TenantID, &item.LocationID, &item.Status,
		&item.AttemptCount, &item.MaxAttempts, &nextRetryAt, &lastError, &lastErrorAt,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.NextRetryAt = timePtr(nextRetryAt)
	item.LastError = lastError.String
	item.LastErrorAt = timePtr(lastErrorAt)
	return &item, nil
}
