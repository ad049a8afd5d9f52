package store

import (
	"context"
	"database/sql"

	"reviewflow/internal/models"
)

// ReviewStore reads and closes review rows. Ingestion writes them.
type ReviewStore struct {
	db *sql.DB
}

func NewReviewStore(db *sql.DB) *ReviewStore {
	return &ReviewStore{db: db}
}

func (s *ReviewStore) Get(ctx context.Context, id string) (*models.Review, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, location_id, external_review_id, rating, text, author,
		       status, archive_reason, created_at, updated_at
		FROM reviews WHERE id = $1`, id)

	var (
		r             models.Review
		author        sql.NullString
		archiveReason sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.TenantID, &r.LocationID, &r.ExternalReviewID, &r.Rating, &r.Text,
		&author, &r.Status, &archiveReason, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Author = author.String
	r.ArchiveReason = archiveReason.String
	return &r, nil
}

func (s *ReviewStore) MarkResponded(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reviews SET status = $1, updated_at = now() WHERE id = $2`,
		models.ReviewStatusResponded, id,
	)
	return err
}

// Archive closes a review with a failure reason so it is never reprocessed.
func (s *ReviewStore) Archive(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reviews SET status = $1, archive_reason = $2, updated_at = now() WHERE id = $3`,
		models.ReviewStatusArchived, reason, id,
	)
	return err
}
