package store

import (
	"context"
	"database/sql"

	"reviewflow/internal/models"
)

const responseColumns = `id, review_id, tenant_id, text, model, status, confidence,
	quality, approved_by, published_at, created_at, updated_at`

// ResponseStore persists generated responses.
type ResponseStore struct {
	db *sql.DB
}

func NewResponseStore(db *sql.DB) *ResponseStore {
	return &ResponseStore{db: db}
}

func (s *ResponseStore) Create(ctx context.Context, r *models.GeneratedResponse) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generated_responses
			(id, review_id, tenant_id, text, model, status, confidence, quality, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())`,
		r.ID, r.ReviewID, r.TenantID, r.Text, r.Model, r.Status, r.Confidence, r.Quality,
	)
	return err
}

func (s *ResponseStore) Get(ctx context.Context, id string) (*models.GeneratedResponse, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+responseColumns+` FROM generated_responses WHERE id = $1`, id)
	return scanResponse(row)
}

// GetByReviewID backs the generation step's idempotency check: one review,
// at most one response.
func (s *ResponseStore) GetByReviewID(ctx context.Context, reviewID string) (*models.GeneratedResponse, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+responseColumns+` FROM generated_responses WHERE review_id = $1`, reviewID)
	return scanResponse(row)
}

// MarkApproved records the approval decision. approvedBy stays nil for
// policy auto-approval.
func (s *ResponseStore) MarkApproved(ctx context.Context, id string, approvedBy *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE generated_responses
		SET status = $1, approved_by = $2, updated_at = now()
		WHERE id = $3`,
		models.ResponseStatusApproved, nullString(approvedBy), id,
	)
	return err
}

// MarkPublished transitions approved -> published. The status guard keeps
// the published-only-from-approved invariant in the database.
func (s *ResponseStore) MarkPublished(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE generated_responses
		SET status = $1, published_at = now(), updated_at = now()
		WHERE id = $2 AND status = $3`,
		models.ResponseStatusPublished, id, models.ResponseStatusApproved,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *ResponseStore) MarkRejected(ctx context.Context, id string, rejectedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE generated_responses
		SET status = $1, approved_by = $2, updated_at = now()
		WHERE id = $3`,
		models.ResponseStatusRejected, rejectedBy, id,
	)
	return err
}

func scanResponse(row rowScanner) (*models.GeneratedResponse, error) {
	var (
		r           models.GeneratedResponse
		model       sql.NullString
		approvedBy  sql.NullString
		publishedAt sql.NullTime
	)

	err := row.Scan(
		&r.ID, &r.ReviewID, &r.TenantID, &r.Text, &model, &r.Status,
		&r.Confidence, &r.Quality, &approvedBy, &publishedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Model = model.String
	r.ApprovedBy = stringPtr(approvedBy)
	r.PublishedAt = timePtr(publishedAt)
	return &r, nil
}
