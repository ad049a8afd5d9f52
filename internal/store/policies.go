package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"reviewflow/internal/models"
)

// PolicyStore reads per-tenant approval policies. The orchestrator never
// writes these rows; tenant configuration owns them.
type PolicyStore struct {
	db *sql.DB
}

func NewPolicyStore(db *sql.DB) *PolicyStore {
	return &PolicyStore{db: db}
}

// GetForLocation returns the most specific policy: a location-scoped row if
// one exists, otherwise the tenant-wide row, otherwise nil (no policy is a
// first-class outcome meaning "manual approval required").
func (s *PolicyStore) GetForLocation(ctx context.Context, tenantID, locationID string) (*models.ApprovalPolicy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, location_id,
		       auto_publish_enabled, auto_publish_positive, auto_publish_neutral, auto_publish_negative,
		       min_confidence, min_quality, max_length, excluded_keywords,
		       hourly_limit, daily_limit, working_hours_only, working_hours, timezone,
		       created_at, updated_at
		FROM approval_policies
		WHERE tenant_id = $1 AND (location_id = $2 OR location_id IS NULL)
		ORDER BY location_id NULLS LAST
		LIMIT 1`,
		tenantID, locationID,
	)

	var (
		p            models.ApprovalPolicy
		locationCol  sql.NullString
		keywords     pq.StringArray
		workingHours []byte
		timezone     sql.NullString
	)

	err := row.Scan(
		&p.ID, &p.TenantID, &locationCol,
		&p.AutoPublishEnabled, &p.AutoPublishPositive, &p.AutoPublishNeutral, &p.AutoPublishNegative,
		&p.MinConfidence, &p.MinQuality, &p.MaxLength, &keywords,
		&p.HourlyLimit, &p.DailyLimit, &p.WorkingHoursOnly, &workingHours, &timezone,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p.LocationID = locationCol.String
	p.ExcludedKeywords = keywords
	p.Timezone = timezone.String
	if len(workingHours) > 0 {
		if err := json.Unmarshal(workingHours, &p.WorkingHours); err != nil {
			return nil, fmt.Errorf("unmarshal working_hours: %w", err)
		}
	}

	return &p, nil
}
