package store

import (
	"context"
	"database/sql"
	"time"

	"reviewflow/internal/models"
)

const credentialColumns = `id, tenant_id, provider, scope, access_secret, refresh_secret,
	expires_at, status, refresh_attempts, created_at, updated_at`

// CredentialStore persists encrypted external credentials.
type CredentialStore struct {
	db *sql.DB
}

func NewCredentialStore(db *sql.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

// GetForTenant returns the credential for a tenant+provider pair whatever
// its status; callers decide what an expired or revoked row means.
func (s *CredentialStore) GetForTenant(ctx context.Context, tenantID, provider string) (*models.ExternalCredential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+credentialColumns+`
		FROM external_credentials
		WHERE tenant_id = $1 AND provider = $2
		ORDER BY created_at DESC
		LIMIT 1`,
		tenantID, provider,
	)
	return scanCredential(row)
}

// SaveRefreshed stores the outcome of a successful token exchange and
// reactivates the credential.
func (s *CredentialStore) SaveRefreshed(ctx context.Context, id, accessSecret, refreshSecret string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE external_credentials
		SET access_secret = $1, refresh_secret = $2, expires_at = $3,
		    status = $4, refresh_attempts = 0, updated_at = now()
		WHERE id = $5`,
		accessSecret, refreshSecret, expiresAt, models.CredentialStatusActive, id,
	)
	return err
}

// MarkRefreshFailed bumps the attempt counter and records the degraded
// status (expired for a still-recoverable token, refresh_failed for
// invalid-grant or exhausted attempts).
func (s *CredentialStore) MarkRefreshFailed(ctx context.Context, id string, status models.CredentialStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE external_credentials
		SET status = $1, refresh_attempts = refresh_attempts + 1, updated_at = now()
		WHERE id = $2`,
		status, id,
	)
	return err
}

// Revoke clears both secrets and retires the credential. The row stays for
// audit; only the secrets go.
func (s *CredentialStore) Revoke(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE external_credentials
		SET access_secret = '', refresh_secret = '', status = $1, updated_at = now()
		WHERE id = $2`,
		models.CredentialStatusRevoked, id,
	)
	return err
}

func scanCredential(row rowScanner) (*models.ExternalCredential, error) {
	var (
		c         models.ExternalCredential
		scope     sql.NullString
		expiresAt sql.NullTime
	)

	err := row.Scan(
		&c.ID, &c.TenantID, &c.Provider, &scope, &c.AccessSecret, &c.RefreshSecret,
		&expiresAt, &c.Status, &c.RefreshAttempts, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Scope = scope.String
	c.ExpiresAt = timePtr(expiresAt)
	return &c, nil
}
