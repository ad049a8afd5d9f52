package models

import "time"

// CredentialStatus is the health of a stored external credential.
type CredentialStatus string

const (
	CredentialStatusActive        CredentialStatus = "active"
	CredentialStatusExpired       CredentialStatus = "expired"
	CredentialStatusRefreshFailed CredentialStatus = "refresh_failed"
	CredentialStatusRevoked       CredentialStatus = "revoked"
)

// ExternalCredential stores one tenant's encrypted access/refresh pair for
// an external provider. Secrets hold ciphertext; the credential manager is
// the only component that sees plaintext.
type ExternalCredential struct {
	ID              string           `json:"id"`
	TenantID        string           `json:"tenantId"`
	Provider        string           `json:"provider"`
	Scope           string           `json:"scope,omitempty"`
	AccessSecret    string           `json:"-"`
	RefreshSecret   string           `json:"-"`
	ExpiresAt       *time.Time       `json:"expiresAt,omitempty"`
	Status          CredentialStatus `json:"status"`
	RefreshAttempts int              `json:"refreshAttempts"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// Expired reports whether the access secret is past its expiry. A missing
// expiry counts as expired so validity checks fail closed.
func (c *ExternalCredential) Expired(now time.Time) bool {
	return c.ExpiresAt == nil || !c.ExpiresAt.After(now)
}

// ExpiringWithin reports whether the access secret expires inside the
// lookahead window (and is not already expired).
func (c *ExternalCredential) ExpiringWithin(now time.Time, window time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return c.ExpiresAt.After(now) && c.ExpiresAt.Before(now.Add(window))
}
