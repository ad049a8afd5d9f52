// Package credentials owns per-tenant external credentials: validity
// checks, mutually-exclusive refresh and revocation. Secrets are stored
// encrypted; only this package sees plaintext tokens.
package credentials

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"reviewflow/internal/common/errors"
	"reviewflow/internal/common/logger"
	"reviewflow/internal/common/metrics"
	"reviewflow/internal/common/retry"
	"reviewflow/internal/models"
)

// DefaultLookahead is how far ahead of expiry a best-effort refresh is
// attempted. Inside this window the current token is still usable, so a
// failed refresh is logged but does not invalidate the credential.
const DefaultLookahead = 5 * time.Minute

// DefaultMaxRefreshAttempts bounds consecutive failed refreshes before the
// credential is parked as refresh_failed and the tenant must reconnect.
const DefaultMaxRefreshAttempts = 5

type credentialStore interface {
	GetForTenant(ctx context.Context, tenantID, provider string) (*models.ExternalCredential, error)
	SaveRefreshed(ctx context.Context, id, accessSecret, refreshSecret string, expiresAt time.Time) error
	MarkRefreshFailed(ctx context.Context, id string, status models.CredentialStatus) error
	Revoke(ctx context.Context, id string) error
}

type queueUnlinker interface {
	FailPendingForTenant(ctx context.Context, tenantID, reason string) (int64, error)
}

type tokenClient interface {
	Refresh(ctx context.Context, provider, refreshToken string) (*TokenResponse, error)
	Revoke(ctx context.Context, provider, token string) error
}

// Manager is the credential lifecycle state machine. Refreshes for the same
// tenant+provider key are collapsed into one in-flight token exchange;
// providers invalidate the old refresh token on exchange, so a duplicate
// concurrent exchange can strand a caller permanently.
type Manager struct {
	store       credentialStore
	queue       queueUnlinker
	oauth       tokenClient
	cipher      *Cipher
	retry       *retry.Executor
	group       singleflight.Group
	log         logger.Logger
	now         func() time.Time
	lookahead   time.Duration
	maxAttempts int
}

func NewManager(store credentialStore, queue queueUnlinker, oauth tokenClient, cipher *Cipher, executor *retry.Executor, log logger.Logger) *Manager {
	return &Manager{
		store:       store,
		queue:       queue,
		oauth:       oauth,
		cipher:      cipher,
		retry:       executor,
		log:         log,
		now:         time.Now,
		lookahead:   DefaultLookahead,
		maxAttempts: DefaultMaxRefreshAttempts,
	}
}

// IsValid reports whether the tenant holds a usable credential for the
// provider. Missing rows, cleared secrets and a missing expiry all fail
// closed. An expired credential triggers a synchronous refresh and the
// check reports its outcome.
func (m *Manager) IsValid(ctx context.Context, tenantID, provider string) (bool, error) {
	_, err := m.validCredential(ctx, tenantID, provider)
	if err == nil {
		return true, nil
	}
	if _, credErr := asCredentialFailure(err); credErr {
		m.log.Warn("credential is not usable", map[string]interface{}{
			"tenantId": tenantID,
			"provider": provider,
			"error":    err.Error(),
		})
		return false, nil
	}
	return false, err
}

// AccessToken returns the plaintext access token for the tenant, refreshing
// first if the stored one is expired. Callers must not persist the result.
func (m *Manager) AccessToken(ctx context.Context, tenantID, provider string) (string, error) {
	cred, err := m.validCredential(ctx, tenantID, provider)
	if err != nil {
		return "", err
	}
	token, err := m.cipher.Decrypt(cred.AccessSecret)
	if err != nil {
		return "", errors.NewCredential("CREDENTIAL_DECRYPT_FAILED", "stored access secret is unreadable", err)
	}
	return token, nil
}

func (m *Manager) validCredential(ctx context.Context, tenantID, provider string) (*models.ExternalCredential, error) {
	cred, err := m.store.GetForTenant(ctx, tenantID, provider)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewCredential("CREDENTIAL_MISSING",
				fmt.Sprintf("no %s credential stored for tenant", provider), nil)
		}
		return nil, fmt.Errorf("load credential for tenant %s: %w", tenantID, err)
	}

	if cred.Status == models.CredentialStatusRevoked {
		return nil, errors.NewCredential("CREDENTIAL_REVOKED", "credential has been revoked", nil)
	}
	if cred.AccessSecret == "" || cred.RefreshSecret == "" {
		return nil, errors.NewCredential("CREDENTIAL_INCOMPLETE", "credential is missing a stored secret", nil)
	}
	if cred.ExpiresAt == nil {
		return nil, errors.NewCredential("CREDENTIAL_INCOMPLETE", "credential has no recorded expiry", nil)
	}

	now := m.now()
	if cred.Expired(now) {
		return m.refresh(ctx, cred)
	}

	if cred.ExpiringWithin(now, m.lookahead) {
		refreshed, err := m.refresh(ctx, cred)
		if err != nil {
			// Token is still valid until it actually expires.
			m.log.Warn("lookahead refresh failed, keeping current token", map[string]interface{}{
				"tenantId": cred.TenantID,
				"provider": cred.Provider,
				"error":    err.Error(),
			})
			return cred, nil
		}
		return refreshed, nil
	}

	return cred, nil
}

// refresh collapses concurrent refreshes for one tenant+provider into a
// single token exchange and returns the reactivated credential.
func (m *Manager) refresh(ctx context.Context, cred *models.ExternalCredential) (*models.ExternalCredential, error) {
	key := cred.TenantID + ":" + cred.Provider
	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		return m.doRefresh(ctx, cred)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.ExternalCredential), nil
}

func (m *Manager) doRefresh(ctx context.Context, cred *models.ExternalCredential) (*models.ExternalCredential, error) {
	log := m.log.WithFields(map[string]interface{}{
		"credentialId": cred.ID,
		"tenantId":     cred.TenantID,
		"provider":     cred.Provider,
	})

	if cred.RefreshAttempts >= m.maxAttempts {
		if err := m.store.MarkRefreshFailed(ctx, cred.ID, models.CredentialStatusRefreshFailed); err != nil {
			log.WithError(err).Error("failed to park exhausted credential", nil)
		}
		metrics.CredentialRefreshes.WithLabelValues(cred.Provider, "exhausted").Inc()
		return nil, errors.NewCredential("CREDENTIAL_REFRESH_EXHAUSTED",
			"refresh attempts exhausted, tenant must reconnect", nil)
	}

	refreshToken, err := m.cipher.Decrypt(cred.RefreshSecret)
	if err != nil {
		return nil, errors.NewCredential("CREDENTIAL_DECRYPT_FAILED", "stored refresh secret is unreadable", err)
	}

	var token *TokenResponse
	err = m.retry.Do(ctx, "oauth_refresh", func(ctx context.Context) error {
		var refreshErr error
		token, refreshErr = m.oauth.Refresh(ctx, cred.Provider, refreshToken)
		return refreshErr
	})
	if err != nil {
		status := models.CredentialStatusExpired
		if errors.KindOf(err) == errors.KindCredential {
			// invalid_grant: the refresh token itself is dead.
			status = models.CredentialStatusRefreshFailed
		}
		if markErr := m.store.MarkRefreshFailed(ctx, cred.ID, status); markErr != nil {
			log.WithError(markErr).Error("failed to record refresh failure", nil)
		}
		metrics.CredentialRefreshes.WithLabelValues(cred.Provider, "failure").Inc()
		log.Warn("credential refresh failed", map[string]interface{}{
			"status": string(status),
			"error":  err.Error(),
		})
		return nil, err
	}

	encryptedAccess, err := m.cipher.Encrypt(token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	// Providers that rotate refresh tokens return a new one; keep the old
	// secret when they do not.
	newRefreshSecret := cred.RefreshSecret
	if token.RefreshToken != "" {
		if newRefreshSecret, err = m.cipher.Encrypt(token.RefreshToken); err != nil {
			return nil, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	expiresAt := m.now().Add(time.Duration(token.ExpiresIn) * time.Second)
	if err := m.store.SaveRefreshed(ctx, cred.ID, encryptedAccess, newRefreshSecret, expiresAt); err != nil {
		return nil, fmt.Errorf("persist refreshed credential: %w", err)
	}

	metrics.CredentialRefreshes.WithLabelValues(cred.Provider, "success").Inc()
	log.Info("credential refreshed", map[string]interface{}{
		"expiresAt": expiresAt.Format(time.RFC3339),
	})

	updated := *cred
	updated.AccessSecret = encryptedAccess
	updated.RefreshSecret = newRefreshSecret
	updated.ExpiresAt = &expiresAt
	updated.Status = models.CredentialStatusActive
	updated.RefreshAttempts = 0
	return &updated, nil
}

// Revoke disconnects the tenant from the provider: secrets cleared locally,
// pending publish work for the tenant dead-lettered, and the provider
// notified best-effort. A failed provider-side revoke never blocks the
// local state change.
func (m *Manager) Revoke(ctx context.Context, tenantID, provider string) error {
	cred, err := m.store.GetForTenant(ctx, tenantID, provider)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("load credential for tenant %s: %w", tenantID, err)
	}

	if cred.AccessSecret != "" {
		if token, decErr := m.cipher.Decrypt(cred.AccessSecret); decErr == nil {
			if revokeErr := m.oauth.Revoke(ctx, provider, token); revokeErr != nil {
				m.log.Warn("provider-side revoke failed", map[string]interface{}{
					"tenantId": tenantID,
					"provider": provider,
					"error":    revokeErr.Error(),
				})
			}
		}
	}

	if err := m.store.Revoke(ctx, cred.ID); err != nil {
		return fmt.Errorf("revoke credential %s: %w", cred.ID, err)
	}

	unlinked, err := m.queue.FailPendingForTenant(ctx, tenantID, "credential revoked")
	if err != nil {
		return fmt.Errorf("unlink pending publish work for tenant %s: %w", tenantID, err)
	}

	m.log.Info("credential revoked", map[string]interface{}{
		"tenantId":      tenantID,
		"provider":      provider,
		"unlinkedItems": unlinked,
	})
	return nil
}

func asCredentialFailure(err error) (*errors.StandardError, bool) {
	var stdErr *errors.StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr, true
	}
	return nil, false
}
