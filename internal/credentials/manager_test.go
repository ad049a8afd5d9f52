package credentials

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewflow/internal/common/errors"
	"reviewflow/internal/common/logger"
	"reviewflow/internal/common/retry"
	"reviewflow/internal/models"
)

type fakeCredentialStore struct {
	mu    sync.Mutex
	creds map[string]*models.ExternalCredential
}

func credKey(tenantID, provider string) string { return tenantID + ":" + provider }

func newFakeCredentialStore(creds ...*models.ExternalCredential) *fakeCredentialStore {
	s := &fakeCredentialStore{creds: map[string]*models.ExternalCredential{}}
	for _, c := range creds {
		s.creds[credKey(c.TenantID, c.Provider)] = c
	}
	return s
}

func (s *fakeCredentialStore) GetForTenant(_ context.Context, tenantID, provider string) (*models.ExternalCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.creds[credKey(tenantID, provider)]; ok {
		copied := *c
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (s *fakeCredentialStore) find(id string) *models.ExternalCredential {
	for _, c := range s.creds {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (s *fakeCredentialStore) SaveRefreshed(_ context.Context, id, accessSecret, refreshSecret string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.find(id)
	c.AccessSecret = accessSecret
	c.RefreshSecret = refreshSecret
	c.ExpiresAt = &expiresAt
	c.Status = models.CredentialStatusActive
	c.RefreshAttempts = 0
	return nil
}

func (s *fakeCredentialStore) MarkRefreshFailed(_ context.Context, id string, status models.CredentialStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.find(id)
	c.Status = status
	c.RefreshAttempts++
	return nil
}

func (s *fakeCredentialStore) Revoke(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.find(id)
	c.AccessSecret = ""
	c.RefreshSecret = ""
	c.Status = models.CredentialStatusRevoked
	return nil
}

type fakeQueueUnlinker struct {
	calls   int
	tenants []string
}

func (q *fakeQueueUnlinker) FailPendingForTenant(_ context.Context, tenantID, _ string) (int64, error) {
	q.calls++
	q.tenants = append(q.tenants, tenantID)
	return 2, nil
}

type fakeTokenClient struct {
	refreshCalls int64
	revokeCalls  int64
	delay        time.Duration
	refreshErr   error
	revokeErr    error
	token        *TokenResponse
}

func (c *fakeTokenClient) Refresh(_ context.Context, _, _ string) (*TokenResponse, error) {
	atomic.AddInt64(&c.refreshCalls, 1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.refreshErr != nil {
		return nil, c.refreshErr
	}
	if c.token != nil {
		return c.token, nil
	}
	return &TokenResponse{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresIn: 3600}, nil
}

func (c *fakeTokenClient) Revoke(_ context.Context, _, _ string) error {
	atomic.AddInt64(&c.revokeCalls, 1)
	return c.revokeErr
}

func testCipher(t *testing.T) *Cipher {
	c, err := NewCipher("unit-test-passphrase")
	require.NoError(t, err)
	return c
}

func storedCredential(t *testing.T, c *Cipher, expiresAt time.Time) *models.ExternalCredential {
	access, err := c.Encrypt("old-access")
	require.NoError(t, err)
	refresh, err := c.Encrypt("old-refresh")
	require.NoError(t, err)
	return &models.ExternalCredential{
		ID:            "cred-1",
		TenantID:      "tenant-1",
		Provider:      "google",
		AccessSecret:  access,
		RefreshSecret: refresh,
		ExpiresAt:     &expiresAt,
		Status:        models.CredentialStatusActive,
	}
}

func newTestManager(t *testing.T, store *fakeCredentialStore, oauth *fakeTokenClient) (*Manager, *fakeQueueUnlinker) {
	queue := &fakeQueueUnlinker{}
	executor := retry.New(retry.Options{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, logger.NewNoOpLogger())
	m := NewManager(store, queue, oauth, testCipher(t), executor, logger.NewNoOpLogger())
	return m, queue
}

func TestIsValid_FailsClosed(t *testing.T) {
	tests := []struct {
		name  string
		creds func(t *testing.T, c *Cipher) []*models.ExternalCredential
	}{
		{
			name:  "no credential stored",
			creds: func(*testing.T, *Cipher) []*models.ExternalCredential { return nil },
		},
		{
			name: "secret cleared",
			creds: func(t *testing.T, c *Cipher) []*models.ExternalCredential {
				cred := storedCredential(t, c, time.Now().Add(time.Hour))
				cred.RefreshSecret = ""
				return []*models.ExternalCredential{cred}
			},
		},
		{
			name: "missing expiry",
			creds: func(t *testing.T, c *Cipher) []*models.ExternalCredential {
				cred := storedCredential(t, c, time.Now())
				cred.ExpiresAt = nil
				return []*models.ExternalCredential{cred}
			},
		},
		{
			name: "revoked credential",
			creds: func(t *testing.T, c *Cipher) []*models.ExternalCredential {
				cred := storedCredential(t, c, time.Now().Add(time.Hour))
				cred.Status = models.CredentialStatusRevoked
				return []*models.ExternalCredential{cred}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cipher := testCipher(t)
			store := newFakeCredentialStore()
			for _, cred := range tt.creds(t, cipher) {
				store.creds[credKey(cred.TenantID, cred.Provider)] = cred
			}
			oauth := &fakeTokenClient{}
			executor := retry.New(retry.Options{MaxRetries: 1, BaseDelay: time.Millisecond}, logger.NewNoOpLogger())
			manager := NewManager(store, &fakeQueueUnlinker{}, oauth, cipher, executor, logger.NewNoOpLogger())

			valid, err := manager.IsValid(context.Background(), "tenant-1", "google")
			require.NoError(t, err)
			assert.False(t, valid)
			assert.Zero(t, atomic.LoadInt64(&oauth.refreshCalls))
		})
	}
}

func TestIsValid_ExpiredCredentialRefreshes(t *testing.T) {
	cipher := testCipher(t)
	store := newFakeCredentialStore(storedCredential(t, cipher, time.Now().Add(-time.Minute)))
	oauth := &fakeTokenClient{}
	executor := retry.New(retry.Options{MaxRetries: 1, BaseDelay: time.Millisecond}, logger.NewNoOpLogger())
	manager := NewManager(store, &fakeQueueUnlinker{}, oauth, cipher, executor, logger.NewNoOpLogger())

	valid, err := manager.IsValid(context.Background(), "tenant-1", "google")
	require.NoError(t, err)
	assert.True(t, valid)
	assert.EqualValues(t, 1, atomic.LoadInt64(&oauth.refreshCalls))

	stored, err := store.GetForTenant(context.Background(), "tenant-1", "google")
	require.NoError(t, err)
	assert.Equal(t, models.CredentialStatusActive, stored.Status)
	assert.True(t, stored.ExpiresAt.After(time.Now().Add(30*time.Minute)))

	token, err := manager.AccessToken(context.Background(), "tenant-1", "google")
	require.NoError(t, err)
	assert.Equal(t, "new-access", token)
}

func TestIsValid_ConcurrentCallsShareOneRefresh(t *testing.T) {
	cipher := testCipher(t)
	store := newFakeCredentialStore(storedCredential(t, cipher, time.Now().Add(-time.Minute)))
	oauth := &fakeTokenClient{delay: 50 * time.Millisecond}
	executor := retry.New(retry.Options{MaxRetries: 1, BaseDelay: time.Millisecond}, logger.NewNoOpLogger())
	manager := NewManager(store, &fakeQueueUnlinker{}, oauth, cipher, executor, logger.NewNoOpLogger())

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			valid, err := manager.IsValid(context.Background(), "tenant-1", "google")
			assert.NoError(t, err)
			results[i] = valid
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt64(&oauth.refreshCalls))
	assert.True(t, results[0])
	assert.True(t, results[1])
}

func TestIsValid_InvalidGrantParksCredential(t *testing.T) {
	cipher := testCipher(t)
	store := newFakeCredentialStore(storedCredential(t, cipher, time.Now().Add(-time.Minute)))
	oauth := &fakeTokenClient{refreshErr: errors.NewCredential("OAUTH_INVALID_GRANT", "refresh token is no longer valid", nil)}
	executor := retry.New(retry.Options{MaxRetries: 1, BaseDelay: time.Millisecond}, logger.NewNoOpLogger())
	manager := NewManager(store, &fakeQueueUnlinker{}, oauth, cipher, executor, logger.NewNoOpLogger())

	valid, err := manager.IsValid(context.Background(), "tenant-1", "google")
	require.NoError(t, err)
	assert.False(t, valid)

	stored, _ := store.GetForTenant(context.Background(), "tenant-1", "google")
	assert.Equal(t, models.CredentialStatusRefreshFailed, stored.Status)
	assert.Equal(t, 1, stored.RefreshAttempts)
}

func TestIsValid_ExhaustedAttemptsSkipRefresh(t *testing.T) {
	cipher := testCipher(t)
	cred := storedCredential(t, cipher, time.Now().Add(-time.Minute))
	cred.RefreshAttempts = DefaultMaxRefreshAttempts
	store := newFakeCredentialStore(cred)
	oauth := &fakeTokenClient{}
	manager, _ := newTestManager(t, store, oauth)

	valid, err := manager.IsValid(context.Background(), "tenant-1", "google")
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Zero(t, atomic.LoadInt64(&oauth.refreshCalls))

	stored, _ := store.GetForTenant(context.Background(), "tenant-1", "google")
	assert.Equal(t, models.CredentialStatusRefreshFailed, stored.Status)
}

func TestIsValid_LookaheadRefreshFailureStaysValid(t *testing.T) {
	cipher := testCipher(t)
	store := newFakeCredentialStore(storedCredential(t, cipher, time.Now().Add(3*time.Minute)))
	oauth := &fakeTokenClient{refreshErr: errors.NewTransient("OAUTH_NETWORK_ERROR", "token request failed", nil)}
	manager, _ := newTestManager(t, store, oauth)

	valid, err := manager.IsValid(context.Background(), "tenant-1", "google")
	require.NoError(t, err)
	assert.True(t, valid)
	assert.NotZero(t, atomic.LoadInt64(&oauth.refreshCalls))

	// The still-usable token remains readable.
	token, err := manager.AccessToken(context.Background(), "tenant-1", "google")
	require.NoError(t, err)
	assert.Equal(t, "old-access", token)
}

func TestRevoke_ClearsSecretsAndUnlinksQueue(t *testing.T) {
	cipher := testCipher(t)
	store := newFakeCredentialStore(storedCredential(t, cipher, time.Now().Add(time.Hour)))
	oauth := &fakeTokenClient{revokeErr: errors.NewTransient("OAUTH_NETWORK_ERROR", "revoke request failed", nil)}
	executor := retry.New(retry.Options{MaxRetries: 1, BaseDelay: time.Millisecond}, logger.NewNoOpLogger())
	queue := &fakeQueueUnlinker{}
	manager := NewManager(store, queue, oauth, cipher, executor, logger.NewNoOpLogger())

	// Provider-side revoke fails; local revocation proceeds anyway.
	require.NoError(t, manager.Revoke(context.Background(), "tenant-1", "google"))

	stored, _ := store.GetForTenant(context.Background(), "tenant-1", "google")
	assert.Equal(t, models.CredentialStatusRevoked, stored.Status)
	assert.Empty(t, stored.AccessSecret)
	assert.Empty(t, stored.RefreshSecret)
	assert.Equal(t, 1, queue.calls)
	assert.Equal(t, []string{"tenant-1"}, queue.tenants)

	valid, err := manager.IsValid(context.Background(), "tenant-1", "google")
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestRevoke_MissingCredentialIsNoOp(t *testing.T) {
	store := newFakeCredentialStore()
	oauth := &fakeTokenClient{}
	manager, queue := newTestManager(t, store, oauth)

	require.NoError(t, manager.Revoke(context.Background(), "tenant-9", "google"))
	assert.Zero(t, queue.calls)
	assert.Zero(t, atomic.LoadInt64(&oauth.revokeCalls))
}
