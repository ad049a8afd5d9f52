package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"reviewflow/internal/common/config"
	"reviewflow/internal/common/errors"
)

// TokenResponse holds the response from a provider's token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

type oauthErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// OAuthClient exchanges refresh tokens against the providers configured in
// oauth.providers. One client serves all providers; the provider name picks
// the endpoint and client credentials.
type OAuthClient struct {
	providers  map[string]config.OAuthProviderConfig
	httpClient *http.Client
}

func NewOAuthClient(providers map[string]config.OAuthProviderConfig) *OAuthClient {
	return &OAuthClient{
		providers:  providers,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Refresh performs the refresh_token grant. An invalid_grant response means
// the refresh token itself is dead and re-authorization is required; that is
// a credential error, not a transient one.
func (c *OAuthClient) Refresh(ctx context.Context, provider, refreshToken string) (*TokenResponse, error) {
	cfg, ok := c.providers[provider]
	if !ok || cfg.TokenURL == "" {
		return nil, errors.NewTerminal("OAUTH_PROVIDER_UNKNOWN",
			fmt.Sprintf("no oauth configuration for provider %q", provider), nil)
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", cfg.ClientID)
	data.Set("client_secret", cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, errors.NewTerminal("OAUTH_REQUEST_ERROR", "failed to build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.NewTransient("OAUTH_NETWORK_ERROR", "token request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewTransient("OAUTH_READ_ERROR", "failed to read token response", err)
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr oauthErrorBody
		_ = json.Unmarshal(body, &oauthErr)
		if oauthErr.Error == "invalid_grant" {
			e := errors.NewCredential("OAUTH_INVALID_GRANT", "refresh token is no longer valid", nil)
			e.Details = oauthErr.ErrorDescription
			return nil, e
		}
		stdErr := errors.FromHTTPStatus("oauth token endpoint", resp.StatusCode)
		stdErr.Details = string(body)
		return nil, stdErr
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, errors.NewTerminal("OAUTH_DECODE_ERROR", "failed to decode token response", err)
	}
	if token.AccessToken == "" {
		return nil, errors.NewTerminal("OAUTH_EMPTY_TOKEN", "token endpoint returned no access token", nil)
	}
	return &token, nil
}

// Revoke tells the provider to invalidate the token. Providers without a
// revocation endpoint are a no-op; local cleanup still happens either way.
func (c *OAuthClient) Revoke(ctx context.Context, provider, token string) error {
	cfg, ok := c.providers[provider]
	if !ok || cfg.RevokeURL == "" {
		return nil
	}

	data := url.Values{}
	data.Set("token", token)
	data.Set("client_id", cfg.ClientID)
	data.Set("client_secret", cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.RevokeURL, strings.NewReader(data.Encode()))
	if err != nil {
		return errors.NewTerminal("OAUTH_REQUEST_ERROR", "failed to build revoke request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.NewTransient("OAUTH_NETWORK_ERROR", "revoke request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return errors.FromHTTPStatus("oauth revoke endpoint", resp.StatusCode)
	}
	return nil
}
