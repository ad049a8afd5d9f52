// Package platform is the adapter for the external review platform's reply
// API. Every failure is classified into a structured kind (NotFound,
// RateLimited, Transient, Auth) at this boundary; nothing downstream parses
// message text.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"reviewflow/internal/common/errors"
)

// PublishRequest posts one reply to an external review.
type PublishRequest struct {
	ExternalReviewID string `json:"externalReviewId"`
	Text             string `json:"text"`
}

// PublishResult reports the provider-side identifiers of the posted reply.
type PublishResult struct {
	ExternalReplyID string    `json:"externalReplyId"`
	PublishedAt     time.Time `json:"publishedAt"`
}

// TokenSource supplies a fresh access token per call so a mid-batch refresh
// is picked up without rebuilding the client.
type TokenSource interface {
	AccessToken(ctx context.Context, tenantID, provider string) (string, error)
}

type Client struct {
	baseURL    string
	provider   string
	tokens     TokenSource
	httpClient *http.Client
}

func NewClient(baseURL, provider string, tokens TokenSource, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		provider:   provider,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Publish posts the reply on behalf of the tenant. A 404 from the platform
// means the review is gone and the caller must stop retrying it.
func (c *Client) Publish(ctx context.Context, tenantID string, req *PublishRequest) (*PublishResult, error) {
	token, err := c.tokens.AccessToken(ctx, tenantID, c.provider)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.NewTerminal("PLATFORM_SERIALIZATION_ERROR", "failed to serialize publish request", err)
	}

	url := fmt.Sprintf("%s/v1/reviews/%s/reply", c.baseURL, req.ExternalReviewID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, errors.NewTerminal("PLATFORM_REQUEST_ERROR", "failed to build publish request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.NewTransient("PLATFORM_NETWORK_ERROR", "publish request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		stdErr := errors.FromHTTPStatus("review platform", resp.StatusCode)
		stdErr.WithMetadata("externalReviewId", req.ExternalReviewID)
		return nil, stdErr
	}

	var result PublishResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.NewTerminal("PLATFORM_DECODE_ERROR", "failed to decode publish response", err)
	}
	if result.PublishedAt.IsZero() {
		result.PublishedAt = time.Now().UTC()
	}
	return &result, nil
}
