// Package genai calls the text-generation service that drafts review
// replies. The model itself is opaque: the client sends review text plus
// tenant settings and gets back text with confidence/quality scores.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"reviewflow/internal/common/errors"
)

// GenerationRequest carries the review and the tenant's reply settings.
type GenerationRequest struct {
	ReviewText     string                 `json:"reviewText"`
	Rating         int                    `json:"rating"`
	ReviewerName   string                 `json:"reviewerName,omitempty"`
	BusinessName   string                 `json:"businessName,omitempty"`
	TenantSettings map[string]interface{} `json:"tenantSettings,omitempty"`
}

// GenerationResult is the drafted reply with the service's self-assessed
// scores, consumed by the approval gates downstream.
type GenerationResult struct {
	Text       string  `json:"text"`
	Model      string  `json:"model"`
	Confidence float64 `json:"confidence"`
	Quality    float64 `json:"quality"`
	Usage      struct {
		PromptTokens     int `json:"promptTokens"`
		CompletionTokens int `json:"completionTokens"`
	} `json:"usage"`
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Generate drafts a reply for one review. Failures carry a structured kind
// so the retry executor can tell a 503 from a rejected prompt.
func (c *Client) Generate(ctx context.Context, req *GenerationRequest) (*GenerationResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.NewTerminal("GENAI_SERIALIZATION_ERROR", "failed to serialize generation request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/ai/generate", bytes.NewBuffer(body))
	if err != nil {
		return nil, errors.NewTerminal("GENAI_REQUEST_ERROR", "failed to build generation request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.NewTransient("GENAI_NETWORK_ERROR", "generation request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.FromHTTPStatus("generation service", resp.StatusCode)
	}

	var result GenerationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.NewTerminal("GENAI_DECODE_ERROR", "failed to decode generation response", err)
	}
	if result.Text == "" {
		return nil, errors.NewTerminal("GENAI_EMPTY_RESPONSE", "generation service returned no text", nil)
	}
	return &result, nil
}
