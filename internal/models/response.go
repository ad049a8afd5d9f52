package models

import "time"

// ResponseStatus tracks a generated reply. A response may only reach
// published from approved.
type ResponseStatus string

const (
	ResponseStatusDraft     ResponseStatus = "draft"
	ResponseStatusApproved  ResponseStatus = "approved"
	ResponseStatusRejected  ResponseStatus = "rejected"
	ResponseStatusPublished ResponseStatus = "published"
)

// GeneratedResponse is one AI-written reply to a review. ApprovedBy is nil
// when the policy engine auto-approved it.
type GeneratedResponse struct {
	ID          string         `json:"id"`
	ReviewID    string         `json:"reviewId"`
	TenantID    string         `json:"tenantId"`
	Text        string         `json:"text"`
	Model       string         `json:"model,omitempty"`
	Status      ResponseStatus `json:"status"`
	Confidence  float64        `json:"confidence"`
	Quality     float64        `json:"quality"`
	ApprovedBy  *string        `json:"approvedBy,omitempty"`
	PublishedAt *time.Time     `json:"publishedAt,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// IsApproved reports whether the response may move toward publication,
// whether by policy or by a human.
func (r *GeneratedResponse) IsApproved() bool {
	return r.Status == ResponseStatusApproved
}

// ManuallyApproved reports whether a human signed off on the response.
func (r *GeneratedResponse) ManuallyApproved() bool {
	return r.ApprovedBy != nil && *r.ApprovedBy != ""
}
