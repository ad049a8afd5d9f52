package models

import (
	"strings"
	"time"
)

// WorkingHours is one weekday's publish window in the tenant's timezone,
// "HH:MM" 24h format.
type WorkingHours struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// ApprovalPolicy is the per-tenant/location configuration the approval
// engine reads. The orchestrator never writes these rows.
type ApprovalPolicy struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenantId"`
	LocationID string `json:"locationId,omitempty"`

	AutoPublishEnabled  bool `json:"autoPublishEnabled"`
	AutoPublishPositive bool `json:"autoPublishPositive"`
	AutoPublishNeutral  bool `json:"autoPublishNeutral"`
	AutoPublishNegative bool `json:"autoPublishNegative"`

	MinConfidence float64 `json:"minConfidence"`
	MinQuality    float64 `json:"minQuality"`
	MaxLength     int     `json:"maxLength"`

	ExcludedKeywords []string `json:"excludedKeywords,omitempty"`

	HourlyLimit int `json:"hourlyLimit"`
	DailyLimit  int `json:"dailyLimit"`

	WorkingHoursOnly bool                    `json:"workingHoursOnly"`
	WorkingHours     map[string]WorkingHours `json:"workingHours,omitempty"` // keyed by lowercase weekday or "default"
	Timezone         string                  `json:"timezone,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BucketEnabled returns the auto-publish flag for a sentiment bucket.
func (p *ApprovalPolicy) BucketEnabled(bucket SentimentBucket) bool {
	switch bucket {
	case SentimentPositive:
		return p.AutoPublishPositive
	case SentimentNeutral:
		return p.AutoPublishNeutral
	case SentimentNegative:
		return p.AutoPublishNegative
	}
	return false
}

// WindowFor returns the working-hours window for a weekday, falling back to
// the "default" bucket.
func (p *ApprovalPolicy) WindowFor(weekday time.Weekday) (WorkingHours, bool) {
	if p.WorkingHours == nil {
		return WorkingHours{}, false
	}
	if w, ok := p.WorkingHours[strings.ToLower(weekday.String())]; ok {
		return w, true
	}
	if w, ok := p.WorkingHours["default"]; ok {
		return w, true
	}
	return WorkingHours{}, false
}
