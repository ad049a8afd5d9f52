package models

import "time"

// ReviewStatus tracks what has happened to an ingested customer review.
type ReviewStatus string

const (
	ReviewStatusNew       ReviewStatus = "new"
	ReviewStatusResponded ReviewStatus = "responded"
	ReviewStatusArchived  ReviewStatus = "archived"
)

// Review is a customer review pulled from the external platform. Ingestion
// is out of scope here; the engine only reads these rows and closes them.
type Review struct {
	ID               string       `json:"id"`
	TenantID         string       `json:"tenantId"`
	LocationID       string       `json:"locationId"`
	ExternalReviewID string       `json:"externalReviewId"`
	Rating           int          `json:"rating"`
	Text             string       `json:"text"`
	Author           string       `json:"author"`
	Status           ReviewStatus `json:"status"`
	ArchiveReason    string       `json:"archiveReason,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// SentimentBucket classifies a review by rating for policy selection.
type SentimentBucket string

const (
	SentimentPositive SentimentBucket = "positive"
	SentimentNeutral  SentimentBucket = "neutral"
	SentimentNegative SentimentBucket = "negative"
)

// Sentiment maps the star rating onto a policy bucket: >=4 positive,
// =3 neutral, <=2 negative.
func (r *Review) Sentiment() SentimentBucket {
	switch {
	case r.Rating >= 4:
		return SentimentPositive
	case r.Rating == 3:
		return SentimentNeutral
	default:
		return SentimentNegative
	}
}
