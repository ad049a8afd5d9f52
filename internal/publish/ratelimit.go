package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"reviewflow/internal/common/errors"
)

// RateLimiter counts successful publishes per tenant over trailing 1-hour
// and 24-hour windows in a Redis sorted set keyed by publish time.
type RateLimiter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client, now: time.Now}
}

func publishesKey(tenantID string) string {
	return "reviewflow:publishes:" + tenantID
}

// Allow checks both windows against the given limits and returns a
// rate-limited error when either is already met. The error is terminal for
// the in-process retry executor; the queue's cross-cycle backoff picks the
// attempt up later.
func (l *RateLimiter) Allow(ctx context.Context, tenantID string, hourlyLimit, dailyLimit int) error {
	now := l.now()
	key := publishesKey(tenantID)

	// Drop entries older than the widest window before counting.
	dayAgo := now.Add(-24 * time.Hour)
	if err := l.client.ZRemRangeByScore(ctx, key, "0", formatScore(dayAgo)).Err(); err != nil {
		return fmt.Errorf("trim publish window: %w", err)
	}

	daily, err := l.client.ZCount(ctx, key, formatScore(dayAgo), "+inf").Result()
	if err != nil {
		return fmt.Errorf("count daily publishes: %w", err)
	}
	if dailyLimit > 0 && daily >= int64(dailyLimit) {
		e := errors.NewRateLimited("PUBLISH_DAILY_LIMIT", "daily publish limit reached")
		return e.WithMetadata("tenantId", tenantID).WithMetadata("limit", dailyLimit)
	}

	hourAgo := now.Add(-time.Hour)
	hourly, err := l.client.ZCount(ctx, key, formatScore(hourAgo), "+inf").Result()
	if err != nil {
		return fmt.Errorf("count hourly publishes: %w", err)
	}
	if hourlyLimit > 0 && hourly >= int64(hourlyLimit) {
		e := errors.NewRateLimited("PUBLISH_HOURLY_LIMIT", "hourly publish limit reached")
		return e.WithMetadata("tenantId", tenantID).WithMetadata("limit", hourlyLimit)
	}

	return nil
}

// RecordPublish adds one successful publish to the tenant's window.
func (l *RateLimiter) RecordPublish(ctx context.Context, tenantID string) error {
	now := l.now()
	key := publishesKey(tenantID)

	if err := l.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: uuid.NewString(),
	}).Err(); err != nil {
		return fmt.Errorf("record publish: %w", err)
	}
	// The set is self-trimming on reads; the TTL only cleans up idle tenants.
	return l.client.Expire(ctx, key, 25*time.Hour).Err()
}

func formatScore(t time.Time) string {
	return fmt.Sprintf("%d", t.UnixMilli())
}
