package counter

import (
	"context"
	"strconv"

	"github.com/cardlinkhq/cardlink/internal/pkg/cache"
)

const (
	webhookProcessedKey = "billing:counters:webhook_processed"
	webhookFailedKey    = "billing:counters:webhook_failed"
)

// AddWebhookProcessed increments the processed counter for an event type in Redis
func AddWebhookProcessed(eventType string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, webhookProcessedKey, eventType, 1).Err()
}

// AddWebhookFailed increments the failure counter for an event type in Redis
func AddWebhookFailed(eventType string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, webhookFailedKey, eventType, 1).Err()
}

// WebhookStats holds per-event-type counters for the ops endpoint.
type WebhookStats struct {
	Processed map[string]int64 `json:"processed"`
	Failed    map[string]int64 `json:"failed"`
}

// GetWebhookStats reads the current counters. Missing keys yield empty maps.
func GetWebhookStats() (WebhookStats, error) {
	ctx := context.Background()
	rdb := cache.GetClient()

	stats := WebhookStats{
		Processed: map[string]int64{},
		Failed:    map[string]int64{},
	}

	processed, err := rdb.HGetAll(ctx, webhookProcessedKey).Result()
	if err != nil {
		return stats, err
	}
	for field, v := range processed {
		if n, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			stats.Processed[field] = n
		}
	}

	failed, err := rdb.HGetAll(ctx, webhookFailedKey).Result()
	if err != nil {
		return stats, err
	}
	for field, v := range failed {
		if n, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			stats.Failed[field] = n
		}
	}
	return stats, nil
}
