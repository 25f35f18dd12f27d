package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/saqshy/saqshy/internal/analyzer"
	"github.com/saqshy/saqshy/internal/breaker"
	"github.com/saqshy/saqshy/internal/pkg/logger"
)

// SubscriptionCache caches linked-channel membership lookups. Positive and
// negative results live for an hour; an upstream failure is cached as "not
// subscribed" for five minutes so a broken messaging API is not hammered.
type SubscriptionCache struct {
	store    *Store
	upstream analyzer.ChannelSubscriptionChecker
	brk      *breaker.Breaker
}

// NewSubscriptionCache wraps an upstream membership checker. brk guards the
// upstream lookups and may be nil.
func NewSubscriptionCache(store *Store, upstream analyzer.ChannelSubscriptionChecker, brk *breaker.Breaker) *SubscriptionCache {
	return &SubscriptionCache{store: store, upstream: upstream, brk: brk}
}

// IsSubscribed implements analyzer.ChannelSubscriptionChecker.
func (c *SubscriptionCache) IsSubscribed(ctx context.Context, channelID, userID int64) (bool, *time.Time, error) {
	key := c.store.key("sub", itoa(channelID), itoa(userID))

	var cached string
	hit := false
	_ = c.store.do(ctx, "sub.get", func() error {
		v, err := c.store.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		cached, hit = v, true
		return nil
	})
	if hit {
		return decodeSubscription(cached)
	}

	if c.brk != nil {
		if aerr := c.brk.Allow(); aerr != nil {
			// Open breaker: degrade to non-subscriber without the negative
			// cache entry, so recovery is picked up as soon as it closes.
			return false, nil, nil
		}
	}
	subscribed, since, err := c.upstream.IsSubscribed(ctx, channelID, userID)
	if err != nil {
		if c.brk != nil && ctx.Err() == nil {
			c.brk.Failure()
		}
		logger.Warn("subscription check failed, caching negative",
			"channel_id", channelID, "user_id", userID, "error", err)
		c.set(ctx, key, "0", subErrTTL)
		return false, nil, nil
	}
	if c.brk != nil {
		c.brk.Success()
	}

	c.set(ctx, key, encodeSubscription(subscribed, since), subHitTTL)
	return subscribed, since, nil
}

func (c *SubscriptionCache) set(ctx context.Context, key, value string, ttl time.Duration) {
	_ = c.store.do(ctx, "sub.set", func() error {
		return c.store.rdb.Set(ctx, key, value, ttl).Err()
	})
}

func encodeSubscription(subscribed bool, since *time.Time) string {
	if !subscribed {
		return "0"
	}
	if since == nil {
		return "1|"
	}
	return "1|" + since.UTC().Format(time.RFC3339)
}

func decodeSubscription(v string) (bool, *time.Time, error) {
	if !strings.HasPrefix(v, "1|") {
		return v == "1", nil, nil
	}
	raw := strings.TrimPrefix(v, "1|")
	if raw == "" {
		return true, nil, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return true, nil, nil
	}
	return true, &ts, nil
}
