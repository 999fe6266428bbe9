package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/Polaris/internal/pkg/env"
)

const defaultEntitlementTTL = 5 * time.Minute

// EntitlementCache stores the serialized entitlement view per user. Webhooks
// invalidate the entry; the TTL bounds staleness if an invalidation is lost.
type EntitlementCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewEntitlementCache(rdb redis.Cmdable, ttl time.Duration) *EntitlementCache {
	if ttl <= 0 {
		ttl = defaultEntitlementTTL
	}
	return &EntitlementCache{rdb: rdb, ttl: ttl}
}

// NewEntitlementCacheFromEnv uses the shared client and CACHE_ENTITLEMENT_TTL.
func NewEntitlementCacheFromEnv() *EntitlementCache {
	return NewEntitlementCache(GetClient(), env.GetEnvDuration("CACHE_ENTITLEMENT_TTL", defaultEntitlementTTL))
}

func EntitlementKey(userID string) string {
	return "billing:entitlements:" + userID
}

// Get reports ok=false on a miss.
func (c *EntitlementCache) Get(ctx context.Context, userID string) ([]byte, bool, error) {
	raw, err := c.rdb.Get(ctx, EntitlementKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (c *EntitlementCache) Set(ctx context.Context, userID string, payload []byte) error {
	return c.rdb.Set(ctx, EntitlementKey(userID), payload, c.ttl).Err()
}

func (c *EntitlementCache) Invalidate(ctx context.Context, userID string) error {
	return c.rdb.Del(ctx, EntitlementKey(userID)).Err()
}
