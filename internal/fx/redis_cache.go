package fx

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateCache caches the latest quorum-aggregated mid-rate per pair in
// Redis, so repeated rate locks for a hot pair within the freshness window
// can skip re-polling every provider.
type RedisRateCache struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisRateCache creates a Redis-backed RateCache.
func NewRedisRateCache(client *redis.Client, keyPrefix string) *RedisRateCache {
	if keyPrefix == "" {
		keyPrefix = "fx:rate:"
	}
	return &RedisRateCache{client: client, keyPrefix: keyPrefix}
}

func (c *RedisRateCache) key(pair string) string {
	return c.keyPrefix + pair
}

func (c *RedisRateCache) Get(ctx context.Context, pair string) (float64, int, bool, error) {
	val, err := c.client.Get(ctx, c.key(pair)).Result()
	if err == redis.Nil {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("fx: redis cache get: %w", err)
	}

	mid, count, ok := parseCachedValue(val)
	if !ok {
		return 0, 0, false, nil
	}
	return mid, count, true, nil
}

func (c *RedisRateCache) Set(ctx context.Context, pair string, mid float64, providerCount int, ttl time.Duration) error {
	val := formatCachedValue(mid, providerCount)
	return c.client.Set(ctx, c.key(pair), val, ttl).Err()
}

func formatCachedValue(mid float64, providerCount int) string {
	return strconv.FormatFloat(mid, 'f', -1, 64) + "|" + strconv.Itoa(providerCount)
}

func parseCachedValue(val string) (float64, int, bool) {
	parts := strings.SplitN(val, "|", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	mid, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, 0, false
	}
	count, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}
	return mid, count, true
}
