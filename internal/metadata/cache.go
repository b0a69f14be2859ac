package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/EmeraldPi/Dispatcharr/internal/models"
)

const cacheTTL = 6 * time.Hour

// Cache wraps a provider with a shared Redis cache so repeated scans of the
// same titles do not hammer the provider. Misses are not cached. A broken
// cache degrades to direct lookups.
type Cache struct {
	provider Provider
	redis    *redis.Client
}

func NewCache(provider Provider, redisClient *redis.Client) *Cache {
	return &Cache{provider: provider, redis: redisClient}
}

func (c *Cache) Name() string { return c.provider.Name() }

func (c *Cache) Lookup(ctx context.Context, kind models.ItemType, title string, year *int) (*Result, error) {
	key := cacheKey(kind, title, year)

	if c.redis != nil {
		data, err := c.redis.Get(ctx, key).Bytes()
		if err == nil {
			var cached Result
			if json.Unmarshal(data, &cached) == nil {
				return &cached, nil
			}
		} else if err != redis.Nil {
			log.Printf("Metadata: cache read failed: %v", err)
		}
	}

	result, err := c.provider.Lookup(ctx, kind, title, year)
	if err != nil {
		return nil, err
	}

	if c.redis != nil {
		if data, err := json.Marshal(result); err == nil {
			if err := c.redis.Set(ctx, key, data, cacheTTL).Err(); err != nil {
				log.Printf("Metadata: cache write failed: %v", err)
			}
		}
	}
	return result, nil
}

func cacheKey(kind models.ItemType, title string, year *int) string {
	yearKey := "none"
	if year != nil {
		yearKey = strconv.Itoa(*year)
	}
	return fmt.Sprintf("media-metadata:%s:%s:%s", kind, models.NormalizeTitle(title), yearKey)
}
