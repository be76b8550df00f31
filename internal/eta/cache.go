package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"fleet-tracker/internal/transit"
)

// Entry is one cached road estimate from a provider batch.
type Entry struct {
	DistanceMeters float64       `json:"distanceM"`
	Duration       time.Duration `json:"duration"`
	FetchedAt      time.Time     `json:"fetchedAt"`
}

// Cache stores road estimates keyed by destination and vehicle.
type Cache interface {
	Get(ctx context.Context, dest transit.Point, vehicleID string) (Entry, bool, error)
	PutMany(ctx context.Context, dest transit.Point, entries map[string]Entry) error
}

// DestKey rounds to 5 decimals (about 1 m) so passengers standing at the
// same stage share cache entries.
func DestKey(p transit.Point) string {
	return strconv.FormatFloat(p.Lat, 'f', 5, 64) + "," + strconv.FormatFloat(p.Lon, 'f', 5, 64)
}

// MemoryCache is a size- and TTL-bounded LRU local to this process.
type MemoryCache struct {
	lru *expirable.LRU[string, Entry]
}

func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 4096
	}
	return &MemoryCache{lru: expirable.NewLRU[string, Entry](size, nil, ttl)}
}

func memKey(dest transit.Point, vehicleID string) string {
	return DestKey(dest) + "|" + vehicleID
}

func (c *MemoryCache) Get(_ context.Context, dest transit.Point, vehicleID string) (Entry, bool, error) {
	e, ok := c.lru.Get(memKey(dest, vehicleID))
	return e, ok, nil
}

func (c *MemoryCache) PutMany(_ context.Context, dest transit.Point, entries map[string]Entry) error {
	for v, e := range entries {
		c.lru.Add(memKey(dest, v), e)
	}
	return nil
}

func (c *MemoryCache) Len() int { return c.lru.Len() }

const redisKeyPrefix = "eta:%s:%s"

// RedisCache shares road estimates between tracker instances so only one
// of them needs to pay for a provider batch.
type RedisCache struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{redis: client, ttl: ttl}
}

func redisKey(dest transit.Point, vehicleID string) string {
	return fmt.Sprintf(redisKeyPrefix, DestKey(dest), vehicleID)
}

func (c *RedisCache) Get(ctx context.Context, dest transit.Point, vehicleID string) (Entry, bool, error) {
	val, err := c.redis.Get(ctx, redisKey(dest, vehicleID)).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(val, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode eta entry: %w", err)
	}
	return e, true, nil
}

func (c *RedisCache) PutMany(ctx context.Context, dest transit.Point, entries map[string]Entry) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := c.redis.Pipeline()
	for v, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode eta entry: %w", err)
		}
		pipe.Set(ctx, redisKey(dest, v), b, c.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}
