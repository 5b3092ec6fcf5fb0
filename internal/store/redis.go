package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dynoai/dynoai/internal/analysis"
)

const redisKeyPrefix = "dynoai:payload:"

// RedisCache is a Redis-backed payload cache for multi-instance
// deployments. Entries expire after the configured TTL so abandoned runs
// do not accumulate.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	mu     sync.Mutex
}

var _ analysis.Cache = (*RedisCache)(nil)

// NewRedisCache connects to Redis and verifies the connection. A zero ttl
// defaults to 24 hours.
func NewRedisCache(addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	if addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if db < 0 {
		return nil, errors.New("redis database number must be >= 0")
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	return &RedisCache{client: client, ttl: ttl}, nil
}

// Get returns the cached payload for a run. Absence is (nil, false, nil).
func (r *RedisCache) Get(ctx context.Context, runID string) (*analysis.CachedResult, bool, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+runID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get payload %s from redis: %w", runID, err)
	}
	var res analysis.CachedResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, false, fmt.Errorf("decode cached payload %s: %w", runID, err)
	}
	return &res, true, nil
}

// Put stores a payload with the cache TTL, replacing any previous entry.
func (r *RedisCache) Put(ctx context.Context, runID string, res *analysis.CachedResult) error {
	if res == nil {
		return fmt.Errorf("put payload %s: nil result", runID)
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode cached payload %s: %w", runID, err)
	}
	if err := r.client.Set(ctx, redisKeyPrefix+runID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("put payload %s in redis: %w", runID, err)
	}
	return nil
}

// Invalidate drops the cached payload for a run. Absence is not an error.
func (r *RedisCache) Invalidate(ctx context.Context, runID string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+runID).Err(); err != nil {
		return fmt.Errorf("invalidate payload %s in redis: %w", runID, err)
	}
	return nil
}

// Ping checks the Redis connection health.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client. Safe to call more than once.
func (r *RedisCache) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	if err != nil && err.Error() == "redis: client is closed" {
		return nil
	}
	return err
}
