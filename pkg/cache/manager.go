package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the stored value is not a count.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Manager caches counts in Redis.
type Manager struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewManager creates a count cache with the given entry TTL.
func NewManager(redisClient *redis.Client, ttl time.Duration) (*Manager, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be > 0 (got %s)", ttl)
	}
	return &Manager{redis: redisClient, ttl: ttl}, nil
}

// GetCount returns the cached count for key.
func (m *Manager) GetCount(ctx context.Context, key CacheKey) (int, error) {
	raw, err := m.redis.Get(ctx, key.String()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.Inc()
			return 0, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return 0, fmt.Errorf("redis get: %w", err)
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		CacheErrors.WithLabelValues("get").Inc()
		_ = m.Delete(ctx, key)
		return 0, fmt.Errorf("%w: %q", ErrInvalidEntry, raw)
	}

	CacheHits.Inc()
	return n, nil
}

// SetCount stores n under key for the manager's TTL.
func (m *Manager) SetCount(ctx context.Context, key CacheKey, n int) error {
	if n < 0 {
		return fmt.Errorf("count must be >= 0 (got %d)", n)
	}
	if err := m.redis.Set(ctx, key.String(), n, m.ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes a cached count.
func (m *Manager) Delete(ctx context.Context, key CacheKey) error {
	if err := m.redis.Del(ctx, key.String()).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// TTL returns the entry lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}
