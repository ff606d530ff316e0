package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces checkpoint keys.
const KeyPrefix = "estate:checkpoint"

// RedisPersister keeps the manifest as a JSON string and completed items
// as a set.
type RedisPersister struct {
	redis *redis.Client
}

// NewRedisPersister creates a Redis-backed persister.
func NewRedisPersister(redisClient *redis.Client) (*RedisPersister, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisPersister{redis: redisClient}, nil
}

func manifestKey(runID string) string {
	return KeyPrefix + ":" + runID + ":manifest"
}

func doneKey(runID string) string {
	return KeyPrefix + ":" + runID + ":done"
}

// SaveManifest writes the manifest of m.RunID.
func (r *RedisPersister) SaveManifest(ctx context.Context, m Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := r.redis.Set(ctx, manifestKey(m.RunID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// LoadManifest reads the manifest of runID.
func (r *RedisPersister) LoadManifest(ctx context.Context, runID string) (Manifest, error) {
	data, err := r.redis.Get(ctx, manifestKey(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Manifest{}, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
		}
		return Manifest{}, fmt.Errorf("redis get: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("unmarshal manifest %s: %w", runID, err)
	}
	return m, nil
}

// AddCompleted adds itemID to the done set of runID.
func (r *RedisPersister) AddCompleted(ctx context.Context, runID, itemID string) error {
	if err := r.redis.SAdd(ctx, doneKey(runID), itemID).Err(); err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

// LoadCompleted returns the done set of runID.
func (r *RedisPersister) LoadCompleted(ctx context.Context, runID string) ([]string, error) {
	ids, err := r.redis.SMembers(ctx, doneKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	return ids, nil
}

// ListManifests scans for manifest keys.
func (r *RedisPersister) ListManifests(ctx context.Context) ([]Manifest, error) {
	var out []Manifest
	iter := r.redis.Scan(ctx, 0, KeyPrefix+":*:manifest", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		runID := strings.TrimSuffix(strings.TrimPrefix(key, KeyPrefix+":"), ":manifest")
		m, err := r.LoadManifest(ctx, runID)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return out, nil
}

// Delete removes both keys of runID.
func (r *RedisPersister) Delete(ctx context.Context, runID string) error {
	if err := r.redis.Del(ctx, manifestKey(runID), doneKey(runID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
