package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	upstreamCooldownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "estate_upstream_cooldowns_total",
		Help: "Upstream cooldowns recorded from Retry-After or exhausted quota",
	})

	upstreamRequestsRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "estate_upstream_requests_remaining",
		Help: "Last X-RateLimit-Remaining value reported by the API",
	})
)

// Tracker stores upstream cooldowns. With a Redis client the state is
// shared by every estate-sync process pointed at the same Redis; without
// one it lives in memory.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	local UpstreamState
}

// NewTracker creates a tracker. redisClient may be nil.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
		now:    time.Now,
		local:  UpstreamState{Remaining: -1},
	}
}

// UpdateFromHeaders records the rate-limit headers of a response.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	state, ok, err := ParseHeaders(headers, t.now())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if state.Remaining >= 0 {
		upstreamRequestsRemaining.Set(float64(state.Remaining))
	}

	cooldown := state.CooldownRemaining(state.LastUpdate)
	if cooldown > 0 {
		upstreamCooldownsTotal.Inc()
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Dur("cooldown", cooldown).
			Msg("Upstream asked us to back off")
	}

	t.mu.Lock()
	if state.CooldownUntil.Before(t.local.CooldownUntil) {
		state.CooldownUntil = t.local.CooldownUntil
	}
	t.local = state
	t.mu.Unlock()

	if t.redis == nil {
		return nil
	}

	pipe := t.redis.Pipeline()
	if state.Remaining >= 0 {
		pipe.Set(ctx, RedisKeyRemaining, state.Remaining, time.Hour)
	}
	if !state.ResetAt.IsZero() {
		pipe.Set(ctx, RedisKeyResetAt, state.ResetAt.UnixMilli(), time.Hour)
	}
	if cooldown > 0 {
		pipe.Set(ctx, RedisKeyCooldownUntil, state.CooldownUntil.UnixMilli(), cooldown)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store upstream state in redis: %w", err)
	}
	return nil
}

// CooldownRemaining returns how long the caller should wait before the
// next request. Redis errors fall back to the local view.
func (t *Tracker) CooldownRemaining(ctx context.Context) time.Duration {
	now := t.now()

	t.mu.Lock()
	local := t.local.CooldownRemaining(now)
	t.mu.Unlock()

	if t.redis == nil {
		return local
	}

	ms, err := t.redis.Get(ctx, RedisKeyCooldownUntil).Int64()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			t.logger.Debug().Err(err).Msg("Cooldown lookup failed, using local state")
		}
		return local
	}

	shared := time.UnixMilli(ms).Sub(now)
	if shared > local {
		return shared
	}
	return local
}

// State returns the last state seen by this process.
func (t *Tracker) State() UpstreamState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}
