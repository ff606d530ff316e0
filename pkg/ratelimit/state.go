// Package ratelimit bounds the aggregate request rate against the listing
// API. A single Limiter is shared by every worker; a Tracker records
// upstream cooldowns (429 with Retry-After, exhausted quota headers) so all
// callers back off together.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Redis keys for upstream state.
const (
	RedisKeyCooldownUntil = "estate:ratelimit:cooldown_until"
	RedisKeyRemaining     = "estate:ratelimit:remaining"
	RedisKeyResetAt       = "estate:ratelimit:reset_at"
)

// Upstream response headers.
const (
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// QuotaReserve is the remaining-request count at or below which the tracker
// pauses callers until the quota window resets.
const QuotaReserve = 2

// UpstreamState is the rate-limit picture reported by the API.
type UpstreamState struct {
	// Remaining is -1 when the API did not report a quota.
	Remaining     int       `json:"remaining"`
	ResetAt       time.Time `json:"reset_at"`
	CooldownUntil time.Time `json:"cooldown_until"`
	LastUpdate    time.Time `json:"last_update"`
}

// CooldownRemaining returns how long callers must still wait at now.
func (s UpstreamState) CooldownRemaining(now time.Time) time.Duration {
	if d := s.CooldownUntil.Sub(now); d > 0 {
		return d
	}
	return 0
}

// QuotaExhausted reports whether the reported quota is at the reserve.
func (s UpstreamState) QuotaExhausted() bool {
	return s.Remaining >= 0 && s.Remaining <= QuotaReserve
}

// ParseHeaders extracts upstream state from a response. ok is false when
// none of the rate-limit headers are present.
func ParseHeaders(h http.Header, now time.Time) (state UpstreamState, ok bool, err error) {
	state = UpstreamState{Remaining: -1, LastUpdate: now}

	if v := strings.TrimSpace(h.Get(HeaderRemaining)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return state, false, fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
		}
		state.Remaining = n
		ok = true
	}

	if v := strings.TrimSpace(h.Get(HeaderReset)); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return state, false, fmt.Errorf("parse %s header: %w", HeaderReset, err)
		}
		state.ResetAt = now.Add(time.Duration(secs) * time.Second)
		ok = true
	}

	if v := strings.TrimSpace(h.Get(HeaderRetryAfter)); v != "" {
		d, err := ParseRetryAfter(v, now)
		if err != nil {
			return state, false, err
		}
		state.CooldownUntil = now.Add(d)
		ok = true
	}

	if state.QuotaExhausted() && state.ResetAt.After(state.CooldownUntil) {
		state.CooldownUntil = state.ResetAt
	}

	return state, ok, nil
}

// ParseRetryAfter accepts both delay-seconds and HTTP-date forms.
func ParseRetryAfter(v string, now time.Time) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second, nil
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s header %q: %w", HeaderRetryAfter, v, err)
	}
	if d := t.Sub(now); d > 0 {
		return d, nil
	}
	return 0, nil
}
