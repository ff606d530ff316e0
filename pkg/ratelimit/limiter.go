package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var (
	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "estate_ratelimit_wait_seconds",
		Help:    "Time spent waiting for the shared request limiter",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	rateLimitTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "estate_ratelimit_timeouts_total",
		Help: "Limiter waits that exceeded their deadline",
	})
)

// ErrWaitTimeout is returned when a token could not be obtained within the
// configured maximum wait. Callers treat it as a transient failure.
var ErrWaitTimeout = errors.New("rate limiter wait exceeded deadline")

// Config holds limiter configuration.
type Config struct {
	// RequestsPerSecond is the aggregate ceiling across all workers.
	RequestsPerSecond float64
	// Burst is the bucket size. Defaults to 1.
	Burst int
	// MaxWait bounds a single Wait call.
	MaxWait time.Duration
}

// DefaultConfig returns a conservative configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 5,
		Burst:             1,
		MaxWait:           30 * time.Second,
	}
}

// Limiter is the process-wide token bucket. It is safe for concurrent use.
type Limiter struct {
	bucket  *rate.Limiter
	maxWait time.Duration
	tracker *Tracker
}

// NewLimiter creates a limiter. tracker may be nil.
func NewLimiter(cfg Config, tracker *Tracker) (*Limiter, error) {
	if cfg.RequestsPerSecond <= 0 {
		return nil, fmt.Errorf("requests per second must be > 0 (got %v)", cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultConfig().MaxWait
	}

	return &Limiter{
		bucket:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		maxWait: cfg.MaxWait,
		tracker: tracker,
	}, nil
}

// Wait blocks until one request may be sent, an upstream cooldown has
// passed, or the wait deadline expires.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	defer func() {
		rateLimitWaitSeconds.Observe(time.Since(start).Seconds())
	}()

	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	if l.tracker != nil {
		if d := l.tracker.CooldownRemaining(waitCtx); d > 0 {
			if d > l.maxWait {
				rateLimitTimeoutsTotal.Inc()
				return fmt.Errorf("%w: upstream cooldown of %s", ErrWaitTimeout, d.Round(time.Millisecond))
			}
			timer := time.NewTimer(d)
			select {
			case <-waitCtx.Done():
				timer.Stop()
				return l.waitErr(ctx, waitCtx.Err())
			case <-timer.C:
			}
		}
	}

	if err := l.bucket.Wait(waitCtx); err != nil {
		return l.waitErr(ctx, err)
	}
	return nil
}

func (l *Limiter) waitErr(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	rateLimitTimeoutsTotal.Inc()
	return fmt.Errorf("%w: %v", ErrWaitTimeout, err)
}

// SetRate changes the aggregate ceiling at runtime.
func (l *Limiter) SetRate(rps float64) {
	if rps > 0 {
		l.bucket.SetLimit(rate.Limit(rps))
	}
}

// Rate returns the current ceiling in requests per second.
func (l *Limiter) Rate() float64 {
	return float64(l.bucket.Limit())
}
