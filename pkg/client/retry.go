package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	apiRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "estate_api_retries_total",
		Help: "Retry attempts by error class",
	}, []string{"error_class"})

	apiRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "estate_api_retry_backoff_seconds",
		Help:    "Backoff before a retry by error class",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	apiRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "estate_api_retry_exhausted_total",
		Help: "Requests that used every attempt, by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for the retry loop.
type RetryConfig struct {
	// MaxAttempts includes the initial request.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// Jitter is the randomization factor applied to each delay (0.2 = ±20%).
	Jitter float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

func (rc RetryConfig) schedule() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     rc.InitialBackoff,
		RandomizationFactor: rc.Jitter,
		Multiplier:          rc.Multiplier,
		MaxInterval:         rc.MaxBackoff,
	}
	b.Reset()
	return b
}

// attemptError is returned by one attempt. retryAfter, when set, is a
// server-requested minimum delay.
type attemptError struct {
	*FetchError
	retryAfter time.Duration
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryWithBackoff runs attempt until it succeeds, fails with a
// non-transient error, or MaxAttempts is reached. The delay schedule is
// exponential with jitter; a Retry-After from the server raises the floor.
func (c *Client) retryWithBackoff(ctx context.Context, endpoint string, attempt func(ctx context.Context) error) error {
	cfg := c.config.Retry
	schedule := cfg.schedule()

	var last *FetchError
	for n := 1; ; n++ {
		err := attempt(ctx)
		if err == nil {
			if n > 1 {
				c.logger.Info().
					Str("endpoint", endpoint).
					Int("attempt", n).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		var ae *attemptError
		if !errors.As(err, &ae) {
			return err
		}
		ae.FetchError.Attempts = n
		last = ae.FetchError
		if !last.Class.Transient() {
			return last
		}
		if n >= cfg.MaxAttempts {
			break
		}

		delay := schedule.NextBackOff()
		if ae.retryAfter > delay {
			delay = ae.retryAfter
		}

		apiRetriesTotal.WithLabelValues(string(last.Class)).Inc()
		apiRetryBackoffSeconds.WithLabelValues(string(last.Class)).Observe(delay.Seconds())
		c.logger.Debug().
			Str("endpoint", endpoint).
			Str("error_class", string(last.Class)).
			Int("status_code", last.StatusCode).
			Int("attempt", n).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")

		if err := c.sleep(ctx, delay); err != nil {
			c.logger.Warn().
				Str("endpoint", endpoint).
				Int("attempt", n).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}
	}

	apiRetryExhaustedTotal.WithLabelValues(string(last.Class)).Inc()
	c.logger.Warn().
		Str("endpoint", endpoint).
		Str("error_class", string(last.Class)).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("Retry attempts exhausted")

	return &FetchError{
		Class:      last.Class,
		StatusCode: last.StatusCode,
		Endpoint:   endpoint,
		Attempts:   cfg.MaxAttempts,
		Err:        fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, cfg.MaxAttempts, last.Err),
	}
}
