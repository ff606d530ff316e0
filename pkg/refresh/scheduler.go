package refresh

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/estate-sync/pkg/store"
)

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// Cadences is the minimum time between two starts of a policy. Policies
	// without a positive cadence are never scheduled.
	Cadences map[Policy]time.Duration

	// PollInterval is how often due policies are checked.
	PollInterval time.Duration
	// Jitter is the maximum random offset applied to PollInterval.
	Jitter time.Duration

	// Template supplies everything but the policy of scheduled runs.
	Template RunConfig

	Logger zerolog.Logger
}

// Scheduler starts due policies one at a time.
type Scheduler struct {
	orch   *Orchestrator
	store  store.Store
	config SchedulerConfig
	logger zerolog.Logger
	clock  func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler driving orch.
func NewScheduler(orch *Orchestrator, st store.Store, cfg SchedulerConfig) (*Scheduler, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be > 0 (got %s)", cfg.PollInterval)
	}
	if cfg.Jitter < 0 || cfg.Jitter >= cfg.PollInterval {
		cfg.Jitter = cfg.PollInterval / 10
	}
	return &Scheduler{
		orch:   orch,
		store:  st,
		config: cfg,
		logger: cfg.Logger.With().Str("component", "scheduler").Logger(),
		clock:  orch.config.Clock,
	}, nil
}

func (s *Scheduler) interval() time.Duration {
	if s.config.Jitter <= 0 {
		return s.config.PollInterval
	}
	//nolint:gosec // G404: polling jitter does not need a secure source
	offset := time.Duration(rand.Int64N(int64(2*s.config.Jitter))) - s.config.Jitter
	return s.config.PollInterval + offset
}

// Due returns the first policy, in Policies order, whose cadence has
// elapsed since its last start.
func (s *Scheduler) Due(ctx context.Context) (Policy, bool, error) {
	latest, err := s.store.LatestRuns(ctx)
	if err != nil {
		return "", false, fmt.Errorf("latest runs: %w", err)
	}
	now := s.clock()
	for _, p := range Policies() {
		cadence := s.config.Cadences[p]
		if cadence <= 0 {
			continue
		}
		last, ok := latest[string(p)]
		if !ok || now.Sub(last.StartedAt) >= cadence {
			return p, true, nil
		}
	}
	return "", false, nil
}

// Start runs the polling loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	defer func() {
		cancel()
		close(done)
		s.logger.Info().Msg("Scheduler stopped")
	}()

	interval := s.interval()
	s.logger.Info().
		Dur("base_interval", s.config.PollInterval).
		Dur("actual_interval", interval).
		Msg("Scheduler started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.tick(schedCtx)
	for {
		select {
		case <-ticker.C:
			s.tick(schedCtx)
			ticker.Reset(s.interval())
		case <-schedCtx.Done():
			return nil
		}
	}
}

// Stop cancels the loop and waits for the active run to wind down.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// tick starts at most one due policy and waits for it.
func (s *Scheduler) tick(ctx context.Context) {
	policy, due, err := s.Due(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Checking due policies failed")
		return
	}
	if !due {
		s.logger.Debug().Msg("No policy due")
		return
	}

	rc := s.config.Template
	rc.Policy = policy
	rc.ResumeRunID = ""

	s.logger.Info().Str("policy", string(policy)).Msg("Starting scheduled run")
	summary, err := s.orch.Run(ctx, rc)
	switch {
	case errors.Is(err, ErrRunInProgress):
		s.logger.Info().Str("policy", string(policy)).Msg("Run in progress, deferring")
	case err != nil:
		s.logger.Error().Err(err).Str("policy", string(policy)).Str("run_id", summary.RunID).Msg("Scheduled run failed")
	}
}
