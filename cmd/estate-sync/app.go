package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/estate-sync/pkg/boundary"
	"github.com/Sternrassler/estate-sync/pkg/cache"
	"github.com/Sternrassler/estate-sync/pkg/checkpoint"
	"github.com/Sternrassler/estate-sync/pkg/client"
	"github.com/Sternrassler/estate-sync/pkg/config"
	"github.com/Sternrassler/estate-sync/pkg/logging"
	"github.com/Sternrassler/estate-sync/pkg/pagination"
	"github.com/Sternrassler/estate-sync/pkg/ratelimit"
	"github.com/Sternrassler/estate-sync/pkg/refresh"
	"github.com/Sternrassler/estate-sync/pkg/store"
)

// app holds the wired pipeline for one command invocation.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	redis   *redis.Client
	store   store.Store
	limiter *ratelimit.Limiter
	orch    *refresh.Orchestrator

	// scratch holds the checkpoints of a dry run.
	scratch string
}

func newApp(ctx context.Context, cfg *config.Config, dryRun bool) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logging.NewLogger("cli"),
	}
	if err := a.init(ctx, dryRun); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context, dryRun bool) error {
	cfg := a.cfg

	if cfg.Redis.Enabled() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		a.logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	}

	tracker := ratelimit.NewTracker(a.redis, logging.NewLogger("ratelimit"))
	limiter, err := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		MaxWait:           cfg.RateLimit.MaxWait,
	}, tracker)
	if err != nil {
		return fmt.Errorf("create rate limiter: %w", err)
	}
	a.limiter = limiter

	retry := client.DefaultRetryConfig()
	retry.MaxAttempts = cfg.API.Retry.MaxAttempts
	if cfg.API.Retry.InitialBackoff > 0 {
		retry.InitialBackoff = cfg.API.Retry.InitialBackoff
	}
	if cfg.API.Retry.MaxBackoff > 0 {
		retry.MaxBackoff = cfg.API.Retry.MaxBackoff
	}
	if cfg.API.Retry.Multiplier > 0 {
		retry.Multiplier = cfg.API.Retry.Multiplier
	}
	apiClient, err := client.New(client.Config{
		BaseURL:     cfg.API.BaseURL,
		UserAgent:   cfg.API.UserAgent,
		PerPage:     cfg.API.PerPage,
		PageCeiling: cfg.API.PageCeiling,
		Timeout:     cfg.API.Timeout,
		Retry:       retry,
		Limiter:     limiter,
		Tracker:     tracker,
		Logger:      logging.NewLogger("client"),
	})
	if err != nil {
		return fmt.Errorf("create api client: %w", err)
	}

	scope, err := loadBoundaries(cfg.Boundaries)
	if err != nil {
		return err
	}
	a.logger.Info().Int("municipalities", scope.Len()).Msg("Boundary data loaded")

	if dryRun {
		a.store = store.NewMemory()
		a.logger.Warn().Msg("Dry run: records are kept in memory and discarded on exit")
	} else {
		if cfg.Database.DSN == "" {
			return errors.New("database.dsn is required (or use --dry-run)")
		}
		pg, err := store.Open(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
		if err != nil {
			return err
		}
		a.store = pg
	}

	checkpoints, err := a.checkpoints(dryRun)
	if err != nil {
		return err
	}

	walker := pagination.DefaultConfig()
	rc := refresh.Config{
		Store:            a.store,
		Fetcher:          apiClient,
		Boundaries:       scope,
		Checkpoints:      checkpoints,
		Limiter:          limiter,
		Ceiling:          cfg.Planner.Ceiling,
		MaxUncoveredRows: cfg.Planner.MaxUncoveredRows,
		ProbeConcurrency: cfg.Planner.ProbeConcurrency,
		AddressTypes:     cfg.API.AddressTypes,
		Workers:          cfg.Workers,
		ItemTimeout:      cfg.ItemTimeout,
		Walker:           walker,
		Cleanup: refresh.CleanupConfig{
			Retention:  cfg.Cleanup.Retention,
			StaleAfter: cfg.Cleanup.StaleAfter,
		},
		Logger: logging.NewLogger("refresh"),
	}
	if a.redis != nil && cfg.Planner.CountCacheTTL > 0 {
		counts, err := cache.NewManager(a.redis, cfg.Planner.CountCacheTTL)
		if err != nil {
			return err
		}
		rc.CountCache = counts
	}

	orch, err := refresh.New(rc)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	a.orch = orch
	return nil
}

// checkpoints builds the tracker of the configured backend. A dry run
// checkpoints into a scratch directory removed by Close.
func (a *app) checkpoints(dryRun bool) (*checkpoint.Tracker, error) {
	var (
		p   checkpoint.Persister
		err error
	)
	backend := a.cfg.Checkpoint.Backend
	switch {
	case dryRun:
		a.scratch, err = os.MkdirTemp("", "estate-sync-dry-run-")
		if err != nil {
			return nil, fmt.Errorf("checkpoint scratch dir: %w", err)
		}
		backend = config.CheckpointBackendFile
		p, err = checkpoint.NewFilePersister(a.scratch)
	case backend == config.CheckpointBackendRedis:
		if a.redis == nil {
			return nil, errors.New("redis checkpoint backend needs redis.addr")
		}
		p, err = checkpoint.NewRedisPersister(a.redis)
	default:
		p, err = checkpoint.NewFilePersister(a.cfg.Checkpoint.Dir)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint persister: %w", err)
	}
	return checkpoint.NewTracker(p, backend, logging.NewLogger("checkpoint"))
}

// loadBoundaries reads the boundary file, keeps municipalities inside the
// configured radius and applies the municipality allow list.
func loadBoundaries(bc config.BoundaryConfig) (*boundary.Set, error) {
	if bc.File == "" {
		return nil, errors.New("boundaries.file is required")
	}

	var (
		set *boundary.Set
		err error
	)
	switch strings.ToLower(bc.Format) {
	case config.BoundaryFormatShapefile:
		set, err = boundary.LoadShapefile(bc.File, boundary.DefaultShapefileFields)
	default:
		set, err = boundary.LoadYAMLFile(bc.File)
	}
	if err != nil {
		return nil, fmt.Errorf("load boundaries %s: %w", bc.File, err)
	}

	if bc.RadiusKM > 0 {
		center := boundary.Point{Lat: bc.CenterLat, Lon: bc.CenterLon}
		if set, err = set.WithinRadius(center, bc.RadiusKM); err != nil {
			return nil, fmt.Errorf("%.0f km around %.4f,%.4f: %w", bc.RadiusKM, bc.CenterLat, bc.CenterLon, err)
		}
	}
	return set.Restrict(bc.Municipalities)
}

// Close releases connections. Safe on a partially initialised app.
func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Closing redis client failed")
		}
	}
	if a.scratch != "" {
		if err := os.RemoveAll(a.scratch); err != nil {
			a.logger.Warn().Err(err).Str("dir", a.scratch).Msg("Removing dry run checkpoints failed")
		}
	}
}
