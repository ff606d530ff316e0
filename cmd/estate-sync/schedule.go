package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Sternrassler/estate-sync/pkg/config"
	"github.com/Sternrassler/estate-sync/pkg/refresh"
)

const defaultGracefulTimeout = 30 * time.Second

func newScheduleCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run policies on their cadence and serve status over HTTP",
		Long: `Start the scheduler and the status server. Every poll interval the first
policy whose cadence has elapsed is run to completion. The server exposes
/health, /ready, /metrics, /status and /runs/{id}.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			addr, err := cmd.Flags().GetString("address")
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.HTTP.Addr
			}
			return runSchedule(cmd.Context(), cfg, v.GetBool(flagDryRun), addr)
		},
	}
	cmd.Flags().String("address", "", "Address for the status server (default from http.addr)")
	return cmd
}

func cadences(s config.ScheduleConfig) map[refresh.Policy]time.Duration {
	return map[refresh.Policy]time.Duration{
		refresh.PolicyDiscoverNew:   s.DiscoverNew,
		refresh.PolicyRefreshActive: s.RefreshActive,
		refresh.PolicyRefreshAll:    s.RefreshAll,
		refresh.PolicyCleanup:       s.Cleanup,
	}
}

func runSchedule(ctx context.Context, cfg *config.Config, dryRun bool, addr string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, dryRun)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := refresh.NewScheduler(a.orch, a.store, refresh.SchedulerConfig{
		Cadences:     cadences(cfg.Schedule),
		PollInterval: cfg.Schedule.PollInterval,
		Template: refresh.RunConfig{
			Workers:           cfg.Workers,
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Municipalities:    cfg.Boundaries.Municipalities,
			TimeBudget:        cfg.Schedule.TimeBudget,
			EnrichDetails:     cfg.API.EnrichDetails,
		},
		Logger: a.logger,
	})
	if err != nil {
		return err
	}

	ready := func(ctx context.Context) error {
		if a.redis != nil {
			if err := a.redis.Ping(ctx).Err(); err != nil {
				return err
			}
		}
		_, err := a.store.LatestRuns(ctx)
		return err
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      newRouter(a.orch, a.store, ready, a.logger),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", addr).Msg("Status server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		if err := sched.Start(ctx); err != nil {
			a.logger.Error().Err(err).Msg("Scheduler failed")
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info().Msg("Shutting down")
	case err = <-serverErr:
		a.logger.Error().Err(err).Msg("Status server failed")
	}

	stop()
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultGracefulTimeout)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		a.logger.Error().Err(serr).Msg("Server forced to shutdown")
		return errors.Join(err, serr)
	}
	a.logger.Info().Msg("Shutdown complete")
	return err
}
