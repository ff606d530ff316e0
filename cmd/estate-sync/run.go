package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Sternrassler/estate-sync/pkg/config"
	"github.com/Sternrassler/estate-sync/pkg/refresh"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <policy>",
		Short: "Execute one refresh run",
		Long: `Execute one run of the given policy and exit. SIGINT or SIGTERM stops
dispatching new work items; items already in flight finish and the run
can be continued later with 'resume'.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: policyNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := refresh.ParsePolicy(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			rc, err := runConfigFromFlags(cmd, cfg)
			if err != nil {
				return err
			}
			rc.Policy = policy
			return execRun(cmd.Context(), cmd.OutOrStdout(), cfg, v.GetBool(flagDryRun), rc)
		},
	}
	addRunFlags(cmd)
	return cmd
}

func newResumeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue a cancelled or partially failed run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			rc := refresh.RunConfig{ResumeRunID: args[0], Workers: cfg.Workers}
			return execRun(cmd.Context(), cmd.OutOrStdout(), cfg, v.GetBool(flagDryRun), rc)
		},
	}
}

func newCleanupCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Prune run history and checkpoints, report table statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			rc := refresh.RunConfig{Policy: refresh.PolicyCleanup, Workers: 1}
			return execRun(cmd.Context(), cmd.OutOrStdout(), cfg, v.GetBool(flagDryRun), rc)
		},
	}
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest run per policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			recent, err := cmd.Flags().GetInt("recent")
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, v.GetBool(flagDryRun))
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.orch.Status(cmd.Context(), recent)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().Int("recent", 10, "Number of recent runs to list")
	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringSlice("municipalities", nil, "Restrict the run to these municipalities")
	f.Duration("time-budget", 0, "Stop dispatching work after this long (0 = unbounded)")
	f.Bool("enrich", false, "Fetch the detail record of every search hit")
}

// runConfigFromFlags builds the run parameters from configuration and the
// command's run flags.
func runConfigFromFlags(cmd *cobra.Command, cfg *config.Config) (refresh.RunConfig, error) {
	rc := refresh.RunConfig{
		Workers:           cfg.Workers,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Municipalities:    cfg.Boundaries.Municipalities,
		EnrichDetails:     cfg.API.EnrichDetails,
	}
	f := cmd.Flags()
	if f.Changed("municipalities") {
		munis, err := f.GetStringSlice("municipalities")
		if err != nil {
			return rc, err
		}
		rc.Municipalities = munis
	}
	budget, err := f.GetDuration("time-budget")
	if err != nil {
		return rc, err
	}
	rc.TimeBudget = budget
	if f.Changed("enrich") {
		if rc.EnrichDetails, err = f.GetBool("enrich"); err != nil {
			return rc, err
		}
	}
	return rc, nil
}

// execRun wires the pipeline, runs rc until done or interrupted and prints
// the summary as JSON.
func execRun(ctx context.Context, out io.Writer, cfg *config.Config, dryRun bool, rc refresh.RunConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, dryRun)
	if err != nil {
		return err
	}
	defer a.Close()

	summary, err := a.orch.Run(ctx, rc)
	if summary.RunID != "" {
		if werr := writeJSON(out, summary); werr != nil {
			return werr
		}
	}
	if err != nil {
		return err
	}
	if summary.Status == refresh.StateCancelled {
		a.logger.Warn().Str("run_id", summary.RunID).Msgf("Run cancelled, continue with: estate-sync resume %s", summary.RunID)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func policyNames() []string {
	var names []string
	for _, p := range refresh.Policies() {
		names = append(names, string(p))
	}
	return names
}
