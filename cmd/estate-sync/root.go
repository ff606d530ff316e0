package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Sternrassler/estate-sync/pkg/config"
	"github.com/Sternrassler/estate-sync/pkg/logging"
)

// EnvPrefix namespaces environment overrides (ESTATE_WORKERS, ESTATE_DATABASE_DSN, ...).
const EnvPrefix = "ESTATE"

// Persistent flag names double as viper keys.
const (
	flagConfig            = "config"
	flagLogLevel          = "log-level"
	flagLogPretty         = "log-pretty"
	flagDryRun            = "dry-run"
	flagWorkers           = "workers"
	flagRPS               = "rps"
	flagDatabaseDSN       = "database-dsn"
	flagRedisAddr         = "redis-addr"
	flagCheckpointBackend = "checkpoint-backend"
	flagBoundaries        = "boundaries"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "estate-sync",
		Short:         "Property listing ingestion and sync pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `estate-sync pulls property records from the listing API, splits large
queries below the API's result ceiling, and upserts them into PostgreSQL.

Policies:
  discover-new    insert properties not stored yet
  refresh-active  re-read properties currently on the market
  refresh-all     re-read every property that ever had a listing
  cleanup         prune run history and report stale open cases`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	pf := root.PersistentFlags()
	pf.String(flagConfig, "", "Path to configuration file (YAML)")
	pf.String(flagLogLevel, "", "Log level (debug, info, warn, error)")
	pf.Bool(flagLogPretty, false, "Human readable console logs")
	pf.Bool(flagDryRun, false, "Write to an in-memory store instead of PostgreSQL")
	pf.Int(flagWorkers, 0, "Number of concurrent workers")
	pf.Float64(flagRPS, 0, "Shared request rate across workers")
	pf.String(flagDatabaseDSN, "", "PostgreSQL connection string")
	pf.String(flagRedisAddr, "", "Redis address for count cache, cooldowns and checkpoints")
	pf.String(flagCheckpointBackend, "", "Checkpoint backend (file or redis)")
	pf.String(flagBoundaries, "", "Municipality boundary file")

	for _, name := range []string{
		flagConfig, flagLogLevel, flagLogPretty, flagDryRun, flagWorkers, flagRPS,
		flagDatabaseDSN, flagRedisAddr, flagCheckpointBackend, flagBoundaries,
	} {
		if err := v.BindPFlag(name, pf.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}

	root.AddCommand(
		newRunCmd(v),
		newResumeCmd(v),
		newPlanCmd(v),
		newScheduleCmd(v),
		newCleanupCmd(v),
		newStatusCmd(v),
		newMigrateCmd(v),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the config file and applies flag and environment
// overrides. Only explicitly set values override the file.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	var opts []config.Option
	if path := v.GetString(flagConfig); path != "" {
		opts = append(opts, config.WithConfigPath(path))
	}
	opts = append(opts, config.WithOverride(func(c *config.Config) {
		applyOverrides(v, c)
	}))

	cfg, err := config.LoadConfig(opts...)
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.Log)
	return cfg, nil
}

func applyOverrides(v *viper.Viper, c *config.Config) {
	if v.IsSet(flagLogLevel) {
		c.Log.Level = logging.LogLevel(v.GetString(flagLogLevel))
	}
	if v.IsSet(flagLogPretty) {
		c.Log.Pretty = v.GetBool(flagLogPretty)
	}
	if v.IsSet(flagWorkers) {
		c.Workers = v.GetInt(flagWorkers)
	}
	if v.IsSet(flagRPS) {
		c.RateLimit.RequestsPerSecond = v.GetFloat64(flagRPS)
	}
	if v.IsSet(flagDatabaseDSN) {
		c.Database.DSN = v.GetString(flagDatabaseDSN)
	}
	if v.IsSet(flagRedisAddr) {
		c.Redis.Addr = v.GetString(flagRedisAddr)
	}
	if v.IsSet(flagCheckpointBackend) {
		c.Checkpoint.Backend = v.GetString(flagCheckpointBackend)
	}
	if v.IsSet(flagBoundaries) {
		c.Boundaries.File = v.GetString(flagBoundaries)
	}
}
