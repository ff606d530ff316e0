package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Sternrassler/estate-sync/pkg/logging"
	"github.com/Sternrassler/estate-sync/pkg/store"
)

func newMigrateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tool",
		Long:  `Database migration tool for managing schema versions. Use with 'up' or 'down' subcommands.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Usage()
		},
	}
	cmd.PersistentFlags().UintP("num-steps", "n", 0, "Number of steps to migrate down (0 = all)")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd, v, true)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Revert database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd, v, false)
		},
	})
	return cmd
}

func runMigrate(cmd *cobra.Command, v *viper.Viper, up bool) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	if cfg.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	logger := logging.NewLogger("migrate")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	pg, err := store.Open(ctx, cfg.Database.DSN, 2)
	if err != nil {
		return err
	}
	defer pg.Close()

	var versions []int
	if up {
		logger.Info().Msg("Applying database migrations")
		versions, err = store.MigrateUp(ctx, pg.Pool())
	} else {
		steps, ferr := cmd.Flags().GetUint("num-steps")
		if ferr != nil {
			return ferr
		}
		logger.Info().Uint("steps", steps).Msg("Reverting database migrations")
		versions, err = store.MigrateDown(ctx, pg.Pool(), int(steps))
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	current, err := store.SchemaVersion(ctx, pg.Pool())
	if err != nil {
		logger.Warn().Err(err).Msg("Unable to get migration version")
		return nil
	}
	logger.Info().Ints("migrations", versions).Int("version", current).Msg("Migrations complete")
	return nil
}
