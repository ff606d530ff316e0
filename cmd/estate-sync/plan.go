package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Sternrassler/estate-sync/pkg/planner"
	"github.com/Sternrassler/estate-sync/pkg/refresh"
)

func newPlanCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <policy>",
		Short: "Print the work items a run would execute",
		Long: `Count the target query at the upstream API, subdivide it below the
result ceiling and print the resulting work items. refresh-active and
refresh-all count their stored targets instead, which needs database.dsn.
Nothing is written.`,
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

			// Planning only reads; without a database the memory store
			// stands in and store-targeted policies plan nothing.
			a, err := newApp(cmd.Context(), cfg, cfg.Database.DSN == "")
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.orch.Plan(cmd.Context(), rc)
			if err != nil {
				return err
			}

			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return err
			}
			if format == "json" {
				return writeJSON(cmd.OutOrStdout(), items)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tID\tESTIMATE\tQUERY")
			for _, it := range items {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", it.Seq, it.ID, it.Estimate, it.Scope())
			}
			fmt.Fprintf(tw, "\t\t%d\t%d items\n", planner.Estimate(items), len(items))
			return tw.Flush()
		},
	}
	addRunFlags(cmd)
	cmd.Flags().String("format", "table", "Output format (table, json)")
	return cmd
}
