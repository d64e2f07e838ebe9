package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/user/price-tracker/internal/app"
	"github.com/user/price-tracker/internal/entity"
)

var runsCmd = &cobra.Command{
	Use:   "runs [category|product]",
	Short: "List the runs left in the ledger",
	Long: `List admitted runs that have not completed yet. They are resumed by the
next refresh pass of their kind. Without an argument both kinds are listed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRuns,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the store schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Build migrates before returning
		return withRuntime(cmd, func(context.Context, *app.Runtime) error {
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", cfg.Store.Driver)
			return nil
		})
	},
}

func runRuns(cmd *cobra.Command, args []string) error {
	kinds := []entity.EntityKind{entity.KindCategory, entity.KindProduct}
	if len(args) == 1 {
		kind, err := entity.ParseEntityKind(args[0])
		if err != nil {
			return err
		}
		kinds = []entity.EntityKind{kind}
	}

	return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KIND\tENTITY\tISSUED\tRESOLUTION")
		for _, kind := range kinds {
			runs, err := rt.Store.ListActive(ctx, kind)
			if err != nil {
				return errors.Wrapf(err, "list %s runs", kind)
			}
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", r.Kind, r.EntityID, r.IssuedAt.Format(time.RFC3339), r.Resolution)
			}
		}
		return tw.Flush()
	})
}
