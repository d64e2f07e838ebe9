package commands

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/user/price-tracker/internal/app"
	"github.com/user/price-tracker/internal/entity"
	"github.com/user/price-tracker/internal/usecase"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh [categories|prices|all]",
	Short: "Run one refresh pass",
	Long: `Resume the runs left in the ledger, then admit and execute runs for every
entity older than its staleness threshold. "all" refreshes categories first.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"categories", "prices", "all"},
	RunE:      runRefresh,
}

var loadCmd = &cobra.Command{
	Use:   "load <categoryID>...",
	Short: "Crawl categories and load every product with its full price history",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runLoad,
}

func runRefresh(cmd *cobra.Command, args []string) error {
	target := "all"
	if len(args) == 1 {
		target = args[0]
	}
	var kinds []entity.EntityKind
	switch target {
	case "all":
		kinds = []entity.EntityKind{entity.KindCategory, entity.KindProduct}
	default:
		kind, err := entity.ParseEntityKind(target)
		if err != nil {
			return err
		}
		kinds = []entity.EntityKind{kind}
	}

	return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
		for _, kind := range kinds {
			var (
				rep usecase.RefreshReport
				err error
			)
			if kind == entity.KindCategory {
				rep, err = rt.Refresher.RefreshCategories(ctx)
			} else {
				rep, err = rt.Refresher.RefreshPrices(ctx)
			}
			printReport(cmd.OutOrStdout(), rep)
			if err != nil {
				return errors.Wrapf(err, "%s refresh", kind)
			}
		}
		return nil
	})
}

func printReport(w io.Writer, rep usecase.RefreshReport) {
	fmt.Fprintf(w, "%s refresh: resumed=%d created=%d retired=%d faulted=%d in %s\n",
		rep.Kind, rep.Resumed, rep.Created, rep.Retired, rep.Faulted, rep.Duration.Round(time.Millisecond))
	labels := make([]string, 0, len(rep.Resolutions))
	for l := range rep.Resolutions {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	for _, l := range labels {
		fmt.Fprintf(w, "  %-6s %d\n", l, rep.Resolutions[l])
	}
}

func runLoad(cmd *cobra.Command, args []string) error {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id <= 0 {
			return errors.Newf("invalid category id %q", a)
		}
		ids = append(ids, id)
	}

	return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
		for _, id := range ids {
			rep, err := rt.Refresher.LoadCategory(ctx, id)
			if err != nil {
				return errors.Wrapf(err, "load category %d", id)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "category %d %q: pages=%d listed=%d variants=%d stored=%d priced=%d\n",
				rep.CategoryID, rep.Name, rep.Pages, rep.Listed, rep.Variants, rep.Stored, rep.Priced)
		}
		return nil
	})
}
