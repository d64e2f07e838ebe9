// Package commands implements the tracker command line.
package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/user/price-tracker/internal/app"
	"github.com/user/price-tracker/pkg/config"
	"github.com/user/price-tracker/pkg/logger"
)

var (
	cfg *config.Config
	log *zap.Logger

	logLevelFlag string
)

// RootCmd is the tracker command tree.
var RootCmd = &cobra.Command{
	Use:   "tracker",
	Short: "Price tracker maintenance commands",
	Long: `tracker runs refresh passes and inspects the store without the API service.

Configuration is read from .env (or CONFIG_FILE) and the environment,
the same way the api service reads it.

Examples:
  tracker migrate                 # Create or upgrade the schema
  tracker load 16073              # Start tracking a category
  tracker refresh prices          # Refresh stale price series once
  tracker runs category           # List category runs left in the ledger`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		level := cfg.LogLevel
		if logLevelFlag != "" {
			level = logLevelFlag
		}
		log, err = logger.Init(level, "console")
		if err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")

	RootCmd.AddCommand(refreshCmd)
	RootCmd.AddCommand(loadCmd)
	RootCmd.AddCommand(runsCmd)
	RootCmd.AddCommand(migrateCmd)
}

// withRuntime builds the store and scheduler, runs fn and releases them.
// SIGINT cancels fn; runs already admitted stay in the ledger.
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *app.Runtime) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Error("failed to close connections", zap.Error(err))
		}
	}()
	return fn(ctx, rt)
}
