// Package cmd defines the CLI commands for the pnrsync executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pnr-status-sync/internal/app"
	"github.com/JakeFAU/pnr-status-sync/internal/batch"
	"github.com/JakeFAU/pnr-status-sync/internal/config"
	"github.com/JakeFAU/pnr-status-sync/internal/health"
	"github.com/JakeFAU/pnr-status-sync/internal/logging"
	"github.com/JakeFAU/pnr-status-sync/internal/pnr"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the commands need from the application container. It lets
// tests inject a fake.
type App interface {
	Start()
	Close()
	Logger() *zap.Logger
	Config() config.Config
	Handler() http.Handler
	Check(ctx context.Context) health.Result
	Lookup(ctx context.Context, raw string, forceRefresh bool) pnr.StatusResult
	RunBatch(ctx context.Context, keys []string, opts batch.Options, onProgress batch.ProgressFunc) pnr.BatchOutcome
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

// errUnhealthy makes the process exit non-zero without printing usage.
var errUnhealthy = errors.New("service unhealthy")

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "pnrsync",
		Short: "Tracks booking status records by polling the external status form.",
		Long: `pnrsync looks up booking status (PNR) records on the external status site,
caches the normalized results, and exposes health, metrics and alerts for
operators. Configuration comes from an optional YAML file and PNRSYNC_*
environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Builds the application once config is known and hands it to the subcommand.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
				_ = appInstance.Logger().Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newLookupCmd())
	cmd.AddCommand(newBatchCmd())
	cmd.AddCommand(newHealthCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	ctx := context.Background()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errUnhealthy) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
