// Package cmd implements the webfarm command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/webfarm/internal/app"
	"github.com/JakeFAU/webfarm/internal/config"
	"github.com/JakeFAU/webfarm/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. Tests replace it to isolate the
// Prometheus registry.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger, app.Options{})
}

// rootOptions holds the persistent flags and the services built from them.
type rootOptions struct {
	configPath   string
	profilesDir  string
	defaultsPath string
	verbose      bool

	app    *app.App
	logger *zap.Logger
}

func newRootCmd() (*cobra.Command, *rootOptions) {
	o := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "webfarm",
		Short: "Declarative harvesting of paginated web APIs.",
		Long: `webfarm runs declarative profiles against paginated JSON and HTML sources.
It fetches page by page under a per-domain rate limit, records every item and
a deduplicated view, stops cleanly when a source blocks it, and resumes from
the exact request that was refused.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Services are built once the subcommand and its flags are known; the
		// expensive ones open lazily on first use.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(o.configPath)
			if err != nil {
				return err
			}
			if o.verbose {
				cfg.Logging.Development = true
				cfg.Logging.Level = "debug"
			}
			logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
			if err != nil {
				return err
			}
			o.logger = logger
			zap.ReplaceGlobals(logger)

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			o.app = a
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&o.configPath, "config", "", "config file (yaml, json or toml)")
	flags.StringVar(&o.profilesDir, "profiles-dir", "profiles", "directory searched for profiles given by name")
	flags.StringVar(&o.defaultsPath, "defaults", "", "profile file merged under every profile")
	flags.BoolVarP(&o.verbose, "verbose", "v", false, "development logging at debug level")

	cmd.AddCommand(
		newRunCmd(o),
		newRunToStoreCmd(o),
		newExportCmd(o),
		newSnapshotCmd(o),
		newOfflineTestCmd(o),
		newFarmCmd(o),
		newFarmResumeOpenCmd(o),
		newBlockedListCmd(o),
		newBlockedResolveCmd(o),
		newBlockedResumeCmd(o),
		newServeCmd(o),
		newProfileLintCmd(o),
		newSuggestKeyCmd(o),
	)
	return cmd, o
}

// appFrom returns the App built by the root pre-run hook.
func appFrom(cmd *cobra.Command) (*app.App, error) {
	a, ok := cmd.Context().Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, os.Args[1:], os.Stdout, os.Stderr)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root, o := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)

	// PersistentPostRun is skipped when RunE fails, so shut down here.
	if o.app != nil {
		if cerr := o.app.Close(); cerr != nil {
			fmt.Fprintf(stderr, "webfarm: shutdown: %v\n", cerr)
		}
	}
	if o.logger != nil {
		_ = o.logger.Sync()
	}
	if err != nil {
		fmt.Fprintf(stderr, "webfarm: %v\n", err)
	}
	return exitCode(err)
}
