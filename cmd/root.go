// Package cmd defines and implements the crawlq CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/app"
	"github.com/JakeFAU/crawlq/internal/clock/system"
	"github.com/JakeFAU/crawlq/internal/config"
	"github.com/JakeFAU/crawlq/internal/daemon"
	"github.com/JakeFAU/crawlq/internal/history"
	"github.com/JakeFAU/crawlq/internal/httpclient"
	"github.com/JakeFAU/crawlq/internal/jobapi"
	"github.com/JakeFAU/crawlq/internal/logging"
	"github.com/JakeFAU/crawlq/internal/queue"
	"github.com/JakeFAU/crawlq/internal/search"
	"github.com/JakeFAU/crawlq/internal/status"
	"github.com/JakeFAU/crawlq/internal/vectorstore"
	"github.com/JakeFAU/crawlq/internal/worker"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the set of services commands use. Tests swap in their own via
// newApp.
type App interface {
	Close()
	Config() config.Config
	Logger() *zap.Logger
	Clock() *system.Clock
	HTTP() *httpclient.Client
	Jobs() *jobapi.Client
	Queue() *queue.Store
	History() *history.Store
	Vectors() *vectorstore.Store
	Aggregator() *status.Aggregator
	Worker() *worker.Worker
	Search() *search.Service
	DaemonServer() *daemon.Server
}

// rootOptions are the persistent flags.
type rootOptions struct {
	configPath string
	verbose    bool
}

// newApp is the application factory. It's a variable so tests can point the
// services at fakes.
var newApp = func(_ context.Context, opts rootOptions) (App, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(opts.verbose || cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a, err := app.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	opts := rootOptions{}
	cmd := &cobra.Command{
		Use:   "crawlq",
		Short: "Submit scrape jobs, embed their output and watch everything at once.",
		Long: `crawlq drives a remote scraping job API, keeps a durable local queue of
jobs whose output should be embedded into a vector store, and aggregates the
state of every job into one status view.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (YAML)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable development logging")

	cmd.AddCommand(
		newStatusCmd(),
		newEmbedQueueCmd(),
		newCrawlCmd(),
		newBatchCmd(),
		newExtractCmd(),
		newQueryCmd(),
		newSourcesCmd(),
		newEmbedderCmd(),
	)
	return cmd
}

// Execute runs the CLI and exits non-zero when the command fails.
func Execute() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		logger, logErr := logging.New(false)
		if logErr != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		} else {
			logger.Error("command failed", zap.Error(err))
			_ = logger.Sync() //nolint:errcheck // exiting
		}
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
