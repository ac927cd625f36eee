package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/daemon"
	"github.com/JakeFAU/crawlq/internal/httpclient"
	"github.com/JakeFAU/crawlq/internal/worker"
)

func newEmbedderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "embedder",
		Short: "Run or inspect the background embedder daemon",
	}
	cmd.AddCommand(newEmbedderStartCmd(), newEmbedderStatusCmd())
	return cmd
}

func newEmbedderStartCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the embed worker and its HTTP endpoint in the foreground",
		Long: `Runs the embed worker loop and serves /health, /status, /jobs and /metrics
until interrupted. Stuck jobs are recovered and stale pending jobs embedded on
every poll interval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := a.Config()
			logger := a.Logger()
			if addr == "" {
				addr = cfg.Daemon.ListenAddr
			}
			if missing := cfg.MissingEmbeddingConfig(); len(missing) > 0 {
				logger.Warn("embedding configuration incomplete; jobs will be marked config_error",
					zap.Strings("missing", missing))
			}
			if worker.IsEmbedderRunning(cmd.Context(), nil, cfg.Daemon.URL, cfg.Daemon.ProbeTimeout) {
				return fmt.Errorf("an embedder daemon already answers at %s", cfg.Daemon.URL)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("embedder daemon starting", zap.String("addr", addr))
			fmt.Fprintf(cmd.OutOrStdout(), "Embedder listening on %s (Ctrl-C to stop)\n", addr)
			if err := daemon.Run(ctx, addr, a.DaemonServer().Handler(), a.Worker(), logger.Named("daemon")); err != nil {
				return err
			}
			logger.Info("embedder daemon stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func newEmbedderStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether the embedder daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := a.Config().Daemon
			out := cmd.OutOrStdout()

			if !worker.IsEmbedderRunning(cmd.Context(), nil, cfg.URL, cfg.ProbeTimeout) {
				if asJSON {
					return writeIndentedJSON(out, daemon.StatusResponse{Status: "stopped"})
				}
				fmt.Fprintf(out, "Embedder daemon is not running (%s)\n", cfg.URL)
				return nil
			}

			st, err := fetchDaemonStatus(cmd.Context(), a.HTTP(), cfg.URL)
			if err != nil {
				a.Logger().Debug("daemon status unavailable", zap.Error(err))
				st = daemon.StatusResponse{Status: "running"}
			}
			if asJSON {
				return writeIndentedJSON(out, st)
			}
			fmt.Fprintf(out, "Embedder daemon is %s at %s\n", st.Status, cfg.URL)
			if st.Uptime != "" {
				fmt.Fprintf(out, "  uptime:  %s\n", st.Uptime)
			}
			q := st.Queue
			fmt.Fprintf(out, "  queue:   %d pending, %d processing, %d completed, %d failed, %d config_error\n",
				q.Pending, q.Processing, q.Completed, q.Failed, q.ConfigError)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func fetchDaemonStatus(ctx context.Context, hc *httpclient.Client, base string) (daemon.StatusResponse, error) {
	var st daemon.StatusResponse
	err := hc.DoJSON(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/status", nil, nil, &st)
	return st, err
}
