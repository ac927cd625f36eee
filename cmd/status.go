package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/status"
)

const clearScreen = "\x1b[H\x1b[2J"

type statusOptions struct {
	crawls   []string
	batches  []string
	extracts []string
	watch    bool
	interval time.Duration
	density  string
	compact  bool
	wide     bool
	json     bool
	output   string
	noColor  bool
}

func newStatusCmd() *cobra.Command {
	opts := &statusOptions{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show crawl, batch, extract and embedding jobs in one view",
		Long: `Aggregates recent jobs from local history, active embed-queue entries and
the remote active-crawl listing. Job IDs the remote API no longer knows are
pruned from history. With --watch the view refreshes until Ctrl-C and marks
every status that changed since the previous poll.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&opts.crawls, "crawl", nil, "crawl job IDs to show (disables history lookup)")
	f.StringSliceVar(&opts.batches, "batch", nil, "batch scrape job IDs to show (disables history lookup)")
	f.StringSliceVar(&opts.extracts, "extract", nil, "extract job IDs to show (disables history lookup)")
	f.BoolVarP(&opts.watch, "watch", "w", false, "refresh until interrupted")
	f.DurationVar(&opts.interval, "interval", 0, "watch refresh interval (default from config, minimum 1s)")
	f.StringVar(&opts.density, "density", "", "table density: compact, default or wide")
	f.BoolVar(&opts.compact, "compact", false, "shorthand for --density compact")
	f.BoolVar(&opts.wide, "wide", false, "shorthand for --density wide")
	f.BoolVar(&opts.json, "json", false, "print the report as JSON")
	f.StringVarP(&opts.output, "output", "o", "", "write the report to a file (.json, .yaml or .yml)")
	f.BoolVar(&opts.noColor, "no-color", false, "disable color")
	cmd.MarkFlagsMutuallyExclusive("density", "compact", "wide")
	return cmd
}

func runStatus(cmd *cobra.Command, opts *statusOptions) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := a.Logger()
	out := cmd.OutOrStdout()

	spelled := opts.density
	switch {
	case opts.compact:
		spelled = string(status.DensityCompact)
	case opts.wide:
		spelled = string(status.DensityWide)
	}
	density, err := status.ParseDensity(spelled)
	if err != nil {
		return err
	}
	renderer := status.Renderer{Density: density, Color: colorFor(out, opts.noColor)}

	sel := status.Selectors{Crawls: opts.crawls, Batches: opts.batches, Extracts: opts.extracts}
	agg := a.Aggregator()

	watch := opts.watch
	if watch && (opts.json || opts.output != "") {
		logger.Warn("--watch is ignored with --json or --output; printing a single snapshot")
		watch = false
	}

	if !watch {
		report, err := agg.Collect(cmd.Context(), sel)
		if err != nil {
			return err
		}
		switch {
		case opts.output != "":
			if err := status.WriteFile(opts.output, report); err != nil {
				return err
			}
			fmt.Fprintf(out, "Wrote status to %s\n", opts.output)
			return nil
		case opts.json:
			return status.WriteJSON(out, report)
		default:
			return renderer.Render(out, report, nil)
		}
	}

	interval := opts.interval
	if interval <= 0 {
		interval = a.Config().Status.Interval
	}
	interval = status.ClampInterval(interval)
	redraw := isTerminal(out)

	stop, release := status.StopOnSignal()
	defer release()

	w := &status.Watcher{
		Interval: interval,
		Collect: func(ctx context.Context) (status.Report, error) {
			return agg.Collect(ctx, sel)
		},
		Draw: func(report status.Report, diff status.Diff) error {
			if redraw {
				if _, err := io.WriteString(out, clearScreen); err != nil {
					return fmt.Errorf("write status: %w", err)
				}
			}
			if err := renderer.Render(out, report, &diff); err != nil {
				return err
			}
			_, err := fmt.Fprintf(out, "\n%s  refreshing every %s, %d change(s), Ctrl-C to stop\n",
				report.CollectedAt.Local().Format(time.TimeOnly), interval, diff.Changes())
			return err
		},
		Logger: logger,
		After:  a.Clock().After,
	}
	polls, err := w.Run(cmd.Context(), stop)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Debug("watch stopped", zap.Int("polls", polls))
	fmt.Fprintf(out, "Stopped after %d poll(s).\n", polls)
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

func colorFor(w io.Writer, noColor bool) bool {
	f, ok := w.(*os.File)
	return ok && status.ColorEnabled(f, noColor)
}
