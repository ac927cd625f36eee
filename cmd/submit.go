package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/history"
	"github.com/JakeFAU/crawlq/internal/jobapi"
	"github.com/JakeFAU/crawlq/internal/queue"
	"github.com/JakeFAU/crawlq/internal/worker"
)

func newCrawlCmd() *cobra.Command {
	var (
		limit int
		embed bool
	)
	cmd := &cobra.Command{
		Use:   "crawl <url>",
		Short: "Start a crawl job on the remote API",
		Long: `Submits a crawl rooted at the given URL and remembers the job ID for
the status view. With --embed the job is also added to the embed queue so the
embedder daemon indexes its pages once the crawl finishes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := normalizeURL(args[0])
			if err != nil {
				return err
			}
			if limit < 0 {
				return errors.New("--limit must be >= 0")
			}
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sub, err := a.Jobs().StartCrawl(cmd.Context(), jobapi.CrawlRequest{URL: target, Limit: limit})
			if err != nil {
				return err
			}
			return afterSubmit(cmd, a, history.KindCrawl, sub, target, embed)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum pages to crawl (0 uses the API default)")
	cmd.Flags().BoolVar(&embed, "embed", false, "queue the crawl output for embedding")
	return cmd
}

func newBatchCmd() *cobra.Command {
	var embed bool
	cmd := &cobra.Command{
		Use:   "batch <url>...",
		Short: "Start a batch scrape job on the remote API",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			urls, err := normalizeURLs(args)
			if err != nil {
				return err
			}
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sub, err := a.Jobs().StartBatchScrape(cmd.Context(), urls)
			if err != nil {
				return err
			}
			return afterSubmit(cmd, a, history.KindBatch, sub, urls[0], embed)
		},
	}
	cmd.Flags().BoolVar(&embed, "embed", false, "queue the scraped pages for embedding")
	return cmd
}

func newExtractCmd() *cobra.Command {
	var prompt string
	cmd := &cobra.Command{
		Use:   "extract <url>...",
		Short: "Start a structured extraction job on the remote API",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(prompt) == "" {
				return errors.New("--prompt is required")
			}
			urls, err := normalizeURLs(args)
			if err != nil {
				return err
			}
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sub, err := a.Jobs().StartExtract(cmd.Context(), urls, prompt)
			if err != nil {
				return err
			}
			return afterSubmit(cmd, a, history.KindExtract, sub, urls[0], false)
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "what to extract from the pages")
	return cmd
}

// afterSubmit records the new job in history, optionally queues it for
// embedding and prints the outcome. History and queue failures are logged,
// not returned: the remote job already exists.
func afterSubmit(cmd *cobra.Command, a App, kind history.Kind, sub jobapi.Submission, target string, embed bool) error {
	logger := a.Logger()
	out := cmd.OutOrStdout()

	if err := a.History().Record(kind, sub.ID, target); err != nil {
		logger.Warn("failed to record job history", zap.String("job_id", sub.ID), zap.Error(err))
	}
	fmt.Fprintf(out, "Started %s job %s\n", kind, sub.ID)
	fmt.Fprintf(out, "  target: %s\n", target)

	if !embed {
		return nil
	}
	job, err := a.Queue().Enqueue(queue.Job{JobID: sub.ID, Kind: string(kind), URL: target})
	if err != nil {
		logger.Warn("failed to queue embed job", zap.String("job_id", sub.ID), zap.Error(err))
		fmt.Fprintf(out, "Could not queue embedding: %v\n", err)
		return nil
	}
	fmt.Fprintf(out, "Queued for embedding (%s)\n", job.Status)
	printDaemonHint(cmd.Context(), out, a)
	return nil
}

func printDaemonHint(ctx context.Context, out io.Writer, a App) {
	cfg := a.Config().Daemon
	if worker.IsEmbedderRunning(ctx, nil, cfg.URL, cfg.ProbeTimeout) {
		return
	}
	fmt.Fprintln(out, "The embedder daemon is not running. Start it with `crawlq embedder start`,")
	fmt.Fprintln(out, "or process the queue once with `crawlq embed-queue run`.")
}

func normalizeURLs(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		u, err := normalizeURL(r)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// normalizeURL accepts bare hosts by assuming https.
func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("url must not be empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid url %q: need an http(s) URL with a host", raw)
	}
	return u.String(), nil
}
