package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlq/internal/queue"
	"github.com/JakeFAU/crawlq/internal/worker"
)

func newEmbedQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "embed-queue",
		Aliases: []string{"eq"},
		Short:   "Inspect and manage the durable embed queue",
	}
	cmd.AddCommand(
		newEmbedQueueListCmd(),
		newEmbedQueueStatusCmd(),
		newEmbedQueueCancelCmd(),
		newEmbedQueueClearCmd(),
		newEmbedQueueCleanupCmd(),
		newEmbedQueueRunCmd(),
	)
	return cmd
}

func newEmbedQueueListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every queued embed job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			jobs, err := a.Queue().ListAll()
			if err != nil {
				return fmt.Errorf("list embed queue: %w", err)
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeIndentedJSON(out, map[string]any{"jobs": jobs})
			}
			if len(jobs) == 0 {
				fmt.Fprintln(out, "Embed queue is empty.")
				return nil
			}
			return writeJobTable(out, jobs, a.Clock().Now())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newEmbedQueueStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one embed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			job, err := a.Queue().Get(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeIndentedJSON(out, job)
			}
			writeJobDetail(out, job)
			if job.Status.Active() {
				cfg := a.Config().Daemon
				if !worker.IsEmbedderRunning(cmd.Context(), nil, cfg.URL, cfg.ProbeTimeout) {
					fmt.Fprintln(out, "\nThe embedder daemon is not running; start it with `crawlq embedder start`.")
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newEmbedQueueCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Remove an embed job from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Queue().Remove(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled embed job %s\n", args[0])
			return nil
		},
	}
}

func newEmbedQueueClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every embed job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := a.Queue().Clear()
			if err != nil {
				return fmt.Errorf("clear embed queue: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d embed job(s)\n", n)
			return nil
		},
	}
}

func newEmbedQueueCleanupCmd() *cobra.Command {
	var maxAgeHours int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove finished embed jobs older than a threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			hours := maxAgeHours
			if !cmd.Flags().Changed("max-age-hours") {
				hours = a.Config().Queue.CleanupMaxAgeHours
			}
			if hours < 0 {
				return errors.New("--max-age-hours must be >= 0")
			}
			n, err := a.Queue().Cleanup(time.Duration(hours) * time.Hour)
			if err != nil {
				return fmt.Errorf("cleanup embed queue: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d finished embed job(s) older than %dh\n", n, hours)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxAgeHours, "max-age-hours", 24, "age threshold in hours (default from config)")
	return cmd
}

func newEmbedQueueRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [job-id]",
		Short: "Process embed jobs in the foreground",
		Long: `Without arguments, runs one worker cycle: stuck jobs are recovered and
stale pending jobs are embedded. With a job ID, that pending job is processed
immediately regardless of its age.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			w := a.Worker()
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				job, err := a.Queue().Get(args[0])
				if err != nil {
					return err
				}
				if job.Status != queue.StatusPending {
					return fmt.Errorf("embed job %s is %s, not pending", job.JobID, job.Status)
				}
				outcome, err := w.ProcessJob(cmd.Context(), job)
				fmt.Fprintf(out, "Embed job %s: %s\n", job.JobID, outcome)
				if errors.Is(err, worker.ErrConfig) {
					return err
				}
				if err != nil && outcome != worker.OutcomeRetry {
					return err
				}
				return nil
			}

			result, err := w.RunCycle(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Recovered %d stuck job(s), processed %d pending job(s)\n", result.Recovered, result.Picked)
			for _, o := range []worker.Outcome{
				worker.OutcomeCompleted, worker.OutcomeRetry, worker.OutcomeFailed,
				worker.OutcomeRequeued, worker.OutcomeConfigError, worker.OutcomeSkipped,
			} {
				if n := result.Outcomes[o]; n > 0 {
					fmt.Fprintf(out, "  %s: %d\n", o, n)
				}
			}
			return nil
		},
	}
}

func writeJobTable(w io.Writer, jobs []queue.Job, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tKIND\tSTATUS\tRETRIES\tDOCS\tUPDATED\tURL")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			j.JobID, j.Kind, j.Status, j.Retries, j.MaxRetries,
			documents(j), ago(now, j.UpdatedAt), j.URL)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write embed queue: %w", err)
	}
	return nil
}

func writeJobDetail(w io.Writer, j queue.Job) {
	fmt.Fprintf(w, "Job ID:     %s\n", j.JobID)
	fmt.Fprintf(w, "Kind:       %s\n", j.Kind)
	fmt.Fprintf(w, "Status:     %s\n", j.Status)
	fmt.Fprintf(w, "URL:        %s\n", j.URL)
	fmt.Fprintf(w, "Retries:    %d/%d\n", j.Retries, j.MaxRetries)
	fmt.Fprintf(w, "Documents:  %s\n", documents(j))
	fmt.Fprintf(w, "Created:    %s\n", j.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Updated:    %s\n", j.UpdatedAt.Format(time.RFC3339))
	if j.LastError != "" {
		fmt.Fprintf(w, "Last error: %s\n", j.LastError)
	}
}

func documents(j queue.Job) string {
	if j.TotalDocuments == nil {
		return "-"
	}
	s := fmt.Sprintf("%d", *j.TotalDocuments)
	if j.ProcessedDocuments != nil {
		s = fmt.Sprintf("%d/%d", *j.ProcessedDocuments, *j.TotalDocuments)
	}
	if j.FailedDocuments != nil && *j.FailedDocuments > 0 {
		s += fmt.Sprintf(" (%d failed)", *j.FailedDocuments)
	}
	return s
}

func ago(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Truncate(time.Second).String() + " ago"
}

func writeIndentedJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
