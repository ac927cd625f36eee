// Package worker drains the embed queue: it recovers abandoned jobs, picks up
// stale pending ones, and embeds the output of their remote jobs into the
// vector store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawlq/internal/embedder"
	"github.com/JakeFAU/crawlq/internal/id/uuid"
	"github.com/JakeFAU/crawlq/internal/jobapi"
	"github.com/JakeFAU/crawlq/internal/logging"
	"github.com/JakeFAU/crawlq/internal/metrics"
	"github.com/JakeFAU/crawlq/internal/queue"
	"github.com/JakeFAU/crawlq/internal/vectorstore"
)

// ErrConfig marks a job that cannot run until the deployment is fixed.
var ErrConfig = errors.New("embedding configuration missing")

// Outcome is what happened to one job.
type Outcome string

// Job outcomes.
const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeFailed      Outcome = "failed"
	OutcomeRetry       Outcome = "retry"
	OutcomeRequeued    Outcome = "requeued"
	OutcomeConfigError Outcome = "config_error"
	OutcomeSkipped     Outcome = "skipped"
)

// Queue is the subset of the queue store the worker mutates.
type Queue interface {
	StuckProcessingJobs(maxAge time.Duration) ([]queue.Job, error)
	StalePendingJobs(maxAge time.Duration) ([]queue.Job, error)
	RecoverStuck(id string) (queue.Job, error)
	MarkProcessing(id string) (queue.Job, error)
	MarkCompleted(id string, p queue.Progress) (queue.Job, error)
	MarkFailed(id string, cause error) (queue.Job, error)
	MarkConfigError(id, reason string) (queue.Job, error)
	Requeue(id, note string) (queue.Job, error)
}

// JobSource fetches a remote job with all its output pages.
type JobSource interface {
	Documents(ctx context.Context, kind jobapi.Kind, id string) (jobapi.JobStatus, error)
}

// Embedder converts texts to vectors.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore persists embedded chunks.
type VectorStore interface {
	DeleteByURL(ctx context.Context, sourceURL string) error
	Upsert(ctx context.Context, points []vectorstore.Point) error
}

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

// IDGenerator labels worker cycles in logs.
type IDGenerator interface {
	NewID() (string, error)
}

// Config controls Worker behavior.
type Config struct {
	PollInterval      time.Duration
	PendingThreshold  time.Duration
	RecoveryThreshold time.Duration
	Concurrency       int
	ChunkSize         int
	// MissingConfig names required settings that are absent. A non-empty
	// list turns every job into a configuration error.
	MissingConfig []string
}

// Worker processes embed jobs.
type Worker struct {
	queue  Queue
	source JobSource
	embed  Embedder
	store  VectorStore
	clock  Clock
	ids    IDGenerator
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(
	q Queue,
	source JobSource,
	embed Embedder,
	store VectorStore,
	clock Clock,
	ids IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.PendingThreshold < 0 {
		cfg.PendingThreshold = 0
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = 5 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = embedder.DefaultChunkSize
	}
	return &Worker{
		queue:  q,
		source: source,
		embed:  embed,
		store:  store,
		clock:  clock,
		ids:    ids,
		cfg:    cfg,
		logger: logging.OrNop(logger),
	}
}

// CycleResult tallies one cycle.
type CycleResult struct {
	Recovered int
	Picked    int
	Outcomes  map[Outcome]int
}

// Run executes a cycle immediately and then on every poll interval until ctx
// ends.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := w.RunCycle(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("embed worker cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunCycle recovers stuck jobs, then processes every stale pending job.
func (w *Worker) RunCycle(ctx context.Context) (CycleResult, error) {
	metrics.ObserveWorkerCycle()
	result := CycleResult{Outcomes: make(map[Outcome]int)}
	logger := w.logger
	if w.ids != nil {
		if id, err := w.ids.NewID(); err == nil {
			logger = logger.With(zap.String("cycle_id", id))
		}
	}

	stuck, err := w.queue.StuckProcessingJobs(w.cfg.RecoveryThreshold)
	if err != nil {
		return result, fmt.Errorf("list stuck jobs: %w", err)
	}
	for _, job := range stuck {
		if _, err := w.queue.RecoverStuck(job.JobID); err != nil {
			logger.Warn("recover stuck job", zap.String("job_id", job.JobID), zap.Error(err))
			continue
		}
		result.Recovered++
		logger.Warn("recovered stuck embed job",
			zap.String("job_id", job.JobID),
			zap.Time("last_update", job.UpdatedAt),
		)
	}

	pending, err := w.queue.StalePendingJobs(w.cfg.PendingThreshold)
	if err != nil {
		return result, fmt.Errorf("list pending jobs: %w", err)
	}
	for _, job := range pending {
		if ctx.Err() != nil {
			break
		}
		result.Picked++
		outcome, err := w.ProcessJob(ctx, job)
		result.Outcomes[outcome]++
		if err != nil && !errors.Is(err, ErrConfig) {
			logger.Warn("embed job did not complete",
				zap.String("job_id", job.JobID),
				zap.String("outcome", string(outcome)),
				zap.Error(err),
			)
		}
	}
	if result.Recovered > 0 || result.Picked > 0 {
		logger.Info("embed worker cycle finished",
			zap.Int("recovered", result.Recovered),
			zap.Int("picked", result.Picked),
		)
	}
	return result, nil
}

// ProcessJob runs one pending job to its next state.
func (w *Worker) ProcessJob(ctx context.Context, job queue.Job) (Outcome, error) {
	outcome, err := w.processJob(ctx, job)
	metrics.ObserveWorkerJob(string(outcome))
	return outcome, err
}

func (w *Worker) processJob(ctx context.Context, job queue.Job) (Outcome, error) {
	logger := w.logger.With(zap.String("job_id", job.JobID))

	if missing := w.cfg.MissingConfig; len(missing) > 0 {
		reason := "missing required configuration: " + strings.Join(missing, ", ")
		logger.Error("configuration error: embedding cannot run",
			zap.Strings("missing", missing),
			zap.String("hint", "set "+strings.Join(missing, " and ")+" and re-enqueue the job"),
		)
		if _, err := w.queue.MarkConfigError(job.JobID, reason); err != nil {
			return OutcomeSkipped, fmt.Errorf("mark config error: %w", err)
		}
		return OutcomeConfigError, fmt.Errorf("%w: %s", ErrConfig, reason)
	}

	if _, err := w.queue.MarkProcessing(job.JobID); err != nil {
		return OutcomeSkipped, fmt.Errorf("claim job: %w", err)
	}

	kind := jobapi.Kind(job.Kind)
	if kind == "" {
		kind = jobapi.KindCrawl
	}
	status, err := w.source.Documents(ctx, kind, job.JobID)
	if err != nil {
		return w.fail(job, fmt.Errorf("fetch remote job: %w", err))
	}
	if !status.Terminal() {
		if _, err := w.queue.Requeue(job.JobID, "remote job still "+status.Status); err != nil {
			return OutcomeSkipped, fmt.Errorf("requeue: %w", err)
		}
		logger.Debug("remote job still running", zap.String("status", status.Status))
		return OutcomeRequeued, nil
	}
	if !status.Succeeded() {
		msg := status.Error
		if msg == "" {
			msg = "no error reported"
		}
		return w.fail(job, fmt.Errorf("remote job %s: %s", status.Status, msg))
	}

	tally := w.embedDocuments(ctx, job, status.Data)
	metrics.ObserveEmbeddedDocuments(tally.Succeeded, tally.Failed)
	if tally.Total > 0 && tally.Succeeded == 0 {
		return w.fail(job, fmt.Errorf("all %d documents failed: %w", tally.Total, tally.Err))
	}
	if _, err := w.queue.MarkCompleted(job.JobID, queue.Progress{
		Total:     tally.Total,
		Processed: tally.Succeeded,
		Failed:    tally.Failed,
	}); err != nil {
		return OutcomeSkipped, fmt.Errorf("mark completed: %w", err)
	}
	logger.Info("embed job completed",
		zap.Int("documents", tally.Total),
		zap.Int("succeeded", tally.Succeeded),
		zap.Int("failed", tally.Failed),
	)
	return OutcomeCompleted, nil
}

func (w *Worker) fail(job queue.Job, cause error) (Outcome, error) {
	updated, err := w.queue.MarkFailed(job.JobID, cause)
	if err != nil {
		return OutcomeSkipped, errors.Join(cause, fmt.Errorf("mark failed: %w", err))
	}
	if updated.Status == queue.StatusFailed {
		return OutcomeFailed, cause
	}
	return OutcomeRetry, cause
}

// Tally counts embedded documents.
type Tally struct {
	Total     int
	Succeeded int
	Failed    int
	Err       error
}

// embedDocuments chunks, embeds and upserts every document with content,
// running at most Concurrency documents at once. Per-document failures are
// counted, never fatal to the batch.
func (w *Worker) embedDocuments(ctx context.Context, job queue.Job, docs []jobapi.Document) Tally {
	var (
		mu    sync.Mutex
		tally Tally
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	scrapedAt := w.clock.Now().Format(time.RFC3339)

	for _, doc := range docs {
		if strings.TrimSpace(doc.Markdown) == "" {
			continue
		}
		tally.Total++
		g.Go(func() error {
			err := w.embedDocument(gctx, job, doc, scrapedAt)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				tally.Failed++
				if tally.Err == nil {
					tally.Err = err
				}
				w.logger.Warn("embed document failed",
					zap.String("job_id", job.JobID),
					zap.String("url", doc.Source()),
					zap.Error(err),
				)
				return nil
			}
			tally.Succeeded++
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // goroutines never return errors
	return tally
}

func (w *Worker) embedDocument(ctx context.Context, job queue.Job, doc jobapi.Document, scrapedAt string) error {
	source := doc.Source()
	if source == "" {
		return errors.New("document has no source URL")
	}
	chunks := embedder.ChunkMarkdown(doc.Markdown, w.cfg.ChunkSize)
	if len(chunks) == 0 {
		return errors.New("document has no embeddable text")
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := w.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed %s: %w", source, err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("embed %s: got %d vectors for %d chunks", source, len(vectors), len(chunks))
	}

	points := make([]vectorstore.Point, len(chunks))
	for i, c := range chunks {
		points[i] = vectorstore.Point{
			ID:     uuid.PointID(source, c.Index),
			Vector: vectors[i],
			Payload: vectorstore.Payload{
				URL:           source,
				Title:         doc.Metadata.Title,
				Domain:        hostOf(source),
				ChunkText:     c.Text,
				ChunkHeader:   c.Header,
				ChunkIndex:    c.Index,
				TotalChunks:   len(chunks),
				SourceCommand: job.Kind,
				JobID:         job.JobID,
				ScrapedAt:     scrapedAt,
			},
		}
	}
	if err := w.store.DeleteByURL(ctx, source); err != nil {
		return fmt.Errorf("clear previous points for %s: %w", source, err)
	}
	if err := w.store.Upsert(ctx, points); err != nil {
		return fmt.Errorf("store %s: %w", source, err)
	}
	return nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
