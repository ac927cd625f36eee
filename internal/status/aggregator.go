package status

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawlq/internal/history"
	"github.com/JakeFAU/crawlq/internal/httpclient"
	"github.com/JakeFAU/crawlq/internal/id/uuid"
	"github.com/JakeFAU/crawlq/internal/jobapi"
	"github.com/JakeFAU/crawlq/internal/logging"
	"github.com/JakeFAU/crawlq/internal/metrics"
	"github.com/JakeFAU/crawlq/internal/queue"
)

// KindEmbed labels embed queue entries in reports and snapshots.
const KindEmbed = "embed"

var notFoundPattern = regexp.MustCompile(`(?i)job not found|invalid job id|not found`)

// StatusSource looks up remote jobs.
type StatusSource interface {
	Status(ctx context.Context, kind jobapi.Kind, id string) (jobapi.JobStatus, error)
	ActiveCrawls(ctx context.Context) ([]jobapi.ActiveCrawl, error)
}

// History supplies and prunes remembered job IDs.
type History interface {
	Recent(kind history.Kind, n int) ([]history.Entry, error)
	Remove(kind history.Kind, ids ...string) (int, error)
}

// Queue is the part of the embed queue the aggregator reads and back-fills.
type Queue interface {
	ListAll() ([]queue.Job, error)
	UpdateJob(id string, fn func(job *queue.Job)) (queue.Job, error)
}

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

// Config tunes aggregation.
type Config struct {
	HistoryLimit          int
	FetchTimeout          time.Duration
	Retry                 httpclient.RetryPolicy
	Concurrency           int
	StalledCrawlHeuristic bool
}

// Selectors are explicit IDs per kind. When any are set, only they are
// queried; otherwise history and the embed queue supply candidates.
type Selectors struct {
	Crawls   []string
	Batches  []string
	Extracts []string
}

// Explicit reports whether any IDs were given.
func (s Selectors) Explicit() bool {
	return len(s.Crawls)+len(s.Batches)+len(s.Extracts) > 0
}

// Entry is one row of the report.
type Entry struct {
	Kind      string    `json:"kind" yaml:"kind"`
	ID        string    `json:"id" yaml:"id"`
	Status    string    `json:"status" yaml:"status"`
	Bucket    Bucket    `json:"bucket" yaml:"bucket"`
	Completed *int      `json:"completed,omitempty" yaml:"completed,omitempty"`
	Total     *int      `json:"total,omitempty" yaml:"total,omitempty"`
	URL       string    `json:"url,omitempty" yaml:"url,omitempty"`
	Error     string    `json:"error,omitempty" yaml:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitzero" yaml:"updatedAt,omitempty"`
}

// Key is the composite snapshot key.
func (e Entry) Key() string {
	return e.Kind + ":" + e.ID
}

// Report is one aggregation pass.
type Report struct {
	CollectedAt  time.Time            `json:"collectedAt" yaml:"collectedAt"`
	ActiveCrawls []jobapi.ActiveCrawl `json:"activeCrawls" yaml:"activeCrawls"`
	Crawls       []Entry              `json:"crawls" yaml:"crawls"`
	Batches      []Entry              `json:"batches" yaml:"batches"`
	Extracts     []Entry              `json:"extracts" yaml:"extracts"`
	Embeddings   []Entry              `json:"embeddings" yaml:"embeddings"`
	Pruned       []string             `json:"pruned,omitempty" yaml:"pruned,omitempty"`
	Warnings     []string             `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Counts tallies every entry by bucket.
func (r Report) Counts() map[Bucket]int {
	counts := make(map[Bucket]int)
	for _, group := range [][]Entry{r.Crawls, r.Batches, r.Extracts, r.Embeddings} {
		for _, e := range group {
			counts[e.Bucket]++
		}
	}
	return counts
}

// Aggregator builds Reports.
type Aggregator struct {
	source  StatusSource
	history History
	queue   Queue
	clock   Clock
	cfg     Config
	logger  *zap.Logger
}

// NewAggregator constructs an Aggregator.
func NewAggregator(source StatusSource, hist History, q Queue, clock Clock, cfg Config, logger *zap.Logger) *Aggregator {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	return &Aggregator{
		source:  source,
		history: hist,
		queue:   q,
		clock:   clock,
		cfg:     cfg,
		logger:  logging.OrNop(logger),
	}
}

type candidate struct {
	id  string
	url string
}

type kindResult struct {
	entries  []Entry
	notFound []string
}

// Collect fetches every candidate job concurrently. Individual failures
// become failed entries; only a cancelled context aborts the pass.
func (a *Aggregator) Collect(ctx context.Context, sel Selectors) (Report, error) {
	report := Report{CollectedAt: a.clock.Now()}

	jobs, err := a.queue.ListAll()
	if err != nil {
		report.Warnings = append(report.Warnings, fmt.Sprintf("embed queue unavailable: %v", err))
	}

	crawls, batches, extracts := a.candidates(sel, jobs, &report)

	var (
		mu      sync.Mutex
		results = make(map[jobapi.Kind]kindResult, 3)
	)
	var g errgroup.Group
	if !sel.Explicit() {
		g.Go(func() error {
			active, err := a.activeCrawls(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Warnings = append(report.Warnings, fmt.Sprintf("active crawls unavailable: %v", err))
				return nil
			}
			report.ActiveCrawls = active
			return nil
		})
	}
	for kind, ids := range map[jobapi.Kind][]candidate{
		jobapi.KindCrawl:   crawls,
		jobapi.KindBatch:   batches,
		jobapi.KindExtract: extracts,
	} {
		g.Go(func() error {
			res := a.fetchKind(ctx, kind, ids)
			mu.Lock()
			defer mu.Unlock()
			results[kind] = res
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // branches never return errors
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("collect status: %w", err)
	}

	report.Crawls = results[jobapi.KindCrawl].entries
	report.Batches = results[jobapi.KindBatch].entries
	report.Extracts = results[jobapi.KindExtract].entries

	for _, kind := range []jobapi.Kind{jobapi.KindCrawl, jobapi.KindBatch, jobapi.KindExtract} {
		missing := results[kind].notFound
		if len(missing) == 0 {
			continue
		}
		if _, err := a.history.Remove(history.Kind(kind), missing...); err != nil {
			a.logger.Warn("prune job history", zap.String("kind", string(kind)), zap.Error(err))
		}
		for _, id := range missing {
			report.Pruned = append(report.Pruned, string(kind)+":"+id)
		}
	}

	jobs = a.backfill(jobs, report)
	report.Embeddings = a.embedEntries(jobs)
	return report, nil
}

func (a *Aggregator) candidates(sel Selectors, jobs []queue.Job, report *Report) (crawls, batches, extracts []candidate) {
	if sel.Explicit() {
		return explicit(sel.Crawls), explicit(sel.Batches), explicit(sel.Extracts)
	}

	fromHistory := func(kind history.Kind) []candidate {
		entries, err := a.history.Recent(kind, a.cfg.HistoryLimit)
		if err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s history unavailable: %v", kind, err))
			return nil
		}
		out := make([]candidate, 0, len(entries))
		for _, e := range entries {
			out = append(out, candidate{id: e.ID, url: e.URL})
		}
		return out
	}
	crawls = fromHistory(history.KindCrawl)
	batches = fromHistory(history.KindBatch)
	extracts = fromHistory(history.KindExtract)

	for _, job := range jobs {
		if !job.Status.Active() {
			continue
		}
		c := candidate{id: job.JobID, url: job.URL}
		if job.Kind == queue.KindBatch {
			batches = append(batches, c)
		} else {
			crawls = append(crawls, c)
		}
	}
	return validCandidates(crawls), validCandidates(batches), validCandidates(extracts)
}

func explicit(ids []string) []candidate {
	in := make([]candidate, 0, len(ids))
	for _, id := range ids {
		in = append(in, candidate{id: id})
	}
	return validCandidates(in)
}

// validCandidates drops malformed IDs and duplicates, keeping the first
// occurrence and any URL a later duplicate knows.
func validCandidates(in []candidate) []candidate {
	index := make(map[string]int, len(in))
	out := make([]candidate, 0, len(in))
	for _, c := range in {
		id := strings.ToLower(strings.TrimSpace(c.id))
		if !uuid.ValidJobID(id) {
			continue
		}
		if i, dup := index[id]; dup {
			if out[i].url == "" {
				out[i].url = c.url
			}
			continue
		}
		index[id] = len(out)
		out = append(out, candidate{id: id, url: c.url})
	}
	return out
}

func (a *Aggregator) activeCrawls(ctx context.Context) ([]jobapi.ActiveCrawl, error) {
	return httpclient.Retry(ctx, a.cfg.Retry, retryable, func(ctx context.Context) ([]jobapi.ActiveCrawl, error) {
		return httpclient.WithTimeout(ctx, a.cfg.FetchTimeout, a.source.ActiveCrawls)
	})
}

func (a *Aggregator) fetchKind(ctx context.Context, kind jobapi.Kind, ids []candidate) kindResult {
	entries := make([]Entry, len(ids))
	notFound := make([]bool, len(ids))

	var g errgroup.Group
	g.SetLimit(a.cfg.Concurrency)
	for i, c := range ids {
		g.Go(func() error {
			entries[i], notFound[i] = a.fetchOne(ctx, kind, c)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // fetchOne never fails the group

	res := kindResult{entries: entries}
	for i, missing := range notFound {
		if missing {
			res.notFound = append(res.notFound, ids[i].id)
		}
	}
	return res
}

func (a *Aggregator) fetchOne(ctx context.Context, kind jobapi.Kind, c candidate) (Entry, bool) {
	st, err := httpclient.Retry(ctx, a.cfg.Retry, retryable, func(ctx context.Context) (jobapi.JobStatus, error) {
		return httpclient.WithTimeout(ctx, a.cfg.FetchTimeout, func(ctx context.Context) (jobapi.JobStatus, error) {
			return a.source.Status(ctx, kind, c.id)
		})
	})
	if err != nil {
		missing := IsNotFound(err)
		outcome := "error"
		status := "error"
		if missing {
			outcome, status = "not_found", "not_found"
		}
		metrics.ObserveStatusFetch(string(kind), outcome)
		return Entry{
			Kind:   string(kind),
			ID:     c.id,
			Status: status,
			Bucket: BucketFailed,
			URL:    c.url,
			Error:  err.Error(),
		}, missing
	}

	metrics.ObserveStatusFetch(string(kind), "ok")
	entry := Entry{
		Kind:      string(kind),
		ID:        c.id,
		Status:    st.Status,
		Bucket:    Classify(st.Status, st.Completed, st.Total, a.cfg.StalledCrawlHeuristic && kind == jobapi.KindCrawl),
		Completed: st.Completed,
		Total:     st.Total,
		URL:       c.url,
		Error:     st.Error,
	}
	if st.SourceURL != "" && (entry.URL == "" || IsJobEndpoint(entry.URL, c.id)) {
		entry.URL = st.SourceURL
	}
	return entry, false
}

// backfill replaces job-endpoint URLs on queue entries with the source URL
// revealed by their remote status.
func (a *Aggregator) backfill(jobs []queue.Job, report Report) []queue.Job {
	known := make(map[string]string)
	for _, group := range [][]Entry{report.Crawls, report.Batches} {
		for _, e := range group {
			if e.URL != "" && !IsJobEndpoint(e.URL, e.ID) {
				known[strings.ToLower(e.ID)] = e.URL
			}
		}
	}
	for i, job := range jobs {
		source, ok := known[strings.ToLower(job.JobID)]
		if !ok || (job.URL != "" && !IsJobEndpoint(job.URL, job.JobID)) {
			continue
		}
		updated, err := a.queue.UpdateJob(job.JobID, func(j *queue.Job) { j.URL = source })
		if err != nil {
			a.logger.Warn("back-fill embed job url", zap.String("job_id", job.JobID), zap.Error(err))
			continue
		}
		jobs[i] = updated
	}
	return jobs
}

func (a *Aggregator) embedEntries(jobs []queue.Job) []Entry {
	out := make([]Entry, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, Entry{
			Kind:      KindEmbed,
			ID:        job.JobID,
			Status:    string(job.Status),
			Bucket:    Classify(string(job.Status), job.ProcessedDocuments, job.TotalDocuments, false),
			Completed: job.ProcessedDocuments,
			Total:     job.TotalDocuments,
			URL:       job.URL,
			Error:     job.LastError,
			UpdatedAt: job.UpdatedAt,
		})
	}
	return out
}

// IsNotFound reports whether err says the job reference is dead.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	return jobapi.IsNotFound(err) || notFoundPattern.MatchString(err.Error())
}

func retryable(err error) bool {
	return !IsNotFound(err) && !errors.Is(err, context.Canceled)
}

// IsJobEndpoint reports whether raw is the API's own URL for job id rather
// than a crawled source.
func IsJobEndpoint(raw, id string) bool {
	u, err := url.Parse(raw)
	if err != nil || id == "" {
		return false
	}
	path := strings.ToLower(strings.TrimRight(u.Path, "/"))
	if !strings.HasSuffix(path, "/"+strings.ToLower(id)) {
		return false
	}
	return strings.Contains(path, "/crawl/") || strings.Contains(path, "/batch/scrape/") || strings.Contains(path, "/extract/")
}
