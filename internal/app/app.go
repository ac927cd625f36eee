// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the CLI commands.
package app

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/clock/system"
	"github.com/JakeFAU/crawlq/internal/config"
	"github.com/JakeFAU/crawlq/internal/daemon"
	"github.com/JakeFAU/crawlq/internal/embedder"
	"github.com/JakeFAU/crawlq/internal/history"
	"github.com/JakeFAU/crawlq/internal/httpclient"
	"github.com/JakeFAU/crawlq/internal/id/uuid"
	"github.com/JakeFAU/crawlq/internal/jobapi"
	"github.com/JakeFAU/crawlq/internal/logging"
	"github.com/JakeFAU/crawlq/internal/policy/ratelimit"
	"github.com/JakeFAU/crawlq/internal/queue"
	"github.com/JakeFAU/crawlq/internal/search"
	"github.com/JakeFAU/crawlq/internal/status"
	"github.com/JakeFAU/crawlq/internal/vectorstore"
	"github.com/JakeFAU/crawlq/internal/worker"
)

// App holds the shared services built once per process from Config.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  *system.Clock
	ids    *uuid.Generator
	http   *httpclient.Client
	jobs   *jobapi.Client
	// statusJobs does single attempts; the aggregator owns retrying.
	statusJobs *jobapi.Client
	embed      *embedder.Client
	vectors    *vectorstore.Store
	queue      *queue.Store
	history    *history.Store
}

// New wires every service from cfg. It fails fast when the state directory
// cannot be created.
func New(cfg config.Config, logger *zap.Logger) (*App, error) {
	logger = logging.OrNop(logger)
	if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", cfg.StateDir, err)
	}

	clock := system.New()
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.HTTP.RateLimitRPS,
		DefaultBurst: cfg.HTTP.RateLimitBurst,
	})
	hc := httpclient.New(
		httpclient.WithLimiter(limiter),
		httpclient.WithLogger(logger.Named("http")),
		httpclient.WithDefaults(httpclient.Options{
			Timeout:    cfg.HTTP.Timeout,
			MaxRetries: cfg.HTTP.MaxRetries,
			BaseDelay:  cfg.HTTP.BackoffBase,
			MaxDelay:   cfg.HTTP.BackoffMax,
		}),
	)

	statusHTTP := httpclient.New(
		httpclient.WithLimiter(limiter),
		httpclient.WithLogger(logger.Named("http.status")),
		httpclient.WithDefaults(httpclient.Options{
			Timeout:    cfg.Status.FetchTimeout,
			MaxRetries: 0,
			BaseDelay:  cfg.Status.FetchBaseDelay,
			MaxDelay:   cfg.HTTP.BackoffMax,
		}),
	)

	a := &App{
		cfg:        cfg,
		logger:     logger,
		clock:      clock,
		ids:        uuid.New(),
		http:       hc,
		jobs:       jobapi.New(cfg.API.URL, cfg.API.Key, hc),
		statusJobs: jobapi.New(cfg.API.URL, cfg.API.Key, statusHTTP),
		embed:      embedder.New(cfg.Embedder.URL, cfg.Embedder.BatchSize, hc),
		vectors:    vectorstore.New(cfg.Vector.URL, cfg.Vector.APIKey, cfg.Vector.Collection, hc),
		queue: queue.NewStore(cfg.QueuePath(),
			queue.WithClock(clock),
			queue.WithLogger(logger.Named("queue")),
			queue.WithMaxRetries(cfg.Queue.MaxRetries),
		),
		history: history.NewStore(cfg.HistoryPath(), clock, logger.Named("history")),
	}
	logger.Debug("application services initialized",
		zap.String("state_dir", cfg.StateDir),
		zap.String("api_url", cfg.API.URL),
	)
	return a, nil
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Clock returns the wall clock.
func (a *App) Clock() *system.Clock { return a.clock }

// HTTP returns the resilient request layer.
func (a *App) HTTP() *httpclient.Client { return a.http }

// Jobs returns the remote job API client.
func (a *App) Jobs() *jobapi.Client { return a.jobs }

// Queue returns the durable embed queue.
func (a *App) Queue() *queue.Store { return a.queue }

// Vectors returns the vector store client.
func (a *App) Vectors() *vectorstore.Store { return a.vectors }

// History returns the job history store.
func (a *App) History() *history.Store { return a.history }

// Aggregator builds the status aggregator. Its job API client makes single
// attempts so the status retry policy is the only retry loop.
func (a *App) Aggregator() *status.Aggregator {
	c := a.cfg.Status
	return status.NewAggregator(a.statusJobs, a.history, a.queue, a.clock, status.Config{
		HistoryLimit: c.HistoryLimit,
		FetchTimeout: c.FetchTimeout,
		Retry: httpclient.RetryPolicy{
			Retries:   c.FetchRetries,
			BaseDelay: c.FetchBaseDelay,
			MaxDelay:  a.cfg.HTTP.BackoffMax,
		},
		Concurrency:           c.Concurrency,
		StalledCrawlHeuristic: c.StalledCrawlHeuristic,
	}, a.logger.Named("status"))
}

// Worker builds the background embed worker.
func (a *App) Worker() *worker.Worker {
	c := a.cfg.Worker
	return worker.New(a.queue, a.jobs, a.embed, a.vectors, a.clock, a.ids, worker.Config{
		PollInterval:      c.PollInterval,
		PendingThreshold:  c.PendingThreshold,
		RecoveryThreshold: c.RecoveryThreshold,
		Concurrency:       a.cfg.Embedder.Concurrency,
		ChunkSize:         a.cfg.Embedder.ChunkSize,
		MissingConfig:     a.cfg.MissingEmbeddingConfig(),
	}, a.logger.Named("worker"))
}

// Search builds the semantic search service.
func (a *App) Search() *search.Service {
	return search.NewService(a.embed, a.vectors, a.logger.Named("search"))
}

// DaemonServer builds the embedder daemon's HTTP server.
func (a *App) DaemonServer() *daemon.Server {
	return daemon.NewServer(a.queue, a.clock, a.logger.Named("daemon"))
}

// Close flushes the logger. Stores hold no open handles between calls.
func (a *App) Close() {
	_ = a.logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
}
