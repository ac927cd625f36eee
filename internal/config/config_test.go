package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
state_dir: ` + dir + `
api:
  url: https://scrape.internal
  key: fc-secret
http:
  timeout: 45s
  max_retries: 4
  backoff_base: 100ms
  backoff_max: 2s
embedder:
  url: http://tei:8080
  concurrency: 4
vector:
  url: http://qdrant:6333
  collection: docs
queue:
  max_retries: 5
worker:
  recovery_threshold: 2m
status:
  interval: 7s
  stalled_crawl_heuristic: false
logging:
  development: true
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.URL != "https://scrape.internal" || cfg.API.Key != "fc-secret" {
		t.Fatalf("expected api overrides, got %+v", cfg.API)
	}
	if cfg.HTTP.Timeout != 45*time.Second || cfg.HTTP.MaxRetries != 4 {
		t.Fatalf("expected http overrides, got %+v", cfg.HTTP)
	}
	if cfg.HTTP.BackoffBase != 100*time.Millisecond || cfg.HTTP.BackoffMax != 2*time.Second {
		t.Fatalf("expected backoff overrides, got %+v", cfg.HTTP)
	}
	if cfg.Embedder.URL != "http://tei:8080" || cfg.Embedder.Concurrency != 4 {
		t.Fatalf("expected embedder overrides, got %+v", cfg.Embedder)
	}
	if cfg.Vector.Collection != "docs" || cfg.Queue.MaxRetries != 5 {
		t.Fatalf("expected vector/queue overrides, got %+v %+v", cfg.Vector, cfg.Queue)
	}
	if cfg.Worker.RecoveryThreshold != 2*time.Minute {
		t.Fatalf("expected recovery threshold 2m, got %v", cfg.Worker.RecoveryThreshold)
	}
	if cfg.Status.Interval != 7*time.Second || cfg.Status.StalledCrawlHeuristic {
		t.Fatalf("expected status overrides, got %+v", cfg.Status)
	}
	if !cfg.Logging.Development {
		t.Fatal("expected development logging")
	}
	if got := cfg.QueuePath(); got != filepath.Join(dir, "embed-queue.json") {
		t.Fatalf("unexpected queue path %q", got)
	}
	if missing := cfg.MissingEmbeddingConfig(); len(missing) != 0 {
		t.Fatalf("expected no missing embedding config, got %v", missing)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TEI_URL", "")
	t.Setenv("QDRANT_URL", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTP.Timeout != 30*time.Second || cfg.HTTP.BackoffBase != 5*time.Second || cfg.HTTP.BackoffMax != 60*time.Second {
		t.Fatalf("unexpected http defaults: %+v", cfg.HTTP)
	}
	if cfg.Status.Interval != 3*time.Second || cfg.Status.HistoryLimit != 10 {
		t.Fatalf("unexpected status defaults: %+v", cfg.Status)
	}
	if cfg.Worker.RecoveryThreshold != 5*time.Minute {
		t.Fatalf("unexpected recovery default: %v", cfg.Worker.RecoveryThreshold)
	}
	missing := cfg.MissingEmbeddingConfig()
	if strings.Join(missing, ",") != "TEI_URL,QDRANT_URL" {
		t.Fatalf("expected both embedding variables missing, got %v", missing)
	}
}

func TestLoadConventionalEnv(t *testing.T) {
	t.Setenv("FIRECRAWL_API_KEY", "fc-env")
	t.Setenv("TEI_URL", "http://tei.env")
	t.Setenv("QDRANT_URL", "http://qdrant.env")
	t.Setenv("CRAWLQ_STATUS_INTERVAL", "9s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.API.Key != "fc-env" {
		t.Fatalf("expected api key from FIRECRAWL_API_KEY, got %q", cfg.API.Key)
	}
	if cfg.Embedder.URL != "http://tei.env" || cfg.Vector.URL != "http://qdrant.env" {
		t.Fatalf("expected embedding endpoints from env, got %q %q", cfg.Embedder.URL, cfg.Vector.URL)
	}
	if cfg.Status.Interval != 9*time.Second {
		t.Fatalf("expected prefixed env override, got %v", cfg.Status.Interval)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		StateDir: "/tmp/crawlq",
		API:      APIConfig{URL: "https://api"},
		HTTP:     HTTPConfig{Timeout: time.Second, BackoffBase: time.Second, BackoffMax: time.Minute},
		Embedder: EmbedderConfig{Concurrency: 1, BatchSize: 1},
		Queue:    QueueConfig{MaxRetries: 3},
		Status:   StatusConfig{HistoryLimit: 10, Concurrency: 1},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected base config to validate, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing state dir", func(c *Config) { c.StateDir = " " }, "state_dir"},
		{"missing api url", func(c *Config) { c.API.URL = "" }, "api.url"},
		{"zero timeout", func(c *Config) { c.HTTP.Timeout = 0 }, "http.timeout"},
		{"negative retries", func(c *Config) { c.HTTP.MaxRetries = -1 }, "http.max_retries"},
		{"backoff inverted", func(c *Config) { c.HTTP.BackoffMax = time.Millisecond }, "http.backoff_base"},
		{"zero embed concurrency", func(c *Config) { c.Embedder.Concurrency = 0 }, "embedder.concurrency"},
		{"zero queue retries", func(c *Config) { c.Queue.MaxRetries = 0 }, "queue.max_retries"},
		{"zero history", func(c *Config) { c.Status.HistoryLimit = 0 }, "status.history_limit"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
