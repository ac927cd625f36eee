// Package config loads and validates crawlq configuration via Viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	StateDir string         `mapstructure:"state_dir"`
	API      APIConfig      `mapstructure:"api"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Embedder EmbedderConfig `mapstructure:"embedder"`
	Vector   VectorConfig   `mapstructure:"vector"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Status   StatusConfig   `mapstructure:"status"`
	Daemon   DaemonConfig   `mapstructure:"daemon"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// APIConfig points at the remote scraping job API.
type APIConfig struct {
	URL string `mapstructure:"url"`
	Key string `mapstructure:"key"`
}

// HTTPConfig configures the resilient request layer.
type HTTPConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
}

// EmbedderConfig configures the text embedding service.
type EmbedderConfig struct {
	URL         string `mapstructure:"url"`
	BatchSize   int    `mapstructure:"batch_size"`
	Concurrency int    `mapstructure:"concurrency"`
	ChunkSize   int    `mapstructure:"chunk_size"`
}

// VectorConfig configures the vector store.
type VectorConfig struct {
	URL        string `mapstructure:"url"`
	APIKey     string `mapstructure:"api_key"`
	Collection string `mapstructure:"collection"`
}

// QueueConfig tunes the embed work queue.
type QueueConfig struct {
	MaxRetries         int `mapstructure:"max_retries"`
	CleanupMaxAgeHours int `mapstructure:"cleanup_max_age_hours"`
}

// WorkerConfig tunes the background embed worker.
type WorkerConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	PendingThreshold  time.Duration `mapstructure:"pending_threshold"`
	RecoveryThreshold time.Duration `mapstructure:"recovery_threshold"`
}

// StatusConfig tunes the status aggregator and watch loop.
type StatusConfig struct {
	Interval              time.Duration `mapstructure:"interval"`
	HistoryLimit          int           `mapstructure:"history_limit"`
	FetchTimeout          time.Duration `mapstructure:"fetch_timeout"`
	FetchRetries          int           `mapstructure:"fetch_retries"`
	FetchBaseDelay        time.Duration `mapstructure:"fetch_base_delay"`
	Concurrency           int           `mapstructure:"concurrency"`
	StalledCrawlHeuristic bool          `mapstructure:"stalled_crawl_heuristic"`
}

// DaemonConfig controls the background embedder daemon.
type DaemonConfig struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	URL          string        `mapstructure:"url"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindConventionalEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", defaultStateDir())
	v.SetDefault("api.url", "https://api.firecrawl.dev")
	v.SetDefault("api.key", "")
	v.SetDefault("http.timeout", "30s")
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_base", "5s")
	v.SetDefault("http.backoff_max", "60s")
	v.SetDefault("http.rate_limit_rps", 0)
	v.SetDefault("http.rate_limit_burst", 1)
	v.SetDefault("embedder.url", "")
	v.SetDefault("embedder.batch_size", 24)
	v.SetDefault("embedder.concurrency", 10)
	v.SetDefault("embedder.chunk_size", 1500)
	v.SetDefault("vector.url", "")
	v.SetDefault("vector.api_key", "")
	v.SetDefault("vector.collection", "crawlq")
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.cleanup_max_age_hours", 24)
	v.SetDefault("worker.poll_interval", "10s")
	v.SetDefault("worker.pending_threshold", "10s")
	v.SetDefault("worker.recovery_threshold", "5m")
	v.SetDefault("status.interval", "3s")
	v.SetDefault("status.history_limit", 10)
	v.SetDefault("status.fetch_timeout", "10s")
	v.SetDefault("status.fetch_retries", 3)
	v.SetDefault("status.fetch_base_delay", "500ms")
	v.SetDefault("status.concurrency", 10)
	v.SetDefault("status.stalled_crawl_heuristic", true)
	v.SetDefault("daemon.listen_addr", "127.0.0.1:53872")
	v.SetDefault("daemon.url", "http://127.0.0.1:53872")
	v.SetDefault("daemon.probe_timeout", "1s")
	v.SetDefault("logging.development", false)
}

// bindConventionalEnv maps the widely used unprefixed variables onto keys.
// Prefixed CRAWLQ_* variables still win because they are listed first.
func bindConventionalEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"api.key":        {"CRAWLQ_API_KEY", "FIRECRAWL_API_KEY"},
		"api.url":        {"CRAWLQ_API_URL", "FIRECRAWL_API_URL"},
		"embedder.url":   {"CRAWLQ_EMBEDDER_URL", "TEI_URL"},
		"vector.url":     {"CRAWLQ_VECTOR_URL", "QDRANT_URL"},
		"vector.api_key": {"CRAWLQ_VECTOR_API_KEY", "QDRANT_API_KEY"},
	}
	for key, envs := range bindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func defaultStateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return ".crawlq"
	}
	return filepath.Join(dir, "crawlq")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.StateDir) == "" {
		return fmt.Errorf("state_dir must be set")
	}
	if strings.TrimSpace(c.API.URL) == "" {
		return fmt.Errorf("api.url must be set")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.HTTP.BackoffBase <= 0 || c.HTTP.BackoffMax < c.HTTP.BackoffBase {
		return fmt.Errorf("http.backoff_base must be > 0 and <= http.backoff_max")
	}
	if c.Embedder.Concurrency <= 0 {
		return fmt.Errorf("embedder.concurrency must be > 0")
	}
	if c.Embedder.BatchSize <= 0 {
		return fmt.Errorf("embedder.batch_size must be > 0")
	}
	if c.Queue.MaxRetries <= 0 {
		return fmt.Errorf("queue.max_retries must be > 0")
	}
	if c.Status.HistoryLimit <= 0 {
		return fmt.Errorf("status.history_limit must be > 0")
	}
	if c.Status.Concurrency <= 0 {
		return fmt.Errorf("status.concurrency must be > 0")
	}
	if c.Status.FetchRetries < 0 {
		return fmt.Errorf("status.fetch_retries must be >= 0")
	}
	return nil
}

// QueuePath is the durable embed queue file.
func (c Config) QueuePath() string {
	return filepath.Join(c.StateDir, "embed-queue.json")
}

// HistoryPath is the durable job history file.
func (c Config) HistoryPath() string {
	return filepath.Join(c.StateDir, "job-history.json")
}

// MissingEmbeddingConfig names the environment variables an embedding run
// needs but does not have.
func (c Config) MissingEmbeddingConfig() []string {
	var missing []string
	if strings.TrimSpace(c.Embedder.URL) == "" {
		missing = append(missing, "TEI_URL")
	}
	if strings.TrimSpace(c.Vector.URL) == "" {
		missing = append(missing, "QDRANT_URL")
	}
	return missing
}
