// Package queue implements the durable embed work queue. Jobs live in a single
// JSON file that is re-read and atomically rewritten on every mutation, so the
// file is always the source of truth and a crash never leaves it half written.
package queue

import (
	"errors"
	"time"
)

// Status is the lifecycle state of an embed job.
type Status string

// Job statuses.
const (
	StatusPending     Status = "pending"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusConfigError Status = "config_error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusConfigError:
		return true
	default:
		return false
	}
}

// Active reports whether the job still has work ahead of it.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusProcessing
}

// Terminal reports whether the job will never run again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusConfigError
}

// Kind values for Job.Kind.
const (
	KindCrawl = "crawl"
	KindBatch = "batch"
)

// DefaultMaxRetries applies when a job is enqueued without its own limit.
const DefaultMaxRetries = 3

var (
	// ErrNotFound is returned when no job has the requested ID.
	ErrNotFound = errors.New("embed job not found")
	// ErrAlreadyQueued is returned when an active job already uses the ID.
	ErrAlreadyQueued = errors.New("embed job already queued")
	// ErrInvalidTransition is returned when a mutation does not fit the
	// job's current status.
	ErrInvalidTransition = errors.New("invalid embed job transition")
)

// Job is one unit of "embed the output of this remote job".
type Job struct {
	JobID              string    `json:"jobId"`
	Kind               string    `json:"kind,omitempty"`
	URL                string    `json:"url"`
	Status             Status    `json:"status"`
	Retries            int       `json:"retries"`
	MaxRetries         int       `json:"maxRetries"`
	TotalDocuments     *int      `json:"totalDocuments,omitempty"`
	ProcessedDocuments *int      `json:"processedDocuments,omitempty"`
	FailedDocuments    *int      `json:"failedDocuments,omitempty"`
	LastError          string    `json:"lastError,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Progress carries the embedding tally recorded on completion.
type Progress struct {
	Total     int
	Processed int
	Failed    int
}

// Stats counts jobs per status.
type Stats struct {
	Pending     int `json:"pending"`
	Processing  int `json:"processing"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	ConfigError int `json:"configError"`
	Total       int `json:"total"`
}

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

func intPtr(v int) *int {
	return &v
}
