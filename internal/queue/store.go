package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/clock/system"
	"github.com/JakeFAU/crawlq/internal/fileutil"
	"github.com/JakeFAU/crawlq/internal/logging"
	"github.com/JakeFAU/crawlq/internal/metrics"
)

const fileVersion = 1

// Store persists jobs to a JSON file. All mutations are serialized by an
// in-process mutex and guarded across processes by a best-effort file lock.
type Store struct {
	path       string
	lock       *fileutil.Lock
	mu         sync.Mutex
	clock      Clock
	logger     *zap.Logger
	maxRetries int
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithClock overrides the time source.
func WithClock(clock Clock) StoreOption {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the logger used for discarded entries.
func WithLogger(logger *zap.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logging.OrNop(logger)
	}
}

// WithMaxRetries sets the retry limit for jobs enqueued without one.
func WithMaxRetries(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// NewStore returns a Store backed by path. The file is created lazily.
func NewStore(path string, opts ...StoreOption) *Store {
	s := &Store{
		path:       path,
		lock:       fileutil.NewLock(path),
		clock:      system.New(),
		logger:     zap.NewNop(),
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

type fileFormat struct {
	Version int               `json:"version"`
	Jobs    []json.RawMessage `json:"jobs"`
}

// view runs fn over a fresh read of the file.
func (s *Store) view(fn func(jobs []Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lock.WithLock(func() error {
		jobs, err := s.load()
		if err != nil {
			return err
		}
		fn(jobs)
		return nil
	})
}

// update runs a read-modify-write cycle. fn returns the new job list; the
// file is only rewritten when fn succeeds.
func (s *Store) update(fn func(jobs []Job) ([]Job, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lock.WithLock(func() error {
		jobs, err := s.load()
		if err != nil {
			return err
		}
		next, err := fn(jobs)
		if err != nil {
			return err
		}
		return s.save(next)
	})
}

func (s *Store) load() ([]Job, error) {
	data, err := fileutil.ReadIfExists(s.path)
	if err != nil {
		return nil, fmt.Errorf("load embed queue: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}

	var raw []json.RawMessage
	var file fileFormat
	if err := json.Unmarshal(data, &file); err == nil {
		raw = file.Jobs
	} else if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("discarding unreadable embed queue file",
			zap.String("path", s.path),
			zap.Error(err),
		)
		return nil, nil
	}

	jobs := make([]Job, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for i, entry := range raw {
		job, err := s.decodeJob(entry)
		if err != nil {
			s.logger.Warn("discarding malformed embed queue entry",
				zap.String("path", s.path),
				zap.Int("index", i),
				zap.Error(err),
			)
			continue
		}
		if _, dup := seen[job.JobID]; dup {
			s.logger.Warn("discarding duplicate embed queue entry", zap.String("job_id", job.JobID))
			continue
		}
		seen[job.JobID] = struct{}{}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *Store) decodeJob(entry json.RawMessage) (Job, error) {
	var job Job
	if err := json.Unmarshal(entry, &job); err != nil {
		return Job{}, fmt.Errorf("decode: %w", err)
	}
	job.JobID = strings.TrimSpace(job.JobID)
	if job.JobID == "" {
		return Job{}, errors.New("missing jobId")
	}
	if !job.Status.Valid() {
		return Job{}, fmt.Errorf("unknown status %q", job.Status)
	}
	if job.MaxRetries <= 0 {
		job.MaxRetries = s.maxRetries
	}
	if job.Retries < 0 {
		job.Retries = 0
	}
	if job.Retries > job.MaxRetries {
		job.Retries = job.MaxRetries
	}
	return job, nil
}

func (s *Store) save(jobs []Job) error {
	file := fileFormat{Version: fileVersion, Jobs: make([]json.RawMessage, 0, len(jobs))}
	for _, job := range jobs {
		entry, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode embed job %s: %w", job.JobID, err)
		}
		file.Jobs = append(file.Jobs, entry)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode embed queue: %w", err)
	}
	if err := fileutil.AtomicWrite(s.path, data, 0o600); err != nil {
		return fmt.Errorf("persist embed queue: %w", err)
	}
	return nil
}

func indexOf(jobs []Job, id string) int {
	for i := range jobs {
		if jobs[i].JobID == id {
			return i
		}
	}
	return -1
}

// mutate applies fn to the job with the given ID and persists the result.
func (s *Store) mutate(id string, fn func(job *Job, now time.Time) error) (Job, error) {
	id = strings.TrimSpace(id)
	var updated Job
	err := s.update(func(jobs []Job) ([]Job, error) {
		i := indexOf(jobs, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		before := jobs[i].Status
		if err := fn(&jobs[i], s.clock.Now()); err != nil {
			return nil, err
		}
		if jobs[i].Status != before {
			metrics.ObserveQueueTransition(string(jobs[i].Status))
		}
		updated = jobs[i]
		return jobs, nil
	})
	return updated, err
}

func transitionError(job *Job, target Status) error {
	return fmt.Errorf("%w: %s is %s, cannot become %s", ErrInvalidTransition, job.JobID, job.Status, target)
}

// Enqueue adds job as pending. An active job with the same ID is left
// untouched and ErrAlreadyQueued is returned; a terminal one is replaced.
func (s *Store) Enqueue(job Job) (Job, error) {
	job.JobID = strings.TrimSpace(job.JobID)
	if job.JobID == "" {
		return Job{}, errors.New("enqueue: job ID is required")
	}
	now := s.clock.Now()
	job.Status = StatusPending
	job.Retries = 0
	job.LastError = ""
	job.TotalDocuments, job.ProcessedDocuments, job.FailedDocuments = nil, nil, nil
	if job.MaxRetries <= 0 {
		job.MaxRetries = s.maxRetries
	}
	if job.Kind == "" {
		job.Kind = KindCrawl
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	err := s.update(func(jobs []Job) ([]Job, error) {
		if i := indexOf(jobs, job.JobID); i >= 0 {
			if jobs[i].Status.Active() {
				job = jobs[i]
				return nil, fmt.Errorf("%w: %s", ErrAlreadyQueued, job.JobID)
			}
			jobs = append(jobs[:i], jobs[i+1:]...)
		}
		metrics.ObserveQueueTransition(string(StatusPending))
		return append(jobs, job), nil
	})
	return job, err
}

// MarkProcessing claims a pending job.
func (s *Store) MarkProcessing(id string) (Job, error) {
	return s.mutate(id, func(job *Job, now time.Time) error {
		if job.Status != StatusPending {
			return transitionError(job, StatusProcessing)
		}
		job.Status = StatusProcessing
		job.UpdatedAt = now
		return nil
	})
}

// MarkCompleted records a finished job and its embedding tally.
func (s *Store) MarkCompleted(id string, p Progress) (Job, error) {
	return s.mutate(id, func(job *Job, now time.Time) error {
		if job.Status != StatusProcessing {
			return transitionError(job, StatusCompleted)
		}
		total := max(p.Total, 0)
		processed := min(max(p.Processed, 0), total)
		failed := min(max(p.Failed, 0), total)
		job.Status = StatusCompleted
		job.TotalDocuments = intPtr(total)
		job.ProcessedDocuments = intPtr(processed)
		job.FailedDocuments = intPtr(failed)
		job.LastError = ""
		job.UpdatedAt = now
		return nil
	})
}

// MarkFailed consumes one retry. The job returns to pending until its
// retries reach MaxRetries, then becomes terminally failed.
func (s *Store) MarkFailed(id string, cause error) (Job, error) {
	return s.mutate(id, func(job *Job, now time.Time) error {
		if !job.Status.Active() {
			return transitionError(job, StatusFailed)
		}
		job.Retries++
		if job.Retries >= job.MaxRetries {
			job.Retries = job.MaxRetries
			job.Status = StatusFailed
		} else {
			job.Status = StatusPending
		}
		if cause != nil {
			job.LastError = cause.Error()
		}
		job.UpdatedAt = now
		return nil
	})
}

// MarkConfigError terminally fails a job whose run cannot succeed until the
// deployment is fixed. No retry is consumed.
func (s *Store) MarkConfigError(id, reason string) (Job, error) {
	return s.mutate(id, func(job *Job, now time.Time) error {
		if !job.Status.Active() {
			return transitionError(job, StatusConfigError)
		}
		job.Status = StatusConfigError
		job.LastError = reason
		job.UpdatedAt = now
		return nil
	})
}

// Requeue returns a processing job to pending without consuming a retry.
func (s *Store) Requeue(id, note string) (Job, error) {
	return s.mutate(id, func(job *Job, now time.Time) error {
		if job.Status != StatusProcessing {
			return transitionError(job, StatusPending)
		}
		job.Status = StatusPending
		if note != "" {
			job.LastError = note
		}
		job.UpdatedAt = now
		return nil
	})
}

// RecoverStuck demotes an abandoned processing job back to pending. The
// refreshed timestamp keeps it from being recovered again until it goes
// stale once more.
func (s *Store) RecoverStuck(id string) (Job, error) {
	return s.Requeue(id, "recovered after exceeding the processing threshold")
}

// UpdateJob applies fn to the stored job atomically. fn may edit descriptive
// fields such as URL; identity, status and timestamps are preserved so an
// edit never changes when the worker picks the job up.
func (s *Store) UpdateJob(id string, fn func(job *Job)) (Job, error) {
	return s.mutate(id, func(job *Job, _ time.Time) error {
		keep := *job
		fn(job)
		job.JobID = keep.JobID
		job.Status = keep.Status
		job.CreatedAt = keep.CreatedAt
		job.UpdatedAt = keep.UpdatedAt
		if job.MaxRetries <= 0 {
			job.MaxRetries = keep.MaxRetries
		}
		job.Retries = min(max(job.Retries, 0), job.MaxRetries)
		if job.TotalDocuments != nil && job.ProcessedDocuments != nil && *job.ProcessedDocuments > *job.TotalDocuments {
			job.ProcessedDocuments = intPtr(*job.TotalDocuments)
		}
		return nil
	})
}

// Get returns one job.
func (s *Store) Get(id string) (Job, error) {
	id = strings.TrimSpace(id)
	var (
		job   Job
		found bool
	)
	err := s.view(func(jobs []Job) {
		if i := indexOf(jobs, id); i >= 0 {
			job, found = jobs[i], true
		}
	})
	if err != nil {
		return Job{}, err
	}
	if !found {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job, nil
}

// ListAll returns every job in enqueue order.
func (s *Store) ListAll() ([]Job, error) {
	var out []Job
	err := s.view(func(jobs []Job) {
		out = jobs
	})
	return out, err
}

// Active returns the pending and processing jobs.
func (s *Store) Active() ([]Job, error) {
	return s.filter(func(job Job, _ time.Time) bool {
		return job.Status.Active()
	})
}

// Remove deletes one job regardless of status.
func (s *Store) Remove(id string) error {
	id = strings.TrimSpace(id)
	return s.update(func(jobs []Job) ([]Job, error) {
		i := indexOf(jobs, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return append(jobs[:i], jobs[i+1:]...), nil
	})
}

// Clear removes every job and returns how many were dropped.
func (s *Store) Clear() (int, error) {
	var n int
	err := s.update(func(jobs []Job) ([]Job, error) {
		n = len(jobs)
		return nil, nil
	})
	return n, err
}

// Cleanup removes terminal jobs last updated more than maxAge ago and
// returns how many were dropped.
func (s *Store) Cleanup(maxAge time.Duration) (int, error) {
	var removed int
	err := s.update(func(jobs []Job) ([]Job, error) {
		cutoff := s.clock.Now().Add(-maxAge)
		kept := jobs[:0]
		for _, job := range jobs {
			if job.Status.Terminal() && job.UpdatedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, job)
		}
		return kept, nil
	})
	return removed, err
}

// StalePendingJobs returns pending jobs untouched for at least maxAge.
func (s *Store) StalePendingJobs(maxAge time.Duration) ([]Job, error) {
	return s.filter(func(job Job, now time.Time) bool {
		return job.Status == StatusPending && now.Sub(job.UpdatedAt) >= maxAge
	})
}

// StuckProcessingJobs returns processing jobs untouched for at least maxAge.
func (s *Store) StuckProcessingJobs(maxAge time.Duration) ([]Job, error) {
	return s.filter(func(job Job, now time.Time) bool {
		return job.Status == StatusProcessing && now.Sub(job.UpdatedAt) >= maxAge
	})
}

// Stats counts jobs per status.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.view(func(jobs []Job) {
		for _, job := range jobs {
			st.Total++
			switch job.Status {
			case StatusPending:
				st.Pending++
			case StatusProcessing:
				st.Processing++
			case StatusCompleted:
				st.Completed++
			case StatusFailed:
				st.Failed++
			case StatusConfigError:
				st.ConfigError++
			}
		}
	})
	return st, err
}

func (s *Store) filter(keep func(job Job, now time.Time) bool) ([]Job, error) {
	var out []Job
	err := s.view(func(jobs []Job) {
		now := s.clock.Now()
		for _, job := range jobs {
			if keep(job, now) {
				out = append(out, job)
			}
		}
	})
	return out, err
}
