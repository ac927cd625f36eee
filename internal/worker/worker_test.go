package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/jobapi"
	"github.com/JakeFAU/crawlq/internal/queue"
	"github.com/JakeFAU/crawlq/internal/vectorstore"
)

const jobID = "0b6d6c6e-1f7e-4c59-9d3a-6d0e7f1a2b3c"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSource struct {
	mu     sync.Mutex
	status jobapi.JobStatus
	err    error
	calls  int
}

func (f *fakeSource) Documents(_ context.Context, _ jobapi.Kind, id string) (jobapi.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return jobapi.JobStatus{}, f.err
	}
	st := f.status
	st.ID = id
	return st, nil
}

type fakeEmbedder struct {
	failOn string
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if f.failOn != "" && strings.Contains(text, f.failOn) {
			return nil, errors.New("embedding service returned 500")
		}
		out[i] = []float32{float32(len(text)), 0.5}
	}
	return out, nil
}

type fakeVectorStore struct {
	mu      sync.Mutex
	points  []vectorstore.Point
	deleted []string
}

func (f *fakeVectorStore) DeleteByURL(_ context.Context, sourceURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, sourceURL)
	return nil
}

func (f *fakeVectorStore) Upsert(_ context.Context, points []vectorstore.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, points...)
	return nil
}

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return "cycle-1", nil }

type harness struct {
	store  *queue.Store
	clock  *fakeClock
	source *fakeSource
	embed  *fakeEmbedder
	vector *fakeVectorStore
	worker *Worker
}

func newHarness(t *testing.T, missing ...string) *harness {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	h := &harness{
		store:  queue.NewStore(filepath.Join(t.TempDir(), "embed-queue.json"), queue.WithClock(clk), queue.WithMaxRetries(3)),
		clock:  clk,
		source: &fakeSource{},
		embed:  &fakeEmbedder{},
		vector: &fakeVectorStore{},
	}
	h.worker = New(h.store, h.source, h.embed, h.vector, clk, fixedIDs{}, Config{
		PollInterval:      10 * time.Millisecond,
		PendingThreshold:  10 * time.Second,
		RecoveryThreshold: 5 * time.Minute,
		Concurrency:       2,
		ChunkSize:         200,
		MissingConfig:     missing,
	}, zap.NewNop())
	return h
}

func (h *harness) enqueue(t *testing.T) {
	t.Helper()
	_, err := h.store.Enqueue(queue.Job{JobID: jobID, Kind: queue.KindCrawl, URL: "https://api.test/v2/crawl/" + jobID})
	require.NoError(t, err)
	h.clock.Advance(11 * time.Second)
}

func completedWith(docs ...jobapi.Document) jobapi.JobStatus {
	return jobapi.JobStatus{Kind: jobapi.KindCrawl, Status: "completed", Data: docs}
}

func doc(url, markdown string) jobapi.Document {
	return jobapi.Document{Markdown: markdown, Metadata: jobapi.Metadata{SourceURL: url, Title: "T"}}
}

func TestRunCycleCompletesWithEmbeddingTally(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.enqueue(t)
	h.embed.failOn = "broken"
	h.source.status = completedWith(
		doc("https://www.example.com/a", "# A\nalpha text"),
		doc("https://example.com/b", "beta text"),
		doc("https://example.com/empty", "   "),
		doc("https://example.com/c", "broken page"),
	)

	result, err := h.worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Picked)
	assert.Equal(t, 1, result.Outcomes[OutcomeCompleted])

	job, err := h.store.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, job.Status)
	require.NotNil(t, job.TotalDocuments)
	assert.Equal(t, 3, *job.TotalDocuments, "empty documents are skipped")
	assert.Equal(t, 2, *job.ProcessedDocuments)
	assert.Equal(t, 1, *job.FailedDocuments)

	h.vector.mu.Lock()
	defer h.vector.mu.Unlock()
	require.Len(t, h.vector.points, 2)
	domains := map[string]bool{}
	for _, p := range h.vector.points {
		domains[p.Payload.Domain] = true
		assert.Equal(t, jobID, p.Payload.JobID)
		assert.Equal(t, "crawl", p.Payload.SourceCommand)
		assert.NotEmpty(t, p.ID)
	}
	assert.Equal(t, map[string]bool{"example.com": true}, domains)
}

func TestMissingConfigMarksConfigErrorOnFirstCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "TEI_URL", "QDRANT_URL")
	h.enqueue(t)
	h.source.status = completedWith(doc("https://example.com", "text"))

	result, err := h.worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Outcomes[OutcomeConfigError])

	job, err := h.store.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusConfigError, job.Status)
	assert.Contains(t, job.LastError, "TEI_URL, QDRANT_URL")
	assert.Zero(t, job.Retries)
	assert.Zero(t, h.source.calls, "remote job is never fetched")

	h.clock.Advance(time.Hour)
	result, err = h.worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Picked, "config errors never return to pending")
}

func TestProcessJobReportsErrConfig(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "TEI_URL")
	h.enqueue(t)
	job, err := h.store.Get(jobID)
	require.NoError(t, err)

	outcome, err := h.worker.ProcessJob(context.Background(), job)
	assert.Equal(t, OutcomeConfigError, outcome)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestStuckJobRecoveredExactlyOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.enqueue(t)
	_, err := h.store.MarkProcessing(jobID)
	require.NoError(t, err)
	h.clock.Advance(6 * time.Minute)

	result, err := h.worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Recovered)
	assert.Zero(t, result.Picked, "a freshly recovered job waits for the pending threshold")

	job, err := h.store.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.Zero(t, job.Retries)

	result, err = h.worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Recovered)
}

func TestRemoteStillRunningRequeuesWithoutRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.enqueue(t)
	h.source.status = jobapi.JobStatus{Status: "scraping"}

	result, err := h.worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Outcomes[OutcomeRequeued])

	job, err := h.store.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.Zero(t, job.Retries)
	assert.Contains(t, job.LastError, "scraping")
}

func TestTransientFailuresExhaustRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.enqueue(t)
	h.source.err = errors.New("connection reset")

	for i := 1; i <= 3; i++ {
		_, err := h.worker.RunCycle(context.Background())
		require.NoError(t, err)
		job, err := h.store.Get(jobID)
		require.NoError(t, err)
		assert.Equal(t, i, job.Retries)
		if i < 3 {
			assert.Equal(t, queue.StatusPending, job.Status)
		} else {
			assert.Equal(t, queue.StatusFailed, job.Status)
		}
		h.clock.Advance(11 * time.Second)
	}
	assert.Equal(t, 3, h.source.calls)
}

func TestAllDocumentsFailingCountsAsFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.enqueue(t)
	h.embed.failOn = "x"
	h.source.status = completedWith(doc("https://example.com/1", "x1"), doc("https://example.com/2", "x2"))

	result, err := h.worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Outcomes[OutcomeRetry])

	job, err := h.store.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.Equal(t, 1, job.Retries)
	assert.Contains(t, job.LastError, "all 2 documents failed")
}

func TestEmptyRemoteOutputCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.enqueue(t)
	h.source.status = completedWith()

	_, err := h.worker.RunCycle(context.Background())
	require.NoError(t, err)
	job, err := h.store.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, job.Status)
	assert.Equal(t, 0, *job.TotalDocuments)
}

func TestRemoteFailureConsumesRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.enqueue(t)
	h.source.status = jobapi.JobStatus{Status: "failed", Error: "crawl blocked"}

	_, err := h.worker.RunCycle(context.Background())
	require.NoError(t, err)
	job, err := h.store.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Retries)
	assert.Contains(t, job.LastError, "crawl blocked")
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.worker.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestIsEmbedderRunning(t *testing.T) {
	t.Parallel()

	handler := func(status int) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/health", r.URL.Path)
			w.WriteHeader(status)
		})
	}

	testCases := []struct {
		name   string
		status int
		want   bool
	}{
		{"ok", http.StatusOK, true},
		{"no content", http.StatusNoContent, true},
		{"not found", http.StatusNotFound, true},
		{"server error", http.StatusInternalServerError, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(handler(tc.status))
			t.Cleanup(srv.Close)
			assert.Equal(t, tc.want, IsEmbedderRunning(context.Background(), srv.Client(), srv.URL, time.Second))
		})
	}

	t.Run("connection refused", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(handler(http.StatusOK))
		addr := srv.URL
		srv.Close()
		assert.False(t, IsEmbedderRunning(context.Background(), nil, addr, time.Second))
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		t.Cleanup(func() {
			close(release)
			srv.Close()
		})
		start := time.Now()
		assert.False(t, IsEmbedderRunning(context.Background(), srv.Client(), srv.URL, 50*time.Millisecond))
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("empty url", func(t *testing.T) {
		t.Parallel()
		assert.False(t, IsEmbedderRunning(context.Background(), nil, "", time.Second))
	})
}
