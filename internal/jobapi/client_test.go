package jobapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlq/internal/httpclient"
)

const crawlID = "0b6d6c6e-1f7e-4c59-9d3a-6d0e7f1a2b3c"

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	hc := httpclient.New(httpclient.WithDefaults(httpclient.Options{Timeout: time.Second}))
	return New(srv.URL, "fc-test", hc)
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestStartCrawl(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/crawl", r.URL.Path)
		assert.Equal(t, "Bearer fc-test", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://docs.example.com", body["url"])
		assert.EqualValues(t, 5, body["limit"])
		writeJSON(t, w, http.StatusOK, map[string]any{"success": true, "id": crawlID, "url": "https://api.test/v2/crawl/" + crawlID})
	}))

	sub, err := c.StartCrawl(context.Background(), CrawlRequest{URL: "https://docs.example.com", Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, crawlID, sub.ID)
	assert.Equal(t, "https://api.test/v2/crawl/"+crawlID, sub.URL)
}

func TestSubmitWithoutIDFails(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"success": false, "error": "Insufficient credits"})
	}))
	_, err := c.StartBatchScrape(context.Background(), []string{"https://example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Insufficient credits")
}

func TestStatusNotFoundSurfacesAPIError(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusNotFound, map[string]any{"success": false, "error": "Job not found"})
	}))
	_, err := c.Status(context.Background(), KindCrawl, crawlID)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "Job not found")
}

func TestDocumentsFollowsNextPages(t *testing.T) {
	t.Parallel()

	var base string
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/crawl/"+crawlID, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("skip") == "1" {
			writeJSON(t, w, http.StatusOK, map[string]any{
				"status": "completed", "completed": 2, "total": 2,
				"data": []any{map[string]any{"markdown": "# Two", "metadata": map[string]any{"sourceURL": "https://docs.example.com/two"}}},
			})
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]any{
			"status": "completed", "completed": 2, "total": 2,
			"next": base + "/v2/crawl/" + crawlID + "?skip=1",
			"data": []any{map[string]any{"markdown": "# One", "metadata": map[string]any{"sourceURL": "https://docs.example.com", "title": "Docs"}}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	base = srv.URL
	c := New(srv.URL, "", httpclient.New(httpclient.WithDefaults(httpclient.Options{Timeout: time.Second})))

	status, err := c.Documents(context.Background(), KindCrawl, crawlID)
	require.NoError(t, err)
	assert.True(t, status.Terminal())
	assert.True(t, status.Succeeded())
	require.Len(t, status.Data, 2)
	assert.Equal(t, "Docs", status.Data[0].Metadata.Title)
	assert.Equal(t, "https://docs.example.com/two", status.Data[1].Source())
	assert.Equal(t, "https://docs.example.com", status.SourceURL)
	require.NotNil(t, status.Completed)
	assert.Equal(t, 2, *status.Completed)
}

func TestDocumentsRejectsForeignNextPage(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"status": "completed", "next": "https://elsewhere.test/page2", "data": []any{}})
	}))
	_, err := c.Documents(context.Background(), KindBatch, crawlID)
	require.Error(t, err)
}

func TestExtractStatusKeepsRawData(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/extract/"+crawlID, r.URL.Path)
		writeJSON(t, w, http.StatusOK, map[string]any{"success": true, "status": "processing", "data": map[string]any{"price": 12}})
	}))
	status, err := c.Status(context.Background(), KindExtract, crawlID)
	require.NoError(t, err)
	assert.Equal(t, "processing", status.Status)
	assert.False(t, status.Terminal())
	assert.JSONEq(t, `{"price":12}`, string(status.Extracted))
	assert.Empty(t, status.Data)
}

func TestActiveCrawls(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/crawl/active", r.URL.Path)
		writeJSON(t, w, http.StatusOK, map[string]any{"success": true, "crawls": []any{map[string]any{"id": crawlID, "url": "https://docs.example.com"}}})
	}))
	active, err := c.ActiveCrawls(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, crawlID, active[0].ID)
}

func TestUnknownKind(t *testing.T) {
	t.Parallel()

	c := New("http://unused", "", nil)
	_, err := c.Status(context.Background(), Kind("scrape"), crawlID)
	require.Error(t, err)
}
