package vectorstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlq/internal/httpclient"
)

type fakeQdrant struct {
	mu       sync.Mutex
	exists   bool
	created  []collectionConfig
	upserted []Point
	deleted  []string
	apiKeys  []string
}

func (f *fakeQdrant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiKeys = append(f.apiKeys, r.Header.Get("api-key"))

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/collections/docs":
		if !f.exists {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"status":{"error":"Not found"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"result":{}}`))
	case r.Method == http.MethodPut && r.URL.Path == "/collections/docs":
		var cfg collectionConfig
		_ = json.NewDecoder(r.Body).Decode(&cfg)
		f.created = append(f.created, cfg)
		f.exists = true
		_, _ = w.Write([]byte(`{"result":true}`))
	case r.Method == http.MethodPut && r.URL.Path == "/collections/docs/points":
		var body struct {
			Points []Point `json:"points"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.upserted = append(f.upserted, body.Points...)
		_, _ = w.Write([]byte(`{"result":{"status":"completed"}}`))
	case r.Method == http.MethodPost && r.URL.Path == "/collections/docs/points/search":
		var req searchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Filter != nil && req.Filter.Must[0].Match.Value != "example.com" {
			_, _ = w.Write([]byte(`{"result":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"result":[{"id":"p1","score":0.91,"payload":{"url":"https://example.com/docs","domain":"example.com","chunk_text":"hello","chunk_index":0,"total_chunks":1}}]}`))
	case r.Method == http.MethodPost && r.URL.Path == "/collections/docs/points/scroll":
		_, _ = w.Write([]byte(`{"result":{"points":[{"payload":{"url":"https://example.com/a"}}],"next_page_offset":null}}`))
	case r.Method == http.MethodPost && r.URL.Path == "/collections/docs/points/delete":
		var body struct {
			Filter filter `json:"filter"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.deleted = append(f.deleted, body.Filter.Must[0].Match.Value)
		_, _ = w.Write([]byte(`{"result":{"status":"completed"}}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newStore(t *testing.T, fake *fakeQdrant) *Store {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	hc := httpclient.New(httpclient.WithDefaults(httpclient.Options{Timeout: time.Second}))
	return New(srv.URL, "secret", "docs", hc)
}

func TestUpsertCreatesCollectionOnce(t *testing.T) {
	t.Parallel()

	fake := &fakeQdrant{}
	s := newStore(t, fake)
	points := []Point{{ID: "p1", Vector: []float32{0.1, 0.2, 0.3}, Payload: Payload{URL: "https://example.com", ChunkText: "hi"}}}

	require.NoError(t, s.Upsert(context.Background(), points))
	require.NoError(t, s.Upsert(context.Background(), points))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.created, 1)
	assert.Equal(t, 3, fake.created[0].Vectors.Size)
	assert.Equal(t, "Cosine", fake.created[0].Vectors.Distance)
	assert.Len(t, fake.upserted, 2)
	for _, k := range fake.apiKeys {
		assert.Equal(t, "secret", k)
	}
}

func TestQueryAndScroll(t *testing.T) {
	t.Parallel()

	s := newStore(t, &fakeQdrant{exists: true})
	hits, err := s.Query(context.Background(), []float32{1, 0}, 10, "")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 0.91, hits[0].Score, 1e-9)
	assert.Equal(t, "https://example.com/docs", hits[0].Payload.URL)

	hits, err = s.Query(context.Background(), []float32{1, 0}, 10, "other.org")
	require.NoError(t, err)
	assert.Empty(t, hits)

	payloads, next, err := s.Scroll(context.Background(), 100, nil)
	require.NoError(t, err)
	assert.Len(t, payloads, 1)
	assert.Nil(t, next)
}

func TestDeleteByURL(t *testing.T) {
	t.Parallel()

	fake := &fakeQdrant{exists: true}
	s := newStore(t, fake)
	require.NoError(t, s.DeleteByURL(context.Background(), "https://example.com/a"))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []string{"https://example.com/a"}, fake.deleted)
}

func TestUnconfigured(t *testing.T) {
	t.Parallel()

	s := New("", "", "docs", nil)
	_, err := s.Query(context.Background(), nil, 1, "")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, s.Upsert(context.Background(), []Point{{Vector: []float32{1}}}), ErrNotConfigured)
}
