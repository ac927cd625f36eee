// Package vectorstore stores and queries embedded chunks in a Qdrant
// collection over its REST API.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/JakeFAU/crawlq/internal/httpclient"
)

// ErrNotConfigured is returned when no Qdrant URL is set.
var ErrNotConfigured = errors.New("vector store is not configured")

// Payload is the metadata stored with every point.
type Payload struct {
	URL           string `json:"url"`
	Title         string `json:"title,omitempty"`
	Domain        string `json:"domain,omitempty"`
	ChunkText     string `json:"chunk_text"`
	ChunkHeader   string `json:"chunk_header,omitempty"`
	ChunkIndex    int    `json:"chunk_index"`
	TotalChunks   int    `json:"total_chunks"`
	SourceCommand string `json:"source_command,omitempty"`
	JobID         string `json:"job_id,omitempty"`
	ScrapedAt     string `json:"scraped_at,omitempty"`
}

// Point is one vector with its payload.
type Point struct {
	ID      string    `json:"id"`
	Vector  []float32 `json:"vector"`
	Payload Payload   `json:"payload"`
}

// ScoredPoint is a query match.
type ScoredPoint struct {
	ID      any     `json:"id"`
	Score   float64 `json:"score"`
	Payload Payload `json:"payload"`
}

// Store is a Qdrant REST client bound to one collection.
type Store struct {
	baseURL    string
	apiKey     string
	collection string
	http       *httpclient.Client

	ensureMu sync.Mutex
	ensured  bool
}

// New returns a Store for the given collection.
func New(baseURL, apiKey, collection string, hc *httpclient.Client) *Store {
	if hc == nil {
		hc = httpclient.New()
	}
	return &Store{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		collection: collection,
		http:       hc,
	}
}

// Collection returns the collection name.
func (s *Store) Collection() string {
	return s.collection
}

type collectionConfig struct {
	Vectors vectorParams `json:"vectors"`
}

type vectorParams struct {
	Size     int    `json:"size"`
	Distance string `json:"distance"`
}

// EnsureCollection creates the collection with the given dimension when it
// does not exist yet. The result is remembered for the Store's lifetime.
func (s *Store) EnsureCollection(ctx context.Context, dim int) error {
	s.ensureMu.Lock()
	defer s.ensureMu.Unlock()
	if s.ensured {
		return nil
	}
	if s.baseURL == "" {
		return ErrNotConfigured
	}

	err := s.call(ctx, http.MethodGet, s.collectionPath(""), nil, nil)
	var statusErr *httpclient.StatusError
	switch {
	case err == nil:
	case errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound:
		body := collectionConfig{Vectors: vectorParams{Size: dim, Distance: "Cosine"}}
		if err := s.call(ctx, http.MethodPut, s.collectionPath(""), body, nil); err != nil {
			return fmt.Errorf("create collection %s: %w", s.collection, err)
		}
	default:
		return fmt.Errorf("check collection %s: %w", s.collection, err)
	}
	s.ensured = true
	return nil
}

// Upsert writes points, creating the collection on first use.
func (s *Store) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := s.EnsureCollection(ctx, len(points[0].Vector)); err != nil {
		return err
	}
	body := map[string]any{"points": points}
	if err := s.call(ctx, http.MethodPut, s.collectionPath("/points?wait=true"), body, nil); err != nil {
		return fmt.Errorf("upsert %d points: %w", len(points), err)
	}
	return nil
}

type searchRequest struct {
	Vector      []float32 `json:"vector"`
	Limit       int       `json:"limit"`
	WithPayload bool      `json:"with_payload"`
	Filter      *filter   `json:"filter,omitempty"`
}

type filter struct {
	Must []condition `json:"must"`
}

type condition struct {
	Key   string     `json:"key"`
	Match matchValue `json:"match"`
}

type matchValue struct {
	Value string `json:"value"`
}

// Query returns the limit nearest points to vector, best first. A non-empty
// domain restricts matches to that payload domain.
func (s *Store) Query(ctx context.Context, vector []float32, limit int, domain string) ([]ScoredPoint, error) {
	if s.baseURL == "" {
		return nil, ErrNotConfigured
	}
	req := searchRequest{Vector: vector, Limit: limit, WithPayload: true}
	if domain != "" {
		req.Filter = &filter{Must: []condition{{Key: "domain", Match: matchValue{Value: domain}}}}
	}
	var resp struct {
		Result []ScoredPoint `json:"result"`
	}
	if err := s.call(ctx, http.MethodPost, s.collectionPath("/points/search"), req, &resp); err != nil {
		return nil, fmt.Errorf("query %s: %w", s.collection, err)
	}
	return resp.Result, nil
}

// Scroll pages through stored payloads. It returns the next offset, or nil
// when the collection is exhausted.
func (s *Store) Scroll(ctx context.Context, limit int, offset any) ([]Payload, any, error) {
	if s.baseURL == "" {
		return nil, nil, ErrNotConfigured
	}
	req := map[string]any{"limit": limit, "with_payload": true, "with_vector": false}
	if offset != nil {
		req["offset"] = offset
	}
	var resp struct {
		Result struct {
			Points []struct {
				Payload Payload `json:"payload"`
			} `json:"points"`
			NextPageOffset any `json:"next_page_offset"`
		} `json:"result"`
	}
	if err := s.call(ctx, http.MethodPost, s.collectionPath("/points/scroll"), req, &resp); err != nil {
		return nil, nil, fmt.Errorf("scroll %s: %w", s.collection, err)
	}
	out := make([]Payload, 0, len(resp.Result.Points))
	for _, p := range resp.Result.Points {
		out = append(out, p.Payload)
	}
	return out, resp.Result.NextPageOffset, nil
}

// DeleteByURL removes every point stored for sourceURL, so re-embedding a
// page replaces its chunks rather than leaving stale ones behind.
func (s *Store) DeleteByURL(ctx context.Context, sourceURL string) error {
	if s.baseURL == "" {
		return ErrNotConfigured
	}
	body := map[string]any{"filter": filter{Must: []condition{{Key: "url", Match: matchValue{Value: sourceURL}}}}}
	err := s.call(ctx, http.MethodPost, s.collectionPath("/points/delete?wait=true"), body, nil)
	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete points for %s: %w", sourceURL, err)
	}
	return nil
}

func (s *Store) collectionPath(suffix string) string {
	return s.baseURL + "/collections/" + url.PathEscape(s.collection) + suffix
}

func (s *Store) call(ctx context.Context, method, endpoint string, in, out any) error {
	header := http.Header{}
	if s.apiKey != "" {
		header.Set("api-key", s.apiKey)
	}
	return s.http.DoJSON(ctx, method, endpoint, header, in, out)
}
