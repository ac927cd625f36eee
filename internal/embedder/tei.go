// Package embedder turns scraped markdown into vectors: it splits documents
// into chunks and sends them in batches to a text-embeddings-inference
// compatible /embed endpoint.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/JakeFAU/crawlq/internal/httpclient"
)

// DefaultBatchSize is how many inputs go into one /embed call.
const DefaultBatchSize = 24

// ErrNotConfigured is returned when no endpoint URL is set.
var ErrNotConfigured = errors.New("embedding endpoint is not configured")

// Client calls a TEI-compatible embedding service.
type Client struct {
	endpoint  string
	batchSize int
	http      *httpclient.Client
}

// New returns a Client for baseURL. A non-positive batchSize uses the default.
func New(baseURL string, batchSize int, hc *httpclient.Client) *Client {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if hc == nil {
		hc = httpclient.New()
	}
	return &Client{
		endpoint:  strings.TrimRight(baseURL, "/"),
		batchSize: batchSize,
		http:      hc,
	}
}

type embedRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate"`
}

// Embed returns one vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch returns one vector per input, in order, splitting the inputs
// into service-sized batches.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if c.endpoint == "" {
		return nil, ErrNotConfigured
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))
		var vectors [][]float32
		req := embedRequest{Inputs: texts[start:end], Truncate: true}
		if err := c.http.DoJSON(ctx, http.MethodPost, c.endpoint+"/embed", nil, req, &vectors); err != nil {
			return nil, fmt.Errorf("embed batch %d-%d: %w", start, end, err)
		}
		if len(vectors) != end-start {
			return nil, fmt.Errorf("embed batch %d-%d: expected %d vectors, got %d", start, end, end-start, len(vectors))
		}
		out = append(out, vectors...)
	}
	return out, nil
}
