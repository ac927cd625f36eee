package search

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/logging"
	"github.com/JakeFAU/crawlq/internal/vectorstore"
)

// Embedder turns the query into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store runs a vector similarity query.
type Store interface {
	Query(ctx context.Context, vector []float32, limit int, domain string) ([]vectorstore.ScoredPoint, error)
}

// Request is one search.
type Request struct {
	Query string
	// Domain restricts matches to one host; a full URL is accepted.
	Domain string
	Options
}

// Service runs semantic search over embedded pages.
type Service struct {
	embed  Embedder
	store  Store
	logger *zap.Logger
}

// NewService constructs a Service.
func NewService(embed Embedder, store Store, logger *zap.Logger) *Service {
	return &Service{embed: embed, store: store, logger: logging.OrNop(logger)}
}

// Search embeds the query, over-fetches matches and deduplicates them.
func (s *Service) Search(ctx context.Context, req Request) ([]Hit, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, errors.New("search: query is required")
	}
	if req.Limit <= 0 {
		req.Limit = 5
	}

	vector, err := s.embed.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	fetch := OverFetchLimit(req.Limit, req.Full)
	points, err := s.store.Query(ctx, vector, fetch, DomainOf(req.Domain))
	if err != nil {
		return nil, fmt.Errorf("query vector store: %w", err)
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		hits = append(hits, Hit{
			Score:         p.Score,
			URL:           p.Payload.URL,
			Title:         p.Payload.Title,
			ChunkText:     p.Payload.ChunkText,
			ChunkHeader:   p.Payload.ChunkHeader,
			ChunkIndex:    p.Payload.ChunkIndex,
			TotalChunks:   p.Payload.TotalChunks,
			Domain:        p.Payload.Domain,
			SourceCommand: p.Payload.SourceCommand,
		})
	}
	out := Dedupe(hits, query, req.Options)
	s.logger.Debug("search complete",
		zap.String("query", query),
		zap.Int("fetched", len(points)),
		zap.Int("returned", len(out)),
	)
	return out, nil
}

// DomainOf reduces a domain filter to a bare host without "www.". Both
// "example.com" and "https://www.example.com/path" yield "example.com".
func DomainOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	host := raw
	if strings.Contains(raw, "://") {
		if u, err := url.Parse(raw); err == nil {
			host = u.Hostname()
		}
	} else if i := strings.IndexAny(raw, "/:"); i >= 0 {
		host = raw[:i]
	}
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}
