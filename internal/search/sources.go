package search

import (
	"context"
	"fmt"
	"sort"

	"github.com/JakeFAU/crawlq/internal/vectorstore"
)

// scrollPage is the number of payloads requested per scroll call.
const scrollPage = 256

// maxScrollPages bounds a listing against a store that never reports the end.
const maxScrollPages = 10000

// Scroller pages through every stored payload.
type Scroller interface {
	Scroll(ctx context.Context, limit int, offset any) ([]vectorstore.Payload, any, error)
}

// Source is one indexed page.
type Source struct {
	URL           string `json:"url"`
	Title         string `json:"title,omitempty"`
	Domain        string `json:"domain,omitempty"`
	Chunks        int    `json:"chunks"`
	SourceCommand string `json:"sourceCommand,omitempty"`
	ScrapedAt     string `json:"scrapedAt,omitempty"`
}

// ListSources collects the distinct pages in the store, sorted by URL. A
// non-empty domain keeps only pages of that host.
func ListSources(ctx context.Context, s Scroller, domain string) ([]Source, error) {
	domain = DomainOf(domain)
	byURL := make(map[string]*Source)
	var offset any
	for page := 0; page < maxScrollPages; page++ {
		payloads, next, err := s.Scroll(ctx, scrollPage, offset)
		if err != nil {
			return nil, fmt.Errorf("list sources: %w", err)
		}
		for _, p := range payloads {
			if domain != "" && DomainOf(p.Domain) != domain {
				continue
			}
			src, ok := byURL[p.URL]
			if !ok {
				src = &Source{URL: p.URL, Domain: p.Domain, SourceCommand: p.SourceCommand}
				byURL[p.URL] = src
			}
			src.Chunks++
			if src.Title == "" {
				src.Title = p.Title
			}
			if p.ScrapedAt > src.ScrapedAt {
				src.ScrapedAt = p.ScrapedAt
			}
		}
		if next == nil {
			break
		}
		offset = next
	}

	out := make([]Source, 0, len(byURL))
	for _, src := range byURL {
		out = append(out, *src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}
