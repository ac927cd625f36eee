// Package search turns vector query matches into a deduplicated, reranked
// result list.
package search

import (
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"
	"unicode"
)

// DefaultTieGap is the score window in which lexical overlap may reorder
// chunks of the same page.
const DefaultTieGap = 0.05

// OverFetchFactor multiplies the requested limit when querying the store so
// duplicates can be collapsed without starving the result.
const OverFetchFactor = 10

// Hit is one search result.
type Hit struct {
	Score         float64 `json:"score"`
	URL           string  `json:"url"`
	Title         string  `json:"title,omitempty"`
	ChunkText     string  `json:"chunkText"`
	ChunkHeader   string  `json:"chunkHeader,omitempty"`
	ChunkIndex    int     `json:"chunkIndex"`
	TotalChunks   int     `json:"totalChunks"`
	Domain        string  `json:"domain,omitempty"`
	SourceCommand string  `json:"sourceCommand,omitempty"`
}

// Options control deduplication.
type Options struct {
	Limit  int
	Full   bool
	TieGap float64
}

// OverFetchLimit is the number of raw matches to request for limit results.
func OverFetchLimit(limit int, full bool) int {
	if limit <= 0 {
		limit = 1
	}
	if full {
		return limit
	}
	return limit * OverFetchFactor
}

var trackingParams = map[string]struct{}{
	"gclid":   {},
	"fbclid":  {},
	"msclkid": {},
	"mc_cid":  {},
	"mc_eid":  {},
	"ref":     {},
	"ref_src": {},
	"_ga":     {},
	"igshid":  {},
	"yclid":   {},
}

// CanonicalURL normalizes a URL for duplicate detection. It lowercases the
// scheme and host, removes default ports, the fragment and tracking
// parameters, and sorts the remaining query parameters.
func CanonicalURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""

	q := u.Query()
	for key := range q {
		lower := strings.ToLower(key)
		if _, drop := trackingParams[lower]; drop || lower == "utm" || strings.HasPrefix(lower, "utm_") {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	u.ForceQuery = false

	return u.String(), nil
}

func canonicalOrRaw(rawURL string) string {
	if c, err := CanonicalURL(rawURL); err == nil {
		return c
	}
	return rawURL
}

// queryTerms returns the distinct lowercase words of query, ignoring
// single characters.
func queryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	var terms []string
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
	}
	return terms
}

// overlap is the fraction of terms present in the hit's text, header or
// title.
func overlap(terms []string, h Hit) float64 {
	if len(terms) == 0 {
		return 0
	}
	haystack := strings.ToLower(h.Title + "\n" + h.ChunkHeader + "\n" + h.ChunkText)
	found := 0
	for _, t := range terms {
		if strings.Contains(haystack, t) {
			found++
		}
	}
	return float64(found) / float64(len(terms))
}

type group struct {
	first     int
	best      float64
	rep       Hit
	effective float64
}

// Dedupe collapses hits that share a canonical URL and returns at most
// opts.Limit of them. Within a page, a chunk scoring within the tie gap of
// the page's best may win on lexical overlap with query. In full mode the
// top hits are returned unchanged, duplicates included.
func Dedupe(hits []Hit, query string, opts Options) []Hit {
	limit := opts.Limit
	if limit <= 0 {
		limit = len(hits)
	}
	if opts.Full {
		out := append([]Hit(nil), hits...)
		sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
		if len(out) > limit {
			out = out[:limit]
		}
		return out
	}

	gap := opts.TieGap
	if gap <= 0 {
		gap = DefaultTieGap
	}
	terms := queryTerms(query)

	order := make([]string, 0, len(hits))
	members := make(map[string][]Hit, len(hits))
	for _, h := range hits {
		key := canonicalOrRaw(h.URL)
		if _, ok := members[key]; !ok {
			order = append(order, key)
		}
		members[key] = append(members[key], h)
	}

	groups := make([]group, 0, len(order))
	for i, key := range order {
		g := group{first: i, best: members[key][0].Score}
		for _, h := range members[key] {
			if h.Score > g.best {
				g.best = h.Score
			}
		}
		g.effective = math.Inf(-1)
		for _, h := range members[key] {
			if h.Score < g.best-gap {
				continue
			}
			eff := h.Score + gap*overlap(terms, h)
			if eff > g.effective || (eff == g.effective && h.Score > g.rep.Score) {
				g.effective = eff
				g.rep = h
			}
		}
		groups = append(groups, g)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].effective != groups[j].effective {
			return groups[i].effective > groups[j].effective
		}
		return groups[i].first < groups[j].first
	})
	if len(groups) > limit {
		groups = groups[:limit]
	}
	out := make([]Hit, 0, len(groups))
	for _, g := range groups {
		out = append(out, g.rep)
	}
	return out
}
