package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/alpkeskin/gotoon"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlq/internal/search"
)

const snippetRunes = 400

type queryOptions struct {
	limit   int
	full    bool
	domain  string
	tieGap  float64
	json    bool
	toon    bool
	noColor bool
}

func newQueryCmd() *cobra.Command {
	opts := &queryOptions{}
	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Semantic search over embedded pages",
		Long: `Embeds the query, searches the vector store and returns one result per
page. Pages with several matching chunks are collapsed to the chunk that best
matches the query terms. Use --full to see every matching chunk.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, strings.Join(args, " "), opts)
		},
	}
	f := cmd.Flags()
	f.IntVarP(&opts.limit, "limit", "n", 5, "maximum number of results")
	f.BoolVar(&opts.full, "full", false, "return every matching chunk instead of one per page")
	f.StringVar(&opts.domain, "domain", "", "restrict results to one domain")
	f.Float64Var(&opts.tieGap, "tie-gap", search.DefaultTieGap, "score window in which chunks are reranked by query term overlap")
	f.BoolVarP(&opts.json, "json", "j", false, "print results as JSON")
	f.BoolVarP(&opts.toon, "toon", "t", false, "print results in TOON format")
	f.BoolVar(&opts.noColor, "no-color", false, "disable color")
	cmd.MarkFlagsMutuallyExclusive("json", "toon")
	return cmd
}

func runQuery(cmd *cobra.Command, text string, opts *queryOptions) error {
	if opts.limit <= 0 {
		return errors.New("--limit must be > 0")
	}
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	if missing := a.Config().MissingEmbeddingConfig(); len(missing) > 0 {
		return fmt.Errorf("search needs embedding configuration: set %s", strings.Join(missing, ", "))
	}

	hits, err := a.Search().Search(cmd.Context(), search.Request{
		Query:  text,
		Domain: opts.domain,
		Options: search.Options{
			Limit:  opts.limit,
			Full:   opts.full,
			TieGap: opts.tieGap,
		},
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch {
	case opts.json:
		return writeIndentedJSON(out, map[string]any{"query": text, "results": hits})
	case opts.toon:
		encoded, err := gotoon.Encode(hits)
		if err != nil {
			return fmt.Errorf("encode toon: %w", err)
		}
		_, err = fmt.Fprintln(out, encoded)
		return err
	default:
		return writeHits(out, hits, colorFor(out, opts.noColor))
	}
}

func writeHits(w io.Writer, hits []search.Hit, useColor bool) error {
	if len(hits) == 0 {
		_, err := fmt.Fprintln(w, "No results.")
		return err
	}
	title := color.New(color.Bold)
	dim := color.New(color.Faint)
	for _, c := range []*color.Color{title, dim} {
		if useColor {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}

	for i, h := range hits {
		name := h.Title
		if name == "" {
			name = h.URL
		}
		if _, err := fmt.Fprintf(w, "%d. %s  %s\n", i+1, title.Sprint(name), dim.Sprintf("(%.3f)", h.Score)); err != nil {
			return err
		}
		fmt.Fprintf(w, "   %s\n", h.URL)
		if h.ChunkHeader != "" {
			fmt.Fprintf(w, "   %s\n", dim.Sprint(h.ChunkHeader))
		}
		if h.TotalChunks > 1 {
			fmt.Fprintf(w, "   %s\n", dim.Sprintf("chunk %d/%d", h.ChunkIndex+1, h.TotalChunks))
		}
		for _, line := range strings.Split(snippet(h.ChunkText), "\n") {
			fmt.Fprintf(w, "   %s\n", line)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func snippet(text string) string {
	text = strings.TrimSpace(text)
	r := []rune(text)
	if len(r) <= snippetRunes {
		return text
	}
	return strings.TrimSpace(string(r[:snippetRunes])) + "..."
}
