package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlq/internal/search"
)

func newSourcesCmd() *cobra.Command {
	var (
		domain string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List the pages indexed in the vector store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			store := a.Vectors()
			sources, err := search.ListSources(cmd.Context(), store, domain)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeIndentedJSON(out, map[string]any{"collection": store.Collection(), "sources": sources})
			}
			if len(sources) == 0 {
				fmt.Fprintf(out, "No pages indexed in %s.\n", store.Collection())
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "CHUNKS\tFROM\tSCRAPED\tURL\tTITLE")
			for _, s := range sources {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", s.Chunks, dash(s.SourceCommand), dash(s.ScrapedAt), s.URL, s.Title)
			}
			if err := tw.Flush(); err != nil {
				return fmt.Errorf("write sources: %w", err)
			}
			fmt.Fprintf(out, "%d page(s) in %s\n", len(sources), store.Collection())
			return nil
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "only pages of this domain")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
