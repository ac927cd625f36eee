package status

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Density selects how much detail the table shows.
type Density string

// Densities.
const (
	DensityCompact Density = "compact"
	DensityDefault Density = "default"
	DensityWide    Density = "wide"
)

// ParseDensity accepts the flag spellings; empty means default.
func ParseDensity(s string) (Density, error) {
	switch d := Density(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return DensityDefault, nil
	case DensityCompact, DensityDefault, DensityWide:
		return d, nil
	default:
		return "", fmt.Errorf("unknown density %q (want compact, default or wide)", s)
	}
}

// ColorEnabled reports whether f is a terminal that should get color.
func ColorEnabled(f *os.File, noColor bool) bool {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type palette struct {
	failed    *color.Color
	warn      *color.Color
	pending   *color.Color
	completed *color.Color
	label     *color.Color
	changed   *color.Color
}

func newPalette(enabled bool) palette {
	p := palette{
		failed:    color.New(color.FgRed, color.Bold),
		warn:      color.New(color.FgYellow),
		pending:   color.New(color.FgCyan),
		completed: color.New(color.FgGreen),
		label:     color.New(color.Bold),
		changed:   color.New(color.FgMagenta, color.Bold),
	}
	for _, c := range []*color.Color{p.failed, p.warn, p.pending, p.completed, p.label, p.changed} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p palette) bucket(b Bucket) *color.Color {
	switch b {
	case BucketFailed:
		return p.failed
	case BucketWarn:
		return p.warn
	case BucketPending:
		return p.pending
	case BucketCompleted:
		return p.completed
	default:
		return p.label
	}
}

// Renderer prints reports as aligned tables.
type Renderer struct {
	Density Density
	Color   bool
	// Now is used for relative ages; nil means time.Now.
	Now func() time.Time
}

// Render writes report. Keys in changed are marked; pass nil outside watch.
func (r Renderer) Render(w io.Writer, report Report, diff *Diff) error {
	p := newPalette(r.Color)
	marked := make(map[string]bool)
	if diff != nil {
		for _, c := range diff.Changed {
			marked[c.Key] = true
		}
		for _, k := range diff.Added {
			marked[k] = true
		}
	}

	var b strings.Builder
	counts := report.Counts()
	fmt.Fprintf(&b, "%s  %s %d  %s %d  %s %d  %s %d\n",
		p.label.Sprint("Status"),
		p.failed.Sprint("failed"), counts[BucketFailed],
		p.warn.Sprint("warn"), counts[BucketWarn],
		p.pending.Sprint("pending"), counts[BucketPending],
		p.completed.Sprint("completed"), counts[BucketCompleted],
	)

	if len(report.ActiveCrawls) > 0 {
		fmt.Fprintf(&b, "\n%s (%d)\n", p.label.Sprint("Active crawls"), len(report.ActiveCrawls))
		tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
		for _, ac := range report.ActiveCrawls {
			fmt.Fprintf(tw, "  %s\t%s\n", ac.ID, ac.URL)
		}
		_ = tw.Flush() //nolint:errcheck // strings.Builder never fails
	}

	sections := []struct {
		title   string
		entries []Entry
	}{
		{"Crawls", report.Crawls},
		{"Batch scrapes", report.Batches},
		{"Extracts", report.Extracts},
		{"Embeddings", report.Embeddings},
	}
	for _, sec := range sections {
		if len(sec.entries) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s (%d)\n", p.label.Sprint(sec.title), len(sec.entries))
		tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
		for _, e := range sec.entries {
			r.row(tw, p, e, marked[e.Key()])
		}
		_ = tw.Flush() //nolint:errcheck // strings.Builder never fails
	}

	if len(report.Pruned) > 0 {
		fmt.Fprintf(&b, "\n%s %s\n", p.warn.Sprint("Pruned from history:"), strings.Join(report.Pruned, ", "))
	}
	for _, warning := range report.Warnings {
		fmt.Fprintf(&b, "%s %s\n", p.warn.Sprint("warning:"), warning)
	}

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}

func (r Renderer) row(w io.Writer, p palette, e Entry, marked bool) {
	mark := " "
	if marked {
		mark = p.changed.Sprint("*")
	}
	status := p.bucket(e.Bucket).Sprint(e.Status)

	switch r.Density {
	case DensityCompact:
		fmt.Fprintf(w, "%s %s\t%s\n", mark, shortID(e.ID), status)
	case DensityWide:
		fmt.Fprintf(w, "%s %s\t%s\t%s\t%s\t%s\t%s\n",
			mark, e.ID, status, progress(e), e.URL, r.age(e.UpdatedAt), e.Error)
	default:
		fmt.Fprintf(w, "%s %s\t%s\t%s\t%s\n", mark, shortID(e.ID), status, progress(e), truncate(e.URL, 60))
	}
}

func (r Renderer) age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	return now().Sub(t).Truncate(time.Second).String() + " ago"
}

func progress(e Entry) string {
	switch {
	case e.Completed != nil && e.Total != nil:
		return fmt.Sprintf("%d/%d", *e.Completed, *e.Total)
	case e.Total != nil:
		return fmt.Sprintf("-/%d", *e.Total)
	default:
		return "-"
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
