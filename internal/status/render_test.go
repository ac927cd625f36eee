package status

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/crawlq/internal/jobapi"
)

func sampleReport() Report {
	return Report{
		CollectedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ActiveCrawls: []jobapi.ActiveCrawl{{ID: idLive, URL: "https://example.com"}},
		Crawls: []Entry{
			{Kind: "crawl", ID: idLive, Status: "scraping", Bucket: BucketPending, Completed: ip(3), Total: ip(10), URL: "https://example.com"},
			{Kind: "crawl", ID: idGone, Status: "not_found", Bucket: BucketFailed, Error: "Job not found"},
		},
		Embeddings: []Entry{
			{Kind: KindEmbed, ID: idLive, Status: "pending", Bucket: BucketPending, UpdatedAt: time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC)},
		},
		Pruned:   []string{"crawl:" + idGone},
		Warnings: []string{"extract history unavailable: boom"},
	}
}

func TestParseDensity(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Density{"": DensityDefault, "Compact": DensityCompact, "wide": DensityWide} {
		got, err := ParseDensity(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseDensity("huge")
	require.Error(t, err)
}

func TestRenderDensities(t *testing.T) {
	t.Parallel()

	now := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	var compact bytes.Buffer
	require.NoError(t, Renderer{Density: DensityCompact, Now: now}.Render(&compact, sampleReport(), nil))
	out := compact.String()
	assert.Contains(t, out, "failed 1  warn 0  pending 2  completed 0")
	assert.Contains(t, out, idLive[:8])
	assert.NotContains(t, out, "3/10")

	var def bytes.Buffer
	require.NoError(t, Renderer{Now: now}.Render(&def, sampleReport(), nil))
	assert.Contains(t, def.String(), "3/10")
	assert.Contains(t, def.String(), "Pruned from history: crawl:"+idGone)
	assert.Contains(t, def.String(), "warning: extract history unavailable: boom")

	var wide bytes.Buffer
	require.NoError(t, Renderer{Density: DensityWide, Now: now}.Render(&wide, sampleReport(), nil))
	assert.Contains(t, wide.String(), idLive)
	assert.Contains(t, wide.String(), "Job not found")
	assert.Contains(t, wide.String(), "1m0s ago")
}

func TestRenderNoColorHasNoEscapes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, Renderer{}.Render(&buf, sampleReport(), nil))
	assert.NotContains(t, buf.String(), "\x1b[")

	var colored bytes.Buffer
	require.NoError(t, Renderer{Color: true}.Render(&colored, sampleReport(), nil))
	assert.Contains(t, colored.String(), "\x1b[")
}

func TestRenderMarksChanges(t *testing.T) {
	t.Parallel()

	diff := &Diff{Changed: []Change{{Key: "crawl:" + idLive, From: "pending", To: "scraping"}}}
	var buf bytes.Buffer
	require.NoError(t, Renderer{}.Render(&buf, sampleReport(), diff))

	var marked []string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.HasPrefix(line, "* ") {
			marked = append(marked, line)
		}
	}
	require.Len(t, marked, 1)
	assert.Contains(t, marked[0], idLive[:8])
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, sampleReport()))

	var decoded Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Len(t, decoded.Crawls, 2)
	assert.Equal(t, BucketFailed, decoded.Crawls[1].Bucket)
	assert.Contains(t, buf.String(), `"activeCrawls"`)
}

func TestWriteFileByExtension(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "status.yml")
	require.NoError(t, WriteFile(yamlPath, sampleReport()))
	data, err := os.ReadFile(yamlPath)
	require.NoError(t, err)
	var fromYAML map[string]any
	require.NoError(t, yaml.Unmarshal(data, &fromYAML))
	assert.Contains(t, fromYAML, "crawls")
	assert.False(t, json.Valid(data))

	jsonPath := filepath.Join(dir, "status.json")
	require.NoError(t, WriteFile(jsonPath, sampleReport()))
	data, err = os.ReadFile(jsonPath)
	require.NoError(t, err)
	assert.True(t, json.Valid(data))
}
