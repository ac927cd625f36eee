package status

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/crawlq/internal/jobapi"
)

func TestReportSnapshot(t *testing.T) {
	t.Parallel()

	r := Report{
		ActiveCrawls: []jobapi.ActiveCrawl{{ID: "a1", URL: "https://example.com"}},
		Crawls:       []Entry{{Kind: "crawl", ID: "c1", Status: "scraping"}},
		Batches:      []Entry{{Kind: "batch", ID: "b1", Status: "completed"}},
		Embeddings:   []Entry{{Kind: KindEmbed, ID: "c1", Status: "pending"}},
	}

	assert.Equal(t, Snapshot{
		"active:a1": "active",
		"crawl:c1":  "scraping",
		"batch:b1":  "completed",
		"embed:c1":  "pending",
	}, r.Snapshot())
}

func TestDiffSnapshots(t *testing.T) {
	t.Parallel()

	t.Run("first poll is empty", func(t *testing.T) {
		t.Parallel()
		d := DiffSnapshots(nil, Snapshot{"crawl:a": "scraping"})
		assert.True(t, d.Empty())
		assert.Zero(t, d.Changes())
	})

	t.Run("identical", func(t *testing.T) {
		t.Parallel()
		s := Snapshot{"crawl:a": "scraping"}
		assert.True(t, DiffSnapshots(s, Snapshot{"crawl:a": "scraping"}).Empty())
	})

	t.Run("changed added removed", func(t *testing.T) {
		t.Parallel()
		prev := Snapshot{"crawl:a": "scraping", "embed:a": "pending", "batch:z": "completed"}
		next := Snapshot{"crawl:a": "completed", "embed:a": "processing", "active:n": "active", "crawl:m": "pending"}

		d := DiffSnapshots(prev, next)
		assert.Equal(t, []Change{
			{Key: "crawl:a", From: "scraping", To: "completed"},
			{Key: "embed:a", From: "pending", To: "processing"},
		}, d.Changed)
		assert.Equal(t, []string{"active:n", "crawl:m"}, d.Added)
		assert.Equal(t, []string{"batch:z"}, d.Removed)
		assert.Equal(t, 5, d.Changes())
	})
}
