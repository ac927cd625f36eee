// Package history remembers recently submitted remote jobs so status lookups
// have something to show without explicit IDs.
package history

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/clock/system"
	"github.com/JakeFAU/crawlq/internal/fileutil"
	"github.com/JakeFAU/crawlq/internal/logging"
)

// Kind names a remote job type.
type Kind string

// Job kinds tracked in history.
const (
	KindCrawl   Kind = "crawl"
	KindBatch   Kind = "batch"
	KindExtract Kind = "extract"
)

// Kinds lists every tracked kind in display order.
var Kinds = []Kind{KindCrawl, KindBatch, KindExtract}

// Valid reports whether k is a tracked kind.
func (k Kind) Valid() bool {
	return k == KindCrawl || k == KindBatch || k == KindExtract
}

// MaxPerKind bounds how many entries each kind keeps.
const MaxPerKind = 20

// Entry is one remembered submission.
type Entry struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

// Store persists entries newest first.
type Store struct {
	path   string
	lock   *fileutil.Lock
	mu     sync.Mutex
	clock  Clock
	logger *zap.Logger
}

// NewStore returns a Store backed by path.
func NewStore(path string, clock Clock, logger *zap.Logger) *Store {
	if clock == nil {
		clock = system.New()
	}
	return &Store{
		path:   path,
		lock:   fileutil.NewLock(path),
		clock:  clock,
		logger: logging.OrNop(logger),
	}
}

type fileFormat struct {
	Entries []json.RawMessage `json:"entries"`
}

// Record remembers a submission, moving an existing ID to the front.
func (s *Store) Record(kind Kind, id, url string) error {
	id = strings.TrimSpace(id)
	if id == "" || !kind.Valid() {
		return fmt.Errorf("record history: invalid entry kind=%q id=%q", kind, id)
	}
	entry := Entry{ID: id, Kind: kind, URL: url, CreatedAt: s.clock.Now()}
	return s.update(func(entries []Entry) []Entry {
		out := make([]Entry, 0, len(entries)+1)
		out = append(out, entry)
		kept := 1
		for _, e := range entries {
			if e.Kind == kind {
				if e.ID == id || kept >= MaxPerKind {
					continue
				}
				kept++
			}
			out = append(out, e)
		}
		return out
	})
}

// Recent returns up to n IDs of kind, newest first.
func (s *Store) Recent(kind Kind, n int) ([]Entry, error) {
	var out []Entry
	err := s.view(func(entries []Entry) {
		for _, e := range entries {
			if e.Kind != kind {
				continue
			}
			if n > 0 && len(out) >= n {
				break
			}
			out = append(out, e)
		}
	})
	return out, err
}

// Remove forgets the given IDs of kind and reports how many were dropped.
func (s *Store) Remove(kind Kind, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[strings.TrimSpace(id)] = struct{}{}
	}
	var removed int
	err := s.update(func(entries []Entry) []Entry {
		out := entries[:0]
		for _, e := range entries {
			if _, ok := drop[e.ID]; ok && e.Kind == kind {
				removed++
				continue
			}
			out = append(out, e)
		}
		return out
	})
	return removed, err
}

func (s *Store) view(fn func([]Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lock.WithLock(func() error {
		entries, err := s.load()
		if err != nil {
			return err
		}
		fn(entries)
		return nil
	})
}

func (s *Store) update(fn func([]Entry) []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lock.WithLock(func() error {
		entries, err := s.load()
		if err != nil {
			return err
		}
		return s.save(fn(entries))
	})
}

func (s *Store) load() ([]Entry, error) {
	data, err := fileutil.ReadIfExists(s.path)
	if err != nil {
		return nil, fmt.Errorf("load job history: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var file fileFormat
	if err := json.Unmarshal(data, &file); err != nil {
		s.logger.Warn("discarding unreadable job history", zap.String("path", s.path), zap.Error(err))
		return nil, nil
	}
	entries := make([]Entry, 0, len(file.Entries))
	for i, raw := range file.Entries {
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil || strings.TrimSpace(e.ID) == "" || !e.Kind.Valid() {
			s.logger.Warn("discarding malformed job history entry", zap.Int("index", i))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Store) save(entries []Entry) error {
	file := fileFormat{Entries: make([]json.RawMessage, 0, len(entries))}
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode history entry %s: %w", e.ID, err)
		}
		file.Entries = append(file.Entries, raw)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode job history: %w", err)
	}
	if err := fileutil.AtomicWrite(s.path, data, 0o600); err != nil {
		return fmt.Errorf("persist job history: %w", err)
	}
	return nil
}
