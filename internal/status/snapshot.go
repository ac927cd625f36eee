package status

import "sort"

// Snapshot maps "kind:id" to the raw status string. Active crawls are keyed
// "active:id".
type Snapshot map[string]string

// Snapshot captures the comparable state of a report.
func (r Report) Snapshot() Snapshot {
	snap := make(Snapshot)
	for _, ac := range r.ActiveCrawls {
		snap["active:"+ac.ID] = "active"
	}
	for _, group := range [][]Entry{r.Crawls, r.Batches, r.Extracts, r.Embeddings} {
		for _, e := range group {
			snap[e.Key()] = e.Status
		}
	}
	return snap
}

// Change is a status transition of one key.
type Change struct {
	Key  string `json:"key"`
	From string `json:"from"`
	To   string `json:"to"`
}

// Diff is the difference between two consecutive snapshots.
type Diff struct {
	Changed []Change `json:"changed,omitempty"`
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return len(d.Changed) == 0 && len(d.Added) == 0 && len(d.Removed) == 0
}

// Changes counts every difference.
func (d Diff) Changes() int {
	return len(d.Changed) + len(d.Added) + len(d.Removed)
}

// DiffSnapshots compares next against prev. A nil prev is the first poll and
// yields an empty diff. Keys are sorted for stable output.
func DiffSnapshots(prev, next Snapshot) Diff {
	var d Diff
	if prev == nil {
		return d
	}
	for key, to := range next {
		from, ok := prev[key]
		switch {
		case !ok:
			d.Added = append(d.Added, key)
		case from != to:
			d.Changed = append(d.Changed, Change{Key: key, From: from, To: to})
		}
	}
	for key := range prev {
		if _, ok := next[key]; !ok {
			d.Removed = append(d.Removed, key)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Slice(d.Changed, func(i, j int) bool { return d.Changed[i].Key < d.Changed[j].Key })
	return d
}
