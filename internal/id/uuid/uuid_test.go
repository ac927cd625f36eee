// Package uuid includes tests for the UUID helpers.
package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
)

// TestGeneratorNewID ensures generated IDs are unique and valid UUIDs.
func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	id2, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	if _, err := goUUID.Parse(id1); err != nil {
		t.Fatalf("id1 not valid UUID: %v", err)
	}
}

func TestValidJobID(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"0b6d3c3e-5d4f-4d7a-9a0e-1c2b3a4d5e6f":          true,
		" 0b6d3c3e-5d4f-4d7a-9a0e-1c2b3a4d5e6f ":        true,
		"not-a-job":                                     false,
		"":                                              false,
		"urn:uuid:0b6d3c3e-5d4f-4d7a-9a0e-1c2b3a4d5e6f": false,
		"0b6d3c3e5d4f4d7a9a0e1c2b3a4d5e6f":              false,
	}
	for in, want := range cases {
		if got := ValidJobID(in); got != want {
			t.Errorf("ValidJobID(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFilterValidDedupes(t *testing.T) {
	t.Parallel()

	id := "0b6d3c3e-5d4f-4d7a-9a0e-1c2b3a4d5e6f"
	got := FilterValid([]string{id, "bogus", "0B6D3C3E-5D4F-4D7A-9A0E-1C2B3A4D5E6F"})
	if len(got) != 1 || got[0] != id {
		t.Fatalf("expected single normalized id, got %v", got)
	}
}

func TestPointIDDeterministic(t *testing.T) {
	t.Parallel()

	a := PointID("https://example.com/docs", 0)
	b := PointID("https://example.com/docs", 0)
	c := PointID("https://example.com/docs", 1)
	if a != b {
		t.Fatalf("expected stable point id, got %s and %s", a, b)
	}
	if a == c {
		t.Fatal("expected different chunk indexes to yield different ids")
	}
	if _, err := goUUID.Parse(a); err != nil {
		t.Fatalf("point id not a UUID: %v", err)
	}
}
