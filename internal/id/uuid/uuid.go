// Package uuid validates remote job IDs and derives vector point IDs.
package uuid

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// pointNamespace scopes deterministic point IDs so re-embedding the same
// chunk overwrites the previous point instead of duplicating it.
var pointNamespace = uuid.MustParse("6f1e6f52-8f3a-4c1b-9a57-3e0f5c0d2a11")

// Generator creates random UUID v7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// ValidJobID reports whether id has the shape the remote job API issues.
func ValidJobID(id string) bool {
	id = strings.TrimSpace(id)
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// FilterValid returns the valid, de-duplicated IDs in their original order.
func FilterValid(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := strings.ToLower(strings.TrimSpace(raw))
		if !ValidJobID(id) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// PointID derives a stable vector point ID for one chunk of a source URL.
func PointID(sourceURL string, chunkIndex int) string {
	return uuid.NewSHA1(pointNamespace, []byte(sourceURL+"#"+strconv.Itoa(chunkIndex))).String()
}
