// Package status aggregates remote job state, local history and the embed
// queue into one report, and renders it once or as a refreshing watch view.
package status

import "strings"

// Bucket is a normalized status group shared by every job kind.
type Bucket string

// Buckets in display priority order.
const (
	BucketFailed    Bucket = "failed"
	BucketWarn      Bucket = "warn"
	BucketPending   Bucket = "pending"
	BucketCompleted Bucket = "completed"
	BucketOther     Bucket = "other"
)

// Classify maps a raw status from any source to a Bucket. With
// stalledHeuristic set, a crawl still "scraping" after reporting all pages
// done is flagged as warn.
func Classify(status string, completed, total *int, stalledHeuristic bool) Bucket {
	s := strings.ToLower(strings.TrimSpace(status))
	switch s {
	case "failed", "error", "cancelled", "canceled", "config_error", "not_found":
		return BucketFailed
	case "completed", "done", "success", "succeeded":
		return BucketCompleted
	case "stalled", "unknown":
		return BucketWarn
	case "scraping":
		if stalledHeuristic && completed != nil && total != nil && *total > 0 && *completed >= *total {
			return BucketWarn
		}
		return BucketPending
	case "pending", "processing", "queued", "active", "running", "waiting":
		return BucketPending
	default:
		return BucketOther
	}
}
