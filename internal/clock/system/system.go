// Package system provides the wall clock shared by the stores, the worker and
// the status watch loop.
package system

import "time"

// Clock reads and waits on real time. Timestamps are always UTC so they
// compare cleanly with values decoded from the state files.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// After delivers the UTC time on the returned channel once d has elapsed.
func (Clock) After(d time.Duration) <-chan time.Time {
	out := make(chan time.Time, 1)
	time.AfterFunc(d, func() { out <- time.Now().UTC() })
	return out
}
