package status

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/logging"
)

// Watch interval bounds.
const (
	DefaultWatchInterval = 3 * time.Second
	MinWatchInterval     = time.Second
)

// ClampInterval applies the default and the floor.
func ClampInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultWatchInterval
	}
	if d < MinWatchInterval {
		return MinWatchInterval
	}
	return d
}

// Watcher polls, diffs and redraws until stopped.
type Watcher struct {
	Interval time.Duration
	Collect  func(ctx context.Context) (Report, error)
	// Draw receives every report with its diff against the previous one.
	// The first poll has an empty diff.
	Draw   func(report Report, diff Diff) error
	Logger *zap.Logger

	// After times the pause between polls. Defaults to time.After.
	After func(time.Duration) <-chan time.Time
}

// Run polls until stop is closed or ctx ends. Closing stop interrupts only
// the wait between polls; a poll already in flight finishes and is drawn.
// It returns the number of polls completed.
func (w *Watcher) Run(ctx context.Context, stop <-chan struct{}) (int, error) {
	logger := logging.OrNop(w.Logger)
	interval := ClampInterval(w.Interval)
	after := w.After
	if after == nil {
		after = time.After
	}

	var prev Snapshot
	polls := 0
	for {
		report, err := w.Collect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return polls, ctx.Err()
			}
			logger.Warn("status poll failed", zap.Error(err))
		} else {
			next := report.Snapshot()
			diff := DiffSnapshots(prev, next)
			prev = next
			polls++
			if err := w.Draw(report, diff); err != nil {
				return polls, err
			}
		}

		select {
		case <-stop:
			return polls, nil
		default:
		}
		select {
		case <-stop:
			return polls, nil
		case <-ctx.Done():
			return polls, ctx.Err()
		case <-after(interval):
		}
	}
}

// StopOnSignal returns a channel closed exactly once on the first SIGINT or
// SIGTERM, and a release func that stops listening.
func StopOnSignal() (<-chan struct{}, func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	stop := make(chan struct{})
	var once sync.Once
	done := make(chan struct{})
	go func() {
		select {
		case <-sigs:
			once.Do(func() { close(stop) })
		case <-done:
		}
	}()
	var released sync.Once
	return stop, func() {
		released.Do(func() {
			signal.Stop(sigs)
			close(done)
		})
	}
}
