package status

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampInterval(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultWatchInterval, ClampInterval(0))
	assert.Equal(t, MinWatchInterval, ClampInterval(200*time.Millisecond))
	assert.Equal(t, 5*time.Second, ClampInterval(5*time.Second))
}

// instantAfter fires immediately and records requested waits.
func instantAfter(waits *[]time.Duration) func(time.Duration) <-chan time.Time {
	return func(d time.Duration) <-chan time.Time {
		*waits = append(*waits, d)
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}
}

func TestWatcherDiffsConsecutivePolls(t *testing.T) {
	t.Parallel()

	statuses := []string{"scraping", "scraping", "completed"}
	stop := make(chan struct{})
	var (
		polls int
		diffs []Diff
		waits []time.Duration
	)
	w := &Watcher{
		Interval: 10 * time.Millisecond,
		Collect: func(context.Context) (Report, error) {
			st := statuses[polls]
			polls++
			return Report{Crawls: []Entry{{Kind: "crawl", ID: "a", Status: st}}}, nil
		},
		Draw: func(_ Report, d Diff) error {
			diffs = append(diffs, d)
			if len(diffs) == len(statuses) {
				close(stop)
			}
			return nil
		},
		After: instantAfter(&waits),
	}

	n, err := w.Run(context.Background(), stop)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, diffs, 3)
	assert.True(t, diffs[0].Empty())
	assert.True(t, diffs[1].Empty())
	assert.Equal(t, []Change{{Key: "crawl:a", From: "scraping", To: "completed"}}, diffs[2].Changed)
	assert.Equal(t, []time.Duration{MinWatchInterval, MinWatchInterval}, waits)
}

func TestWatcherStopFinishesInFlightPoll(t *testing.T) {
	t.Parallel()

	stop := make(chan struct{})
	var drawn atomic.Int32
	w := &Watcher{
		Interval: time.Hour,
		Collect: func(context.Context) (Report, error) {
			close(stop)
			time.Sleep(20 * time.Millisecond)
			return Report{}, nil
		},
		Draw: func(Report, Diff) error {
			drawn.Add(1)
			return nil
		},
	}

	done := make(chan struct{})
	var (
		n   int
		err error
	)
	go func() {
		defer close(done)
		n, err = w.Run(context.Background(), stop)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), drawn.Load())
}

func TestWatcherKeepsGoingAfterPollError(t *testing.T) {
	t.Parallel()

	stop := make(chan struct{})
	var (
		calls int
		waits []time.Duration
	)
	w := &Watcher{
		Collect: func(context.Context) (Report, error) {
			calls++
			if calls == 1 {
				return Report{}, errors.New("temporary")
			}
			close(stop)
			return Report{}, nil
		},
		Draw:  func(Report, Diff) error { return nil },
		After: instantAfter(&waits),
	}

	n, err := w.Run(context.Background(), stop)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{DefaultWatchInterval}, waits)
}

func TestWatcherDrawErrorStops(t *testing.T) {
	t.Parallel()

	w := &Watcher{
		Collect: func(context.Context) (Report, error) { return Report{}, nil },
		Draw:    func(Report, Diff) error { return errors.New("closed pipe") },
	}
	_, err := w.Run(context.Background(), make(chan struct{}))
	require.EqualError(t, err, "closed pipe")
}

func TestWatcherContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		Interval: time.Hour,
		Collect:  func(context.Context) (Report, error) { return Report{}, nil },
		Draw: func(Report, Diff) error {
			cancel()
			return nil
		},
	}
	n, err := w.Run(ctx, make(chan struct{}))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, n)
}

func TestStopOnSignalRelease(t *testing.T) {
	t.Parallel()

	stop, release := StopOnSignal()
	release()
	release()

	select {
	case <-stop:
		t.Fatal("stop closed without a signal")
	default:
	}
}
