package dedup

import (
	"context"
	"fmt"
	"testing"

	"github.com/damacus/iron-cabinet/internal/storage/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	bucket := memstore.New("files")
	for i := 0; i < 5; i++ {
		bucket.Put(fmt.Sprintf("f%d", i), []byte("same"), "")
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewTracker(ctx, func() *Job { return NewJob(bucket, 2, nil) })
}

func TestTrackerLateSubscriberReplaysEverything(t *testing.T) {
	tracker := newTestTracker(t)
	run := tracker.Start()

	first := collect(t, run.Subscribe(context.Background()))
	require.True(t, run.Done())
	late := collect(t, run.Subscribe(context.Background()))

	assert.Equal(t, first, late)
	last := terminal(t, late)
	require.Equal(t, EventComplete, last.Kind)
	require.Len(t, last.Result.Duplicates, 1)
	for _, keys := range last.Result.Duplicates {
		assert.Equal(t, []string{"f0", "f1", "f2", "f3", "f4"}, keys)
	}
}

func TestTrackerLookup(t *testing.T) {
	tracker := newTestTracker(t)

	_, ok := tracker.Latest()
	assert.False(t, ok)

	run := tracker.LatestOrStart()
	require.NotNil(t, run)
	assert.Same(t, run, tracker.LatestOrStart())

	got, ok := tracker.Get(run.ID)
	require.True(t, ok)
	assert.Same(t, run, got)

	second := tracker.Start()
	latest, ok := tracker.Latest()
	require.True(t, ok)
	assert.Same(t, second, latest)
	assert.NotEqual(t, run.ID, second.ID)

	_, ok = tracker.Get("missing")
	assert.False(t, ok)

	collect(t, run.Subscribe(context.Background()))
	collect(t, second.Subscribe(context.Background()))
}

func TestTrackerSubscriberCancellation(t *testing.T) {
	tracker := newTestTracker(t)
	run := tracker.Start()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A cancelled subscriber stops without draining the run.
	collect(t, run.Subscribe(ctx))
	collect(t, run.Subscribe(context.Background()))
}

func TestTrackerEvictsFinishedRuns(t *testing.T) {
	tracker := newTestTracker(t)
	var runs []*Run
	for i := 0; i < maxRetainedRuns; i++ {
		r := tracker.Start()
		collect(t, r.Subscribe(context.Background()))
		runs = append(runs, r)
	}
	tracker.Start()

	_, ok := tracker.Get(runs[0].ID)
	assert.False(t, ok)
	_, ok = tracker.Get(runs[1].ID)
	assert.True(t, ok)
}
