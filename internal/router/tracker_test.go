package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymux/relaymux/internal/events"
	"github.com/relaymux/relaymux/internal/statestore"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	store := statestore.NewLocalStore()
	t.Cleanup(func() { store.Close() })
	return NewTracker(store, nil, testLogger())
}

func TestTrackerCooldownAfterAllowedFails(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)

	assert.False(t, tr.InCooldown(ctx, "d1"))

	// Two failures tolerated, the third tips into cooldown.
	assert.False(t, tr.RecordFailure(ctx, "d1", "gpt-4o", 2, time.Minute))
	assert.False(t, tr.RecordFailure(ctx, "d1", "gpt-4o", 2, time.Minute))
	assert.True(t, tr.RecordFailure(ctx, "d1", "gpt-4o", 2, time.Minute))
	assert.True(t, tr.InCooldown(ctx, "d1"))
}

func TestTrackerZeroAllowedFailsCoolsImmediately(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)

	assert.True(t, tr.RecordFailure(ctx, "d1", "gpt-4o", 0, time.Minute))
	assert.True(t, tr.InCooldown(ctx, "d1"))
}

func TestTrackerZeroCooldownDisables(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)

	for range 5 {
		assert.False(t, tr.RecordFailure(ctx, "d1", "gpt-4o", 0, 0))
	}
	assert.False(t, tr.InCooldown(ctx, "d1"))
}

func TestTrackerSuccessResetsStreak(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)

	assert.False(t, tr.RecordFailure(ctx, "d1", "gpt-4o", 2, time.Minute))
	assert.False(t, tr.RecordFailure(ctx, "d1", "gpt-4o", 2, time.Minute))
	tr.RecordSuccess(ctx, "d1")

	// The streak restarted, so two more failures still do not cool.
	assert.False(t, tr.RecordFailure(ctx, "d1", "gpt-4o", 2, time.Minute))
	assert.False(t, tr.RecordFailure(ctx, "d1", "gpt-4o", 2, time.Minute))
	assert.False(t, tr.InCooldown(ctx, "d1"))
}

func TestTrackerActiveCount(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)

	assert.Equal(t, int64(0), tr.ActiveCount(ctx, "d1"))

	tr.IncrActive(ctx, "d1", "gpt-4o")
	tr.IncrActive(ctx, "d1", "gpt-4o")
	assert.Equal(t, int64(2), tr.ActiveCount(ctx, "d1"))

	tr.DecrActive(ctx, "d1", "gpt-4o")
	assert.Equal(t, int64(1), tr.ActiveCount(ctx, "d1"))
}

func TestTrackerCooldownPublishesEvent(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewLocalStore()
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(nil, testLogger())
	ch, cancel := bus.Subscribe()
	defer cancel()

	tr := NewTracker(store, bus, testLogger())
	tr.StartCooldown(ctx, "d1", "gpt-4o", 30*time.Second)

	select {
	case ev := <-ch:
		assert.Equal(t, events.TypeDeploymentCooldown, ev.Type)
		assert.Equal(t, "d1", ev.DeploymentID)
		assert.Equal(t, "gpt-4o", ev.ModelGroup)
		assert.Equal(t, int64(30), ev.CooldownSeconds)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cooldown event")
	}
}

func TestTrackerSmoothedLatency(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)

	_, ok := tr.SmoothedLatency(ctx, "d1")
	assert.False(t, ok)

	tr.RecordLatency(ctx, "d1", 100*time.Millisecond)
	latency, ok := tr.SmoothedLatency(ctx, "d1")
	require.True(t, ok)
	assert.InDelta(t, 100, latency, 0.001)

	// Newer samples pull the smoothed value toward them.
	tr.RecordLatency(ctx, "d1", 500*time.Millisecond)
	latency, ok = tr.SmoothedLatency(ctx, "d1")
	require.True(t, ok)
	assert.Greater(t, latency, 100.0)
	assert.Less(t, latency, 500.0)
}

func TestTrackerCancelledLatencySeparate(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)

	// Abandoned attempts never contribute to the routing signal.
	tr.RecordCancelledLatency(ctx, "d1", 30*time.Second)
	_, ok := tr.SmoothedLatency(ctx, "d1")
	assert.False(t, ok)

	tr.RecordLatency(ctx, "d1", 100*time.Millisecond)
	latency, ok := tr.SmoothedLatency(ctx, "d1")
	require.True(t, ok)
	assert.InDelta(t, 100, latency, 0.001)
}
