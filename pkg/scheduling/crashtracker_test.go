package scheduling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trackerClock is a manually advanced clock for window tests.
type trackerClock struct {
	at time.Time
}

func (c *trackerClock) now() time.Time          { return c.at }
func (c *trackerClock) advance(d time.Duration) { c.at = c.at.Add(d) }

func newTestTracker(threshold int, window time.Duration) (*CrashTracker, *trackerClock) {
	clock := &trackerClock{at: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	tracker := NewCrashTracker(testLogger(), threshold, window)
	tracker.now = clock.now
	return tracker, clock
}

func TestCrashTrackerWindowedCount(t *testing.T) {
	tracker, clock := newTestTracker(3, 10*time.Minute)

	tracker.Record("m", "oom")
	clock.advance(4 * time.Minute)
	tracker.Record("m", "oom")

	h := tracker.History("m")
	assert.Equal(t, 2, h.Count)
	assert.InDelta(t, 0, h.LastSecondsAgo, 0.001)
	assert.False(t, h.RecommendEvict)
	assert.False(t, tracker.IsOpen("m"))

	// The first record ages out of the window.
	clock.advance(7 * time.Minute)
	h = tracker.History("m")
	assert.Equal(t, 1, h.Count)
	assert.InDelta(t, (7 * time.Minute).Seconds(), h.LastSecondsAgo, 0.001)
}

func TestCrashTrackerOpensAtThreshold(t *testing.T) {
	tracker, _ := newTestTracker(2, 10*time.Minute)

	tracker.Record("m", "crash")
	assert.False(t, tracker.IsOpen("m"))
	tracker.Record("m", "crash")
	assert.True(t, tracker.IsOpen("m"))

	h := tracker.History("m")
	assert.True(t, h.RecommendEvict)
}

func TestCrashTrackerObserverFiresOncePerCrossing(t *testing.T) {
	tracker, clock := newTestTracker(2, 10*time.Minute)

	var fired []int
	tracker.Subscribe(func(model string, count int, reason string) {
		require.Equal(t, "m", model)
		fired = append(fired, count)
	})

	tracker.Record("m", "crash")
	tracker.Record("m", "crash")
	tracker.Record("m", "crash")
	require.Equal(t, []int{2}, fired, "observer must fire exactly once per crossing")

	// After the window drains, the next crossing fires again.
	clock.advance(11 * time.Minute)
	tracker.Record("m", "crash")
	tracker.Record("m", "crash")
	assert.Equal(t, []int{2, 2}, fired)
}

func TestCrashTrackerClearRearmsObservers(t *testing.T) {
	tracker, _ := newTestTracker(2, 10*time.Minute)

	fired := 0
	tracker.Subscribe(func(string, int, string) { fired++ })

	tracker.Record("m", "crash")
	tracker.Record("m", "crash")
	require.Equal(t, 1, fired)

	tracker.Clear("m")
	assert.False(t, tracker.IsOpen("m"))
	assert.Zero(t, tracker.History("m").Count)

	tracker.Record("m", "crash")
	tracker.Record("m", "crash")
	assert.Equal(t, 2, fired)
}

func TestCrashTrackerModelsAreIndependent(t *testing.T) {
	tracker, _ := newTestTracker(2, 10*time.Minute)

	tracker.Record("a", "crash")
	tracker.Record("a", "crash")
	tracker.Record("b", "crash")

	assert.True(t, tracker.IsOpen("a"))
	assert.False(t, tracker.IsOpen("b"))
}

func TestCrashTrackerRecordHook(t *testing.T) {
	tracker, _ := newTestTracker(5, 10*time.Minute)

	var seen []string
	tracker.SetRecordHook(func(model string) { seen = append(seen, model) })

	tracker.Record("a", "crash")
	tracker.Record("b", "crash")
	assert.Equal(t, []string{"a", "b"}, seen)
}
