package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

func TestStoreRecordAndRange(t *testing.T) {
	s := NewStore()
	for i := 0; i < 10; i++ {
		s.RecordAt("queue.depth", float64(i), epoch.Add(time.Duration(i)*5*time.Second))
	}

	samples := s.Range("queue.depth", epoch, epoch.Add(time.Minute))
	require.Len(t, samples, 10)
	assert.Equal(t, 0.0, samples[0].Value)
	assert.Equal(t, 9.0, samples[9].Value)

	// Half-open interval: to is exclusive.
	samples = s.Range("queue.depth", epoch, epoch.Add(25*time.Second))
	assert.Len(t, samples, 5)
}

func TestStoreRangeSpansPartitions(t *testing.T) {
	s := NewStore()
	s.RecordAt("vram.used_gb", 10, epoch.Add(59*time.Minute))
	s.RecordAt("vram.used_gb", 12, epoch.Add(61*time.Minute))

	samples := s.Range("vram.used_gb", epoch, epoch.Add(2*time.Hour))
	require.Len(t, samples, 2)
	assert.Equal(t, 10.0, samples[0].Value)
	assert.Equal(t, 12.0, samples[1].Value)
}

func TestStoreLatest(t *testing.T) {
	s := NewStore()
	_, ok := s.Latest("missing")
	assert.False(t, ok)

	s.RecordAt("psi.cpu", 1.5, epoch)
	s.RecordAt("psi.cpu", 2.5, epoch.Add(65*time.Minute))
	latest, ok := s.Latest("psi.cpu")
	require.True(t, ok)
	assert.Equal(t, 2.5, latest.Value)
}

func TestAggregateBuckets(t *testing.T) {
	s := NewStore()
	// Two one-minute buckets with known values.
	for i := 0; i < 12; i++ {
		s.RecordAt("vram.usage_pct", float64(10+i), epoch.Add(time.Duration(i)*5*time.Second))
	}
	for i := 0; i < 12; i++ {
		s.RecordAt("vram.usage_pct", float64(50+i), epoch.Add(time.Minute+time.Duration(i)*5*time.Second))
	}

	buckets := s.Aggregate("vram.usage_pct", epoch, epoch.Add(2*time.Minute), time.Minute)
	require.Len(t, buckets, 2)

	first := buckets[0]
	assert.Equal(t, epoch, first.Start)
	assert.Equal(t, 12, first.Count)
	assert.Equal(t, 10.0, first.Min)
	assert.Equal(t, 21.0, first.Max)
	assert.InDelta(t, 15.5, first.Avg, 0.001)

	second := buckets[1]
	assert.Equal(t, 50.0, second.Min)
	assert.Equal(t, 61.0, second.Max)
}

func TestAggregatePercentiles(t *testing.T) {
	s := NewStore()
	for i := 1; i <= 100; i++ {
		s.RecordAt("gen.seconds", float64(i), epoch.Add(time.Duration(i)*time.Second))
	}

	buckets := s.Aggregate("gen.seconds", epoch, epoch.Add(3*time.Minute), 5*time.Minute)
	require.Len(t, buckets, 1)
	assert.Equal(t, 95.0, buckets[0].P95)
	assert.Equal(t, 99.0, buckets[0].P99)
}

func TestAggregateEmpty(t *testing.T) {
	s := NewStore()
	assert.Nil(t, s.Aggregate("nothing", epoch, epoch.Add(time.Hour), time.Minute))
}

func TestPruneDropsExpiredPartitions(t *testing.T) {
	s := NewStore()
	s.now = func() time.Time { return epoch.Add(Retention + 2*time.Hour) }

	s.RecordAt("queue.depth", 1, epoch)
	s.RecordAt("queue.depth", 2, epoch.Add(Retention+time.Hour))
	s.Prune()

	samples := s.Range("queue.depth", epoch.Add(-time.Hour), epoch.Add(Retention+2*time.Hour))
	require.Len(t, samples, 1)
	assert.Equal(t, 2.0, samples[0].Value)
}

func TestPruneRemovesEmptySeries(t *testing.T) {
	s := NewStore()
	s.now = func() time.Time { return epoch.Add(Retention + 2*time.Hour) }
	s.RecordAt("old.series", 1, epoch)
	s.Prune()
	assert.Empty(t, s.Names())
}
