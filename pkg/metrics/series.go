// Package metrics keeps short-horizon operational time series in memory:
// five-second samples, partitioned by hour, retained for two days. It backs
// the internal metrics endpoint and the admin CLI.
package metrics

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	// SampleInterval is the cadence the sampler records at.
	SampleInterval = 5 * time.Second
	// Retention is how long samples are kept before pruning.
	Retention = 48 * time.Hour
)

// Sample is one observation of a named series.
type Sample struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

// Bucket is an aggregate over one bucket-width slice of a series.
type Bucket struct {
	Start time.Time `json:"start"`
	Count int       `json:"count"`
	Min   float64   `json:"min"`
	Max   float64   `json:"max"`
	Avg   float64   `json:"avg"`
	P95   float64   `json:"p95"`
	P99   float64   `json:"p99"`
}

// Store holds named series partitioned by hour. Appends are always to the
// latest partition, so pruning whole hours is cheap and never scans
// individual samples.
type Store struct {
	mu     sync.RWMutex
	series map[string]map[int64][]Sample

	now func() time.Time
}

// NewStore creates an empty series store.
func NewStore() *Store {
	return &Store{
		series: make(map[string]map[int64][]Sample),
		now:    time.Now,
	}
}

func hourKey(t time.Time) int64 {
	return t.UTC().Truncate(time.Hour).Unix()
}

// Record appends one sample to the named series at the current time.
func (s *Store) Record(name string, value float64) {
	s.RecordAt(name, value, s.now())
}

// RecordAt appends one sample with an explicit timestamp.
func (s *Store) RecordAt(name string, value float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	partitions, ok := s.series[name]
	if !ok {
		partitions = make(map[int64][]Sample)
		s.series[name] = partitions
	}
	key := hourKey(at)
	partitions[key] = append(partitions[key], Sample{At: at, Value: value})
}

// Names returns the known series names.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.series))
	for name := range s.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Latest returns the most recent sample of the named series.
func (s *Store) Latest(name string) (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	partitions := s.series[name]
	var best Sample
	var found bool
	for _, samples := range partitions {
		if n := len(samples); n > 0 {
			last := samples[n-1]
			if !found || last.At.After(best.At) {
				best = last
				found = true
			}
		}
	}
	return best, found
}

// Range returns the samples of the named series in [from, to), oldest
// first.
func (s *Store) Range(name string, from, to time.Time) []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	partitions := s.series[name]
	if len(partitions) == 0 {
		return nil
	}
	var out []Sample
	for key := hourKey(from); key <= hourKey(to); key += 3600 {
		for _, sample := range partitions[key] {
			if !sample.At.Before(from) && sample.At.Before(to) {
				out = append(out, sample)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// Aggregate buckets the samples of [from, to) into fixed-width windows and
// computes min/max/avg/p95/p99 per bucket. Empty buckets are omitted.
func (s *Store) Aggregate(name string, from, to time.Time, bucket time.Duration) []Bucket {
	if bucket <= 0 {
		bucket = SampleInterval
	}
	samples := s.Range(name, from, to)
	if len(samples) == 0 {
		return nil
	}

	var out []Bucket
	start := from.Truncate(bucket)
	values := make([]float64, 0, 64)
	flush := func(bucketStart time.Time) {
		if len(values) == 0 {
			return
		}
		out = append(out, aggregate(bucketStart, values))
		values = values[:0]
	}
	for _, sample := range samples {
		sampleBucket := sample.At.Truncate(bucket)
		if sampleBucket.After(start) {
			flush(start)
			start = sampleBucket
		}
		values = append(values, sample.Value)
	}
	flush(start)
	return out
}

func aggregate(start time.Time, values []float64) Bucket {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	b := Bucket{
		Start: start,
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
	}
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	b.Avg = sum / float64(len(sorted))
	return b
}

// percentile uses nearest-rank on an already-sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// Prune drops whole partitions older than the retention window.
func (s *Store) Prune() {
	cutoff := hourKey(s.now().Add(-Retention))
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, partitions := range s.series {
		for key := range partitions {
			if key < cutoff {
				delete(partitions, key)
			}
		}
		if len(partitions) == 0 {
			delete(s.series, name)
		}
	}
}

// RunPruner prunes expired partitions hourly until ctx ends.
func (s *Store) RunPruner(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Prune()
		}
	}
}
