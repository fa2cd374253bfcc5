package scheduling

import (
	"sync"
	"time"

	"github.com/gantry-ai/gantry/pkg/logging"
)

// maxCrashRecords bounds the per-model deque. The window prune makes older
// records irrelevant long before the cap matters.
const maxCrashRecords = 32

// CrashObserver is notified when a model's crash count crosses the
// threshold. Fired exactly once per crossing, outside the tracker mutex.
type CrashObserver func(model string, count int, reason string)

type crashRecord struct {
	at     time.Time
	reason string
}

// CrashHistory summarises a model's recent crashes.
type CrashHistory struct {
	Count          int     `json:"count"`
	LastSecondsAgo float64 `json:"last_seconds_ago"`
	RecommendEvict bool    `json:"recommend_evict"`
}

// CrashTracker is the windowed crash counter behind the circuit breaker.
// Records older than the window are silently dropped on access and never
// influence decisions.
type CrashTracker struct {
	log       logging.Logger
	threshold int
	window    time.Duration

	mu      sync.Mutex
	records map[string][]crashRecord
	// tripped tracks which models have fired their observers for the
	// current crossing. Reset when the window prune drops the count back
	// under the threshold, or by Clear.
	tripped   map[string]bool
	observers []CrashObserver

	// recordHook, when set, runs on every recorded crash, outside the
	// mutex. Backs the crash counter instrument.
	recordHook func(model string)

	// now is swapped in tests.
	now func() time.Time
}

// NewCrashTracker creates a tracker with the given threshold and window.
func NewCrashTracker(log logging.Logger, threshold int, window time.Duration) *CrashTracker {
	return &CrashTracker{
		log:       log,
		threshold: threshold,
		window:    window,
		records:   make(map[string][]crashRecord),
		tripped:   make(map[string]bool),
		now:       time.Now,
	}
}

// Subscribe registers an observer. Must be called during wiring, before
// crashes flow.
func (t *CrashTracker) Subscribe(obs CrashObserver) {
	t.observers = append(t.observers, obs)
}

// SetRecordHook installs the per-crash hook. Must be called during wiring.
func (t *CrashTracker) SetRecordHook(hook func(model string)) {
	t.recordHook = hook
}

// Record appends a crash for the model, drops stale records, and fires
// observers when the count crosses the threshold.
func (t *CrashTracker) Record(model, reason string) {
	t.mu.Lock()

	records := t.prune(model)
	records = append(records, crashRecord{at: t.now(), reason: reason})
	if len(records) > maxCrashRecords {
		records = records[len(records)-maxCrashRecords:]
	}
	t.records[model] = records

	count := len(records)
	fire := count >= t.threshold && !t.tripped[model]
	if fire {
		t.tripped[model] = true
	}
	observers := t.observers
	t.mu.Unlock()

	t.log.Warnf("crash recorded for %s: %s (%d in window)", model, reason, count)
	if t.recordHook != nil {
		t.recordHook(model)
	}
	if fire {
		for _, obs := range observers {
			obs(model, count, reason)
		}
	}
}

// History returns the model's windowed crash summary.
func (t *CrashTracker) History(model string) CrashHistory {
	t.mu.Lock()
	defer t.mu.Unlock()

	records := t.prune(model)
	t.records[model] = records

	h := CrashHistory{Count: len(records)}
	if len(records) > 0 {
		h.LastSecondsAgo = t.now().Sub(records[len(records)-1].at).Seconds()
	}
	h.RecommendEvict = h.Count >= t.threshold
	return h
}

// IsOpen reports whether the model's circuit is open: threshold or more
// crashes within the window.
func (t *CrashTracker) IsOpen(model string) bool {
	return t.History(model).Count >= t.threshold
}

// Clear erases the model's crash history and arms the observers again.
func (t *CrashTracker) Clear(model string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, model)
	delete(t.tripped, model)
}

// prune drops records outside the window and re-arms the observers when the
// count falls back under the threshold. Callers hold the mutex.
func (t *CrashTracker) prune(model string) []crashRecord {
	records := t.records[model]
	cutoff := t.now().Add(-t.window)
	for len(records) > 0 && records[0].at.Before(cutoff) {
		records = records[1:]
	}
	if len(records) < t.threshold {
		delete(t.tripped, model)
	}
	return records
}
