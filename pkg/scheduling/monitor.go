package scheduling

import (
	"context"
	"time"

	"github.com/gantry-ai/gantry/pkg/logging"
)

// MonitorConfig carries the visibility monitor's timing knobs.
type MonitorConfig struct {
	// CheckInterval is the sweep period.
	CheckInterval time.Duration
	// TextTimeout bounds in-flight age for text routes, ImageTimeout for
	// image and vision routes.
	TextTimeout  time.Duration
	ImageTimeout time.Duration
}

// Monitor is the background task that requeues or fails in-flight requests
// whose worker died or is stuck in a remote call. Without it, a hung worker
// occupies an in-flight slot forever.
type Monitor struct {
	log     logging.Logger
	cfg     MonitorConfig
	queue   *Queue
	crashes *CrashTracker

	// now is swapped in tests.
	now func() time.Time
}

// NewMonitor creates a visibility monitor over the given queue.
func NewMonitor(log logging.Logger, cfg MonitorConfig, queue *Queue, crashes *CrashTracker) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	return &Monitor{
		log:     log,
		cfg:     cfg,
		queue:   queue,
		crashes: crashes,
		now:     time.Now,
	}
}

// Run sweeps the in-flight set every CheckInterval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep requeues every expired in-flight request, or fails it terminally
// once the retry cap is reached, firing a synthetic crash signal so the
// circuit breaker sees repeat offenders.
func (m *Monitor) sweep() {
	now := m.now()
	for _, req := range m.queue.InFlightSnapshot() {
		if req.StartedAt.IsZero() {
			continue
		}
		age := now.Sub(req.StartedAt)
		timeout := m.timeoutFor(req)
		if age < timeout {
			continue
		}

		if m.queue.RequeueForRetry(req.ID) {
			m.log.Warnf("request %s stuck in flight for %s (timeout %s), requeued at head (retry %d)",
				req.ID, age.Round(time.Second), timeout, req.RetryCount+1)
			continue
		}

		m.queue.MarkFailed(req.ID, reasonVisibilityTimeout)
		if req.Model != "" {
			m.crashes.Record(req.Model, reasonVisibilityTimeout)
		}
	}
}

// timeoutFor selects the route-class timeout. Image and vision requests get
// the longer bound.
func (m *Monitor) timeoutFor(req *Request) time.Duration {
	if req.Hint == HintImage || req.Hint == HintVision {
		return m.cfg.ImageTimeout
	}
	return m.cfg.TextTimeout
}
