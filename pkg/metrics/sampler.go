package metrics

import (
	"context"
	"time"

	"github.com/gantry-ai/gantry/pkg/engines"
	"github.com/gantry-ai/gantry/pkg/logging"
	"github.com/gantry-ai/gantry/pkg/vram"
)

// Series names recorded by the sampler. Engine gauges are recorded under
// "engine.<name>.<metric>".
const (
	SeriesVRAMUsedGB      = "vram.used_gb"
	SeriesVRAMAvailableGB = "vram.available_gb"
	SeriesVRAMUsagePct    = "vram.usage_pct"
	SeriesPSICPU          = "psi.cpu"
	SeriesPSIMemory       = "psi.memory"
	SeriesPSIIO           = "psi.io"
	SeriesQueueDepth      = "queue.depth"
)

// Sampler observes the host and the engines every SampleInterval and
// records the readings into the store.
type Sampler struct {
	log        logging.Logger
	store      *Store
	probe      vram.Probe
	engines    *engines.Set
	queueDepth func() int
}

// NewSampler creates a sampler. queueDepth reports the admission queue's
// current size.
func NewSampler(log logging.Logger, store *Store, probe vram.Probe, engineSet *engines.Set, queueDepth func() int) *Sampler {
	return &Sampler{
		log:        log,
		store:      store,
		probe:      probe,
		engines:    engineSet,
		queueDepth: queueDepth,
	}
}

// Run samples until ctx ends. The store's pruner runs alongside.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(SampleInterval)
	defer ticker.Stop()
	go s.store.RunPruner(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

func (s *Sampler) sample(ctx context.Context) {
	sampleCtx, cancel := context.WithTimeout(ctx, SampleInterval)
	defer cancel()

	if snapshot, err := s.probe.Snapshot(sampleCtx); err != nil {
		s.log.WithError(err).Warn("memory snapshot failed")
	} else {
		s.store.Record(SeriesVRAMUsedGB, snapshot.UsedGB)
		s.store.Record(SeriesVRAMAvailableGB, snapshot.AvailableGB)
		s.store.Record(SeriesVRAMUsagePct, snapshot.UsagePct)
		s.store.Record(SeriesPSICPU, snapshot.PSI.CPU)
		s.store.Record(SeriesPSIMemory, snapshot.PSI.Memory)
		s.store.Record(SeriesPSIIO, snapshot.PSI.IO)
	}

	s.store.Record(SeriesQueueDepth, float64(s.queueDepth()))

	for _, engine := range s.engines.Engines() {
		healthy := 1.0
		if _, err := engine.ListLoaded(sampleCtx); err != nil {
			healthy = 0
		}
		s.store.Record("engine."+engine.Name()+".healthy", healthy)

		scraper, ok := engine.(engines.MetricsScraper)
		if !ok || healthy == 0 {
			continue
		}
		gauges, err := scraper.ScrapeMetrics(sampleCtx)
		if err != nil {
			s.log.WithError(err).WithField("engine", engine.Name()).Debug("metrics scrape failed")
			continue
		}
		for name, value := range gauges {
			s.store.Record("engine."+engine.Name()+"."+name, value)
		}
	}
}
