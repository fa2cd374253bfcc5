// Package scheduling is the inference control plane: the bounded admission
// queue, the visibility monitor, the VRAM orchestrator with its LRU
// registry and crash circuit breaker, and the worker pool that drives
// requests through load → generate → stream → persist.
package scheduling

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/gantry-ai/gantry/pkg/budget"
	"github.com/gantry-ai/gantry/pkg/conversation"
	"github.com/gantry-ai/gantry/pkg/engines"
	"github.com/gantry-ai/gantry/pkg/logging"
	"github.com/gantry-ai/gantry/pkg/observe"
	"github.com/gantry-ai/gantry/pkg/routing"
	"github.com/gantry-ai/gantry/pkg/store"
	"github.com/gantry-ai/gantry/pkg/streaming"
)

// Config aggregates the control plane's knobs, resolved from the active
// profile by the wiring in main.
type Config struct {
	Workers      int
	Orchestrator OrchestratorConfig
	Monitor      MonitorConfig
	Worker       WorkerConfig
}

// Scheduler owns the admission queue, the orchestrator, the visibility
// monitor, and the worker pool, and runs them as one unit.
type Scheduler struct {
	log     logging.Logger
	queue   *Queue
	orch    *Orchestrator
	monitor *Monitor
	crashes *CrashTracker
	workers []*Worker

	accountant *budget.Accountant
}

// NewScheduler wires the control plane together. The queue's failure
// handler is installed here: every terminal failure, whether from a worker
// or the visibility monitor, reaches the client as a single error frame.
func NewScheduler(
	log logging.Logger,
	cfg Config,
	queue *Queue,
	orch *Orchestrator,
	crashes *CrashTracker,
	router *routing.Router,
	resolver *routing.Resolver,
	builder *conversation.Builder,
	accountant *budget.Accountant,
	mux *streaming.Mux,
	repo store.Repository,
	engineSet *engines.Set,
	obs *observe.Metrics,
) *Scheduler {
	queue.SetFailureHandler(func(req *Request, reason string) {
		mux.Send(req.ClientHandle, streaming.Error(reason))
	})
	if obs != nil {
		crashes.SetRecordHook(func(string) {
			obs.Crashes.Add(context.Background(), 1)
		})
		orch.SetEvictHook(func(string) {
			obs.Evictions.Add(context.Background(), 1)
		})
	}

	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	workers := make([]*Worker, cfg.Workers)
	for i := range workers {
		workers[i] = NewWorker(log, i, cfg.Worker, queue, orch, router, resolver,
			builder, accountant, mux, repo, engineSet, obs)
	}

	return &Scheduler{
		log:        log,
		queue:      queue,
		orch:       orch,
		monitor:    NewMonitor(log.WithField("component", "visibility-monitor"), cfg.Monitor, queue, crashes),
		crashes:    crashes,
		workers:    workers,
		accountant: accountant,
	}
}

// Queue exposes the admission queue to the gateway.
func (s *Scheduler) Queue() *Queue {
	return s.queue
}

// Orchestrator exposes the admission controller to the internal control
// plane handler.
func (s *Scheduler) Orchestrator() *Orchestrator {
	return s.orch
}

// Run is the scheduler's main run loop: workers plus background monitors
// under one error group. By the time it returns, all workers have finished
// their current request.
func (s *Scheduler) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	// Closing the queue on shutdown wakes blocked Dequeue callers so
	// workers exit after their current request.
	group.Go(func() error {
		<-groupCtx.Done()
		s.queue.Close()
		return nil
	})

	group.Go(func() error {
		s.monitor.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		s.orch.RunReconciler(groupCtx)
		return nil
	})

	group.Go(func() error {
		s.accountant.RunSweep(groupCtx)
		return nil
	})

	for _, worker := range s.workers {
		w := worker
		group.Go(func() error {
			return w.Run(groupCtx)
		})
	}

	return group.Wait()
}
