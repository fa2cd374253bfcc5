package scheduling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gantry-ai/gantry/pkg/engines"
	"github.com/gantry-ai/gantry/pkg/logging"
	"github.com/gantry-ai/gantry/pkg/profiles"
	"github.com/gantry-ai/gantry/pkg/vram"
)

// OrchestratorConfig carries the VRAM admission limits, resolved from the
// active profile.
type OrchestratorConfig struct {
	// SoftLimitGB guides proactive eviction; HardLimitGB forbids admission.
	SoftLimitGB float64
	HardLimitGB float64
	// SafetyMarginGB is added to every load's required headroom.
	SafetyMarginGB float64
	// LargeModelThresholdGB triggers an engine cleanup hint before loading
	// models at or above it.
	LargeModelThresholdGB float64
	// BypassIfCircuitOpen returns circuit-open directly instead of
	// attempting alternate-model resolution through the profile manager.
	BypassIfCircuitOpen bool
	// ReconcileInterval is the period of registry/engine reconciliation.
	ReconcileInterval time.Duration
}

// Status is the orchestrator's observability snapshot.
type Status struct {
	Memory       vram.Snapshot           `json:"memory"`
	LoadedModels []RegistryEntry         `json:"loaded_models"`
	Crashes      map[string]CrashHistory `json:"crashes,omitempty"`
	Healthy      bool                    `json:"healthy"`
}

// Orchestrator is the central VRAM admission controller. A process-wide
// mutex serialises all residency changes so two concurrent loads cannot
// both observe sufficient headroom.
type Orchestrator struct {
	log      logging.Logger
	cfg      OrchestratorConfig
	manager  *profiles.Manager
	engines  *engines.Set
	registry *Registry
	probe    vram.Probe
	crashes  *CrashTracker

	// evictHook, when set, runs after every successful eviction. Backs the
	// eviction counter instrument.
	evictHook func(model string)

	// mu is the residency mutex. Reconcile shares it with RequestLoad;
	// reconciliation never pre-empts a load.
	mu sync.Mutex
}

// SetEvictHook installs the per-eviction hook. Must be called during
// wiring.
func (o *Orchestrator) SetEvictHook(hook func(model string)) {
	o.evictHook = hook
}

func (o *Orchestrator) evicted(model string) {
	if o.evictHook != nil {
		o.evictHook(model)
	}
}

// NewOrchestrator creates the admission controller.
func NewOrchestrator(
	log logging.Logger,
	cfg OrchestratorConfig,
	manager *profiles.Manager,
	engineSet *engines.Set,
	registry *Registry,
	probe vram.Probe,
	crashes *CrashTracker,
) *Orchestrator {
	return &Orchestrator{
		log:      log,
		cfg:      cfg,
		manager:  manager,
		engines:  engineSet,
		registry: registry,
		probe:    probe,
		crashes:  crashes,
	}
}

// RequestLoad ensures the model is resident, evicting strictly
// lower-priority models under memory pressure. It returns the effective
// model name, which differs from the argument when the circuit is open and
// the profile manager resolved an alternate.
func (o *Orchestrator) RequestLoad(ctx context.Context, model string, params engines.GenerateParams) (string, error) {
	return o.requestLoad(ctx, model, params, 0)
}

// maxAlternateHops bounds fallback-chain recursion.
const maxAlternateHops = 3

func (o *Orchestrator) requestLoad(ctx context.Context, model string, params engines.GenerateParams, hop int) (string, error) {
	profile := o.manager.Profile()

	desc, ok := profile.Model(model)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}

	// Engines without dynamic load manage their own residency. Record
	// intent and move on.
	if !desc.Engine.DynamicLoad() {
		o.log.Debugf("load intent recorded for %s (%s engine manages its own residency)", model, desc.Engine)
		return model, nil
	}

	if o.crashes.IsOpen(model) {
		if o.cfg.BypassIfCircuitOpen || hop >= maxAlternateHops {
			return "", fmt.Errorf("%w: %s", ErrCircuitOpen, model)
		}
		alt, ok := o.manager.Alternate(model)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrCircuitOpen, model)
		}
		o.log.Warnf("circuit open for %s, resolving to alternate %s", model, alt.Name)
		return o.requestLoad(ctx, alt.Name, params, hop+1)
	}

	engine, ok := o.engines.ForModel(model)
	if !ok {
		return "", fmt.Errorf("%w: no engine registered for %s", ErrUnknownModel, model)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.registry.Contains(model) {
		return model, nil
	}

	if err := o.makeRoom(ctx, desc); err != nil {
		return "", err
	}

	if desc.VRAMGB >= o.cfg.LargeModelThresholdGB {
		if err := engine.Cleanup(ctx); err != nil {
			o.log.WithError(err).Warnf("cleanup hint before loading %s failed", model)
		}
	}

	if err := engine.Load(ctx, model, params); err != nil {
		if engines.IsCrash(err) {
			o.crashes.Record(model, err.Error())
		}
		return "", fmt.Errorf("loading %s: %w", model, err)
	}
	if err := o.registry.Add(desc, false); err != nil {
		// Lost a race with reconciliation; residency is what we wanted.
		o.log.Debugf("registry add for %s: %v", model, err)
	}
	o.log.Infof("loaded %s (%.1f GB, priority %s)", model, desc.VRAMGB, desc.Priority)
	return model, nil
}

// makeRoom evicts strictly lower-priority LRU models until the descriptor
// fits under the soft limit, or fails with ErrInsufficientVRAM when the
// projected use would exceed the hard limit and nothing is evictable.
// Callers hold the residency mutex.
func (o *Orchestrator) makeRoom(ctx context.Context, desc *profiles.ModelConfig) error {
	required := desc.VRAMGB + o.cfg.SafetyMarginGB
	var failed []string

	for {
		free := o.cfg.SoftLimitGB - o.usedGB(ctx)
		if free < 0 {
			free = 0
		}
		if free >= required {
			return nil
		}

		candidate, ok := o.evictionCandidate(desc.Priority, failed)
		if !ok {
			projected := o.usedGB(ctx) + desc.VRAMGB
			if projected > o.cfg.HardLimitGB {
				return fmt.Errorf("%w: %s needs %.1f GB, projected use %.1f GB exceeds hard limit %.1f GB",
					ErrInsufficientVRAM, desc.Name, desc.VRAMGB, projected, o.cfg.HardLimitGB)
			}
			// Over soft but under hard: accept and let later loads evict.
			o.log.Warnf("loading %s above the soft limit (projected %.1f GB)", desc.Name, projected)
			return nil
		}

		engine, ok := o.engines.ForModel(candidate)
		if !ok {
			// Externally-discovered model without a profile engine binding.
			// Drop it from the registry; nothing to unload through us.
			o.log.Warnf("evicting unmanaged registry entry %s", candidate)
			o.registry.Remove(candidate)
			continue
		}

		if err := engine.Unload(ctx, candidate); err != nil {
			o.log.WithError(err).Warnf("unloading %s failed, trying next LRU candidate", candidate)
			o.crashes.Record(candidate, fmt.Sprintf("unload failed: %v", err))
			failed = append(failed, candidate)
			continue
		}
		o.registry.Remove(candidate)
		o.evicted(candidate)
		o.log.Infof("evicted %s to make room for %s", candidate, desc.Name)
	}
}

// evictionCandidate returns the LRU model strictly below the requesting
// priority, skipping candidates whose unload already failed this pass.
func (o *Orchestrator) evictionCandidate(requesting profiles.Priority, exclude []string) (string, bool) {
	if requesting == profiles.PriorityLow {
		return "", false
	}
	return o.registry.LRUByPriority(requesting-1, exclude...)
}

// usedGB is the admission estimate: the higher of the registry's declared
// total and the probe's reported use.
func (o *Orchestrator) usedGB(ctx context.Context) float64 {
	declared := o.registry.TotalDeclaredGB()
	snap, err := o.probe.Snapshot(ctx)
	if err != nil {
		o.log.WithError(err).Warn("memory probe failed, using declared totals only")
		return declared
	}
	if snap.UsedGB > declared {
		return snap.UsedGB
	}
	return declared
}

// MarkAccessed moves the model to the MRU end. Called by the worker
// immediately before a generation.
func (o *Orchestrator) MarkAccessed(model string) {
	if err := o.registry.Touch(model); err != nil {
		o.log.Debugf("touch %s: %v", model, err)
	}
}

// MarkUnloaded removes the model from the registry and, when the unload was
// a crash, records it with the tracker.
func (o *Orchestrator) MarkUnloaded(model string, crashed bool, reason string) {
	if err := o.registry.Remove(model); err == nil {
		o.log.Infof("marked %s unloaded (crashed=%t)", model, crashed)
	}
	if crashed {
		o.crashes.Record(model, reason)
	}
}

// Unload releases the model through its engine and drops the registry
// entry. Used by the internal control plane.
func (o *Orchestrator) Unload(ctx context.Context, model string, crashed bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if engine, ok := o.engines.ForModel(model); ok {
		if err := engine.Unload(ctx, model); err != nil {
			return fmt.Errorf("unloading %s: %w", model, err)
		}
	}
	o.registry.Remove(model)
	if crashed {
		o.crashes.Record(model, "administrative unload marked crashed")
	}
	return nil
}

// EvictBelow unloads the LRU model strictly below the given priority and
// returns its name. The second return is false when nothing qualifies.
func (o *Orchestrator) EvictBelow(ctx context.Context, priority profiles.Priority) (string, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if priority == profiles.PriorityLow {
		return "", false, nil
	}
	candidate, ok := o.registry.LRUByPriority(priority - 1)
	if !ok {
		return "", false, nil
	}
	if engine, ok := o.engines.ForModel(candidate); ok {
		if err := engine.Unload(ctx, candidate); err != nil {
			return "", false, fmt.Errorf("unloading %s: %w", candidate, err)
		}
	}
	o.registry.Remove(candidate)
	o.evicted(candidate)
	o.log.Infof("evicted %s (admin request, priority < %s)", candidate, priority)
	return candidate, true, nil
}

// Ping reports engine reachability for the health flag: healthy when at
// least one engine answers list-loaded.
func (o *Orchestrator) Ping(ctx context.Context) bool {
	for _, engine := range o.engines.Engines() {
		if _, err := engine.ListLoaded(ctx); err == nil {
			return true
		}
	}
	return false
}

// GetStatus snapshots the probe, registry, and crash summaries.
func (o *Orchestrator) GetStatus(ctx context.Context) Status {
	snap, err := o.probe.Snapshot(ctx)
	if err != nil {
		o.log.WithError(err).Warn("memory probe failed for status")
	}

	loaded := o.registry.Snapshot()
	crashes := make(map[string]CrashHistory)
	for _, entry := range loaded {
		if h := o.crashes.History(entry.ModelID); h.Count > 0 {
			crashes[entry.ModelID] = h
		}
	}

	return Status{
		Memory:       snap,
		LoadedModels: loaded,
		Crashes:      crashes,
		Healthy:      err == nil && o.Ping(ctx),
	}
}

// Reconcile aligns the registry with each engine's own list-loaded report:
// engine-reported models missing from the registry are added as external
// loads; registry entries the engine no longer knows are dropped with a
// warning. Engines that fail to answer leave their entries untouched.
func (o *Orchestrator) Reconcile(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	profile := o.manager.Profile()
	reported := make(map[string]bool)
	answered := make(map[string]bool)

	for _, engine := range o.engines.Engines() {
		loaded, err := engine.ListLoaded(ctx)
		if err != nil {
			o.log.WithError(err).Warnf("reconcile: %s engine did not answer list-loaded", engine.Name())
			continue
		}
		answered[engine.Name()] = true
		for _, model := range loaded {
			reported[model] = true
		}
	}

	// Adopt engine-side loads the orchestrator did not initiate.
	for model := range reported {
		if o.registry.Contains(model) {
			continue
		}
		desc, ok := profile.Model(model)
		if !ok || !desc.Engine.DynamicLoad() {
			continue
		}
		if err := o.registry.Add(desc, true); err == nil {
			o.log.Infof("reconcile: adopted externally loaded model %s", model)
		}
	}

	// Drop registry entries whose engine no longer reports them.
	for _, model := range o.registry.Names() {
		if reported[model] {
			continue
		}
		engine, ok := o.engines.ForModel(model)
		if ok && !answered[engine.Name()] {
			continue
		}
		o.registry.Remove(model)
		o.log.Warnf("reconcile: %s no longer reported by its engine, dropping registry entry", model)
	}
}

// RunReconciler drives periodic reconciliation until ctx ends.
func (o *Orchestrator) RunReconciler(ctx context.Context) {
	if o.cfg.ReconcileInterval <= 0 {
		o.cfg.ReconcileInterval = 30 * time.Second
	}
	ticker := time.NewTicker(o.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Reconcile(ctx)
		}
	}
}
