package profiles

import (
	"sync"

	"github.com/gantry-ai/gantry/pkg/logging"
)

// Manager holds the active profile and tracks models the crash tracker has
// marked unhealthy. When bypass_if_circuit_open is disabled, the
// orchestrator asks the manager for an alternate model instead of returning
// circuit-open.
//
// The manager subscribes to crash tracker events; it never calls back into
// the tracker.
type Manager struct {
	log     logging.Logger
	profile *Profile

	mu sync.Mutex
	// degraded maps a model name to the reason of the threshold-crossing
	// crash that demoted it.
	degraded map[string]string
}

// NewManager creates a profile manager for the given active profile.
func NewManager(log logging.Logger, profile *Profile) *Manager {
	return &Manager{
		log:      log,
		profile:  profile,
		degraded: make(map[string]string),
	}
}

// Profile returns the active profile. Read-only at runtime.
func (m *Manager) Profile() *Profile {
	return m.profile
}

// OnCrashThreshold is the crash tracker observer. It marks the model
// degraded so subsequent resolutions prefer its fallback.
func (m *Manager) OnCrashThreshold(model string, count int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, already := m.degraded[model]; already {
		return
	}
	m.degraded[model] = reason
	m.log.Warnf("model %s degraded after %d crashes in window (last: %s)", model, count, reason)
}

// ClearDegraded restores a model after its crash history is cleared.
func (m *Manager) ClearDegraded(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.degraded[model]; ok {
		delete(m.degraded, model)
		m.log.Infof("model %s restored", model)
	}
}

// IsDegraded reports whether the model is currently demoted.
func (m *Manager) IsDegraded(model string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.degraded[model]
	return ok
}

// Degraded returns a copy of the degraded set for observability.
func (m *Manager) Degraded() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.degraded))
	for k, v := range m.degraded {
		out[k] = v
	}
	return out
}

// Alternate resolves the fallback descriptor for a model whose circuit is
// open. It follows fallback chains up to a few hops and refuses alternates
// that are themselves degraded.
func (m *Manager) Alternate(model string) (*ModelConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	const maxHops = 3
	current := model
	for hop := 0; hop < maxHops; hop++ {
		desc, ok := m.profile.Model(current)
		if !ok || desc.Fallback == "" {
			return nil, false
		}
		next, ok := m.profile.Model(desc.Fallback)
		if !ok {
			return nil, false
		}
		if _, bad := m.degraded[next.Name]; !bad {
			return next, true
		}
		current = next.Name
	}
	return nil, false
}
