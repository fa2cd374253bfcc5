package scheduling

import (
	"container/list"
	"sync"
	"time"

	"github.com/gantry-ai/gantry/pkg/profiles"
)

// registryEntry is one resident model. Entries live on the LRU list, least
// recently accessed at the front.
type registryEntry struct {
	name       string
	descriptor *profiles.ModelConfig
	// lastAccessed is updated by Touch, loadedAt at Add.
	lastAccessed time.Time
	loadedAt     time.Time
	// external marks models discovered by reconciliation rather than loaded
	// by the orchestrator.
	external bool
}

// RegistryEntry is the exported snapshot view of a resident model.
type RegistryEntry struct {
	ModelID      string            `json:"model_id"`
	Backend      string            `json:"backend"`
	VRAMGB       float64           `json:"vram_size_gb"`
	Priority     profiles.Priority `json:"-"`
	PriorityName string            `json:"priority"`
	LastAccessed time.Time         `json:"last_accessed"`
	LoadedAt     time.Time         `json:"loaded_at"`
	IsExternal   bool              `json:"is_external"`
}

// Registry is the authoritative set of models believed resident, ordered by
// least-recent access. It is owned exclusively by the orchestrator; all
// mutation goes through its methods. A single mutex serialises everything.
type Registry struct {
	mu     sync.Mutex
	order  *list.List
	byName map[string]*list.Element
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		order:  list.New(),
		byName: make(map[string]*list.Element),
	}
}

// Add inserts the model at the MRU end. Returns ErrModelPresent when the
// model is already registered.
func (r *Registry) Add(desc *profiles.ModelConfig, external bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[desc.Name]; ok {
		return ErrModelPresent
	}
	now := time.Now()
	elem := r.order.PushBack(&registryEntry{
		name:         desc.Name,
		descriptor:   desc,
		lastAccessed: now,
		loadedAt:     now,
		external:     external,
	})
	r.byName[desc.Name] = elem
	return nil
}

// Touch moves the model to the MRU end and updates its access time.
func (r *Registry) Touch(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	elem, ok := r.byName[name]
	if !ok {
		return ErrModelAbsent
	}
	elem.Value.(*registryEntry).lastAccessed = time.Now()
	r.order.MoveToBack(elem)
	return nil
}

// Remove deletes the model's entry. Returns ErrModelAbsent when not present.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	elem, ok := r.byName[name]
	if !ok {
		return ErrModelAbsent
	}
	r.order.Remove(elem)
	delete(r.byName, name)
	return nil
}

// Contains reports whether the model is registered.
func (r *Registry) Contains(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byName[name]
	return ok
}

// LRUByPriority returns the least-recently-used model whose priority is at
// most max, skipping any excluded names. Ties on access time break toward
// the older load timestamp. The second return is false when no model
// qualifies.
func (r *Registry) LRUByPriority(max profiles.Priority, exclude ...string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	excluded := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excluded[name] = true
	}

	var candidate *registryEntry
	for elem := r.order.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*registryEntry)
		if entry.descriptor.Priority > max || excluded[entry.name] {
			continue
		}
		if candidate == nil {
			candidate = entry
			continue
		}
		if entry.lastAccessed.Equal(candidate.lastAccessed) && entry.loadedAt.Before(candidate.loadedAt) {
			candidate = entry
		}
	}
	if candidate == nil {
		return "", false
	}
	return candidate.name, true
}

// TotalDeclaredGB sums the declared VRAM of all resident models.
func (r *Registry) TotalDeclaredGB() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var total float64
	for elem := r.order.Front(); elem != nil; elem = elem.Next() {
		total += elem.Value.(*registryEntry).descriptor.VRAMGB
	}
	return total
}

// Snapshot returns an LRU-ordered copy of the registry for observability.
func (r *Registry) Snapshot() []RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RegistryEntry, 0, r.order.Len())
	for elem := r.order.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*registryEntry)
		out = append(out, RegistryEntry{
			ModelID:      entry.name,
			Backend:      string(entry.descriptor.Engine),
			VRAMGB:       entry.descriptor.VRAMGB,
			Priority:     entry.descriptor.Priority,
			PriorityName: entry.descriptor.Priority.String(),
			LastAccessed: entry.lastAccessed,
			LoadedAt:     entry.loadedAt,
			IsExternal:   entry.external,
		})
	}
	return out
}

// Names returns the registered model names in LRU order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, r.order.Len())
	for elem := r.order.Front(); elem != nil; elem = elem.Next() {
		out = append(out, elem.Value.(*registryEntry).name)
	}
	return out
}
