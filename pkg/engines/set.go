package engines

// Set resolves model names to the engine adapter serving them. It is built
// once during wiring from the active profile and is read-only afterwards,
// so no locking is needed.
type Set struct {
	byModel map[string]Engine
	engines []Engine
}

// NewSet creates an empty engine set.
func NewSet() *Set {
	return &Set{byModel: make(map[string]Engine)}
}

// Register binds a model name to its engine. Engines are deduplicated for
// Engines() by adapter identity.
func (s *Set) Register(model string, engine Engine) {
	s.byModel[model] = engine
	for _, e := range s.engines {
		if e == engine {
			return
		}
	}
	s.engines = append(s.engines, engine)
}

// ForModel returns the engine serving the given model.
func (s *Set) ForModel(model string) (Engine, bool) {
	e, ok := s.byModel[model]
	return e, ok
}

// Engines returns the distinct engines in registration order. Used by
// reconciliation and the metrics sampler, which operate per endpoint rather
// than per model.
func (s *Set) Engines() []Engine {
	out := make([]Engine, len(s.engines))
	copy(out, s.engines)
	return out
}

// Models returns all model names with a registered engine.
func (s *Set) Models() []string {
	out := make([]string, 0, len(s.byModel))
	for m := range s.byModel {
		out = append(out, m)
	}
	return out
}
