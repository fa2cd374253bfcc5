package routing

import (
	"github.com/gantry-ai/gantry/pkg/store"
)

// SentinelAuto in a user's preferred model means "use the router".
const SentinelAuto = "auto"

// Overrides are the per-request knobs carried by the admitted request.
type Overrides struct {
	Model       string
	Temperature *float64
	Thinking    *bool
}

// Resolution is the merged outcome: the model to load and the generation
// parameters to use.
type Resolution struct {
	Model       string
	Temperature *float64
	Thinking    *bool
	Tools       []string
}

// Resolver merges request overrides, user preferences, and the route
// decision, in that priority order, with system defaults at the tail.
type Resolver struct {
	// DefaultTemperature applies when nothing else sets one. Nil leaves
	// the engine default in place.
	DefaultTemperature *float64
}

// NewResolver creates a resolver with the given system default temperature.
func NewResolver(defaultTemperature *float64) *Resolver {
	return &Resolver{DefaultTemperature: defaultTemperature}
}

// Resolve merges the three preference sources. user may be nil for
// anonymous requests.
func (r *Resolver) Resolve(req Overrides, user *store.User, route Decision) Resolution {
	res := Resolution{Tools: route.Tools}

	res.Model = route.Model
	if user != nil && user.PreferredModel != "" && user.PreferredModel != SentinelAuto {
		res.Model = user.PreferredModel
	}
	if req.Model != "" {
		res.Model = req.Model
	}

	res.Temperature = r.DefaultTemperature
	if route.Temperature != nil {
		res.Temperature = route.Temperature
	}
	if user != nil && user.Temperature != nil {
		res.Temperature = user.Temperature
	}
	if req.Temperature != nil {
		res.Temperature = req.Temperature
	}

	if route.Thinking != nil {
		res.Thinking = route.Thinking
	}
	if user != nil && user.Thinking != nil {
		res.Thinking = user.Thinking
	}
	if req.Thinking != nil {
		res.Thinking = req.Thinking
	}

	return res
}
