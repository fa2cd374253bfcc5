// Package routing classifies requests into routes and merges model
// preferences into a final model choice.
package routing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gantry-ai/gantry/pkg/engines"
	"github.com/gantry-ai/gantry/pkg/logging"
	"github.com/gantry-ai/gantry/pkg/profiles"
)

// Route is a categorical decision about how to service a request.
type Route string

const (
	RouteSelfHandle Route = "SELF_HANDLE"
	RouteSimpleCode Route = "SIMPLE_CODE"
	RouteReasoning  Route = "REASONING"
	RouteResearch   Route = "RESEARCH"
	RouteMath       Route = "MATH"
	RouteImage      Route = "IMAGE"
	RouteVision     Route = "VISION"
	RouteEmbedding  Route = "EMBEDDING"
)

// routeOrder fixes the parse order so classification stays deterministic
// when a reply mentions several labels.
var routeOrder = []Route{
	RouteSelfHandle,
	RouteSimpleCode,
	RouteReasoning,
	RouteResearch,
	RouteMath,
	RouteImage,
	RouteVision,
	RouteEmbedding,
}

// fallbackRoute is used when the router reply matches nothing.
const fallbackRoute = RouteReasoning

// Decision is the routing outcome: the route, the concrete model bound to
// it, and the route's suggested generation parameters.
type Decision struct {
	Route       Route
	Model       string
	Temperature *float64
	Thinking    *bool
	Tools       []string
}

// classifyMaxTokens bounds the router reply; one label is all we need.
const classifyMaxTokens = 16

// classifyInputCap truncates the classified text. The opening of a request
// is enough signal for a one-label decision.
const classifyInputCap = 2000

// Router maps a request to a route with one small LLM call into the
// profile's router model. Classification hints from preprocessing
// short-circuit the call.
type Router struct {
	log     logging.Logger
	profile *profiles.Profile
	engines *engines.Set
}

// NewRouter creates a router over the active profile.
func NewRouter(log logging.Logger, profile *profiles.Profile, engineSet *engines.Set) *Router {
	return &Router{log: log, profile: profile, engines: engineSet}
}

// Classify determines the route for the given text. hint, when set to a
// known route name (the preprocessor sets IMAGE or VISION), bypasses the
// LLM call. Classification never fails a request: on router trouble the
// fallback route is used.
func (r *Router) Classify(ctx context.Context, content, hint string) Decision {
	if hint != "" {
		if route, ok := parseRoute(hint); ok {
			return r.decisionFor(route)
		}
	}

	label, err := r.askRouter(ctx, content)
	if err != nil {
		r.log.WithError(err).Warnf("router model failed, falling back to %s", fallbackRoute)
		return r.decisionFor(fallbackRoute)
	}

	route, ok := parseRoute(label)
	if !ok {
		r.log.Debugf("unrecognised router reply %q, falling back to %s", label, fallbackRoute)
		route = fallbackRoute
	}
	return r.decisionFor(route)
}

// askRouter performs the single classification call and returns the raw
// reply text.
func (r *Router) askRouter(ctx context.Context, content string) (string, error) {
	model := r.profile.RouterModel
	engine, ok := r.engines.ForModel(model)
	if !ok {
		return "", fmt.Errorf("no engine registered for router model %s", model)
	}

	if len(content) > classifyInputCap {
		content = content[:classifyInputCap]
	}

	labels := make([]string, len(routeOrder))
	for i, route := range routeOrder {
		labels[i] = string(route)
	}
	messages := []engines.Message{
		{
			Role: engines.RoleSystem,
			Content: "Classify the user request into exactly one category. " +
				"Reply with only the category name, nothing else. Categories: " +
				strings.Join(labels, ", "),
		},
		{Role: engines.RoleUser, Content: content},
	}

	zero := 0.0
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	stream, err := engine.Generate(ctx, model, messages, engines.GenerateParams{
		Temperature: &zero,
		MaxTokens:   classifyMaxTokens,
	})
	if err != nil {
		return "", err
	}

	var reply strings.Builder
	for delta := range stream {
		switch delta.Kind {
		case engines.DeltaText:
			reply.WriteString(delta.Text)
		case engines.DeltaError:
			return "", delta.Err
		}
	}
	return reply.String(), nil
}

// decisionFor resolves the profile binding for a route. Routes without a
// binding inherit the fallback route's binding; with neither bound the
// decision carries no model and preference resolution must supply one.
func (r *Router) decisionFor(route Route) Decision {
	binding, ok := r.profile.Route(string(route))
	if !ok && route != fallbackRoute {
		binding, ok = r.profile.Route(string(fallbackRoute))
	}
	if !ok {
		return Decision{Route: route}
	}
	return Decision{
		Route:       route,
		Model:       binding.Model,
		Temperature: binding.Temperature,
		Thinking:    binding.Thinking,
		Tools:       binding.Tools,
	}
}

// parseRoute finds a route name anywhere in the text. Exact substring match
// in canonical order wins.
func parseRoute(text string) (Route, bool) {
	upper := strings.ToUpper(text)
	for _, route := range routeOrder {
		if strings.Contains(upper, string(route)) {
			return route, true
		}
	}
	return "", false
}
