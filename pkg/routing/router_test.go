package routing

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-ai/gantry/pkg/engines"
	"github.com/gantry-ai/gantry/pkg/logging"
	"github.com/gantry-ai/gantry/pkg/profiles"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.LevelError, os.Stderr)
}

const routerCatalogue = `
profiles:
  test:
    soft_limit: 40GiB
    hard_limit: 48GiB
    router_model: router
    models:
      - name: router
        engine: openai
        endpoint: http://localhost:9999/v1
        vram_size: 2GiB
        priority: CRITICAL
      - name: coder
        engine: openai
        endpoint: http://localhost:9999/v1
        vram_size: 20GiB
        priority: HIGH
      - name: painter
        engine: openai
        endpoint: http://localhost:9999/v1
        vram_size: 12GiB
        priority: NORMAL
    routes:
      REASONING:
        model: coder
        thinking: true
      SIMPLE_CODE:
        model: coder
        temperature: 0.2
      IMAGE:
        model: painter
`

// labelEngine answers every classification call with a fixed label.
type labelEngine struct {
	label string
	err   error
	calls int
}

func (e *labelEngine) Name() string { return "openai" }

func (e *labelEngine) Generate(ctx context.Context, model string, messages []engines.Message, params engines.GenerateParams) (<-chan engines.Delta, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make(chan engines.Delta, 1)
	out <- engines.Delta{Kind: engines.DeltaText, Text: e.label}
	close(out)
	return out, nil
}

func (e *labelEngine) Load(context.Context, string, engines.GenerateParams) error { return nil }
func (e *labelEngine) Unload(context.Context, string) error                       { return nil }
func (e *labelEngine) ListLoaded(context.Context) ([]string, error)               { return nil, nil }
func (e *labelEngine) Cleanup(context.Context) error                              { return nil }

func routerFixture(t *testing.T, engine engines.Engine) *Router {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(routerCatalogue), 0o644))
	p, err := profiles.Load(testLogger(), path, "test")
	require.NoError(t, err)

	set := engines.NewSet()
	for _, m := range p.Models {
		set.Register(m.Name, engine)
	}
	return NewRouter(testLogger(), p, set)
}

func TestRouterHintShortCircuits(t *testing.T) {
	engine := &labelEngine{label: "REASONING"}
	r := routerFixture(t, engine)

	d := r.Classify(context.Background(), "describe this picture", "IMAGE")
	assert.Equal(t, RouteImage, d.Route)
	assert.Equal(t, "painter", d.Model)
	assert.Zero(t, engine.calls, "a hint must not trigger the router call")
}

func TestRouterClassifiesThroughModel(t *testing.T) {
	engine := &labelEngine{label: "SIMPLE_CODE"}
	r := routerFixture(t, engine)

	d := r.Classify(context.Background(), "write a bash one-liner", "")
	assert.Equal(t, RouteSimpleCode, d.Route)
	assert.Equal(t, "coder", d.Model)
	require.NotNil(t, d.Temperature)
	assert.InDelta(t, 0.2, *d.Temperature, 1e-9)
	assert.Equal(t, 1, engine.calls)
}

func TestRouterChattyReplyStillParses(t *testing.T) {
	engine := &labelEngine{label: "The category is REASONING."}
	r := routerFixture(t, engine)

	d := r.Classify(context.Background(), "prove this theorem", "")
	assert.Equal(t, RouteReasoning, d.Route)
	require.NotNil(t, d.Thinking)
	assert.True(t, *d.Thinking)
}

func TestRouterParseOrderIsDeterministic(t *testing.T) {
	// A reply mentioning several labels resolves by canonical order, not
	// by position in the text.
	engine := &labelEngine{label: "MATH or maybe SIMPLE_CODE"}
	r := routerFixture(t, engine)

	d := r.Classify(context.Background(), "x", "")
	assert.Equal(t, RouteSimpleCode, d.Route)
}

func TestRouterFallsBackOnUnrecognisedReply(t *testing.T) {
	engine := &labelEngine{label: "banana"}
	r := routerFixture(t, engine)

	d := r.Classify(context.Background(), "x", "")
	assert.Equal(t, RouteReasoning, d.Route)
	assert.Equal(t, "coder", d.Model)
}

func TestRouterFallsBackOnEngineError(t *testing.T) {
	engine := &labelEngine{err: errors.New("router down")}
	r := routerFixture(t, engine)

	d := r.Classify(context.Background(), "x", "")
	assert.Equal(t, RouteReasoning, d.Route)
	assert.Equal(t, "coder", d.Model)
}

func TestRouterUnboundRouteInheritsFallbackBinding(t *testing.T) {
	// MATH has no binding in the catalogue; it inherits REASONING's model.
	engine := &labelEngine{label: "MATH"}
	r := routerFixture(t, engine)

	d := r.Classify(context.Background(), "integrate x^2", "")
	assert.Equal(t, RouteMath, d.Route)
	assert.Equal(t, "coder", d.Model)
}

func TestRouterUnknownHintFallsThroughToClassification(t *testing.T) {
	engine := &labelEngine{label: "IMAGE"}
	r := routerFixture(t, engine)

	d := r.Classify(context.Background(), "x", "NOT_A_ROUTE")
	assert.Equal(t, RouteImage, d.Route)
	assert.Equal(t, 1, engine.calls)
}
