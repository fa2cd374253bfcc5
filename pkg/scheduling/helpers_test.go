package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gantry-ai/gantry/pkg/engines"
	"github.com/gantry-ai/gantry/pkg/logging"
	"github.com/gantry-ai/gantry/pkg/profiles"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.LevelError, os.Stderr)
}

const testCatalogue = `
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
        fallback: scout
      - name: scout
        engine: openai
        endpoint: http://localhost:9999/v1
        vram_size: 8GiB
        priority: NORMAL
      - name: scout2
        engine: openai
        endpoint: http://localhost:9999/v1
        vram_size: 8GiB
        priority: NORMAL
      - name: background
        engine: openai
        endpoint: http://localhost:9999/v1
        vram_size: 16GiB
        priority: LOW
      - name: fixed
        engine: monolith
        endpoint: http://localhost:9998/v1
        vram_size: 4GiB
        priority: NORMAL
    routes:
      REASONING:
        model: coder
      SIMPLE_CODE:
        model: scout
        temperature: 0.2
`

func testProfile(t *testing.T) *profiles.Profile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalogue), 0o644))
	p, err := profiles.Load(testLogger(), path, "test")
	require.NoError(t, err)
	return p
}

// fakeEngine is an in-memory Engine for orchestration tests. Its hooks
// default to success; tests override them per scenario.
type fakeEngine struct {
	name string

	mu       sync.Mutex
	loaded   []string
	unloads  []string
	cleanups int

	loadErr   func(model string) error
	unloadErr func(model string) error
	listErr   error
	generate  func(ctx context.Context, model string, messages []engines.Message, params engines.GenerateParams) (<-chan engines.Delta, error)
}

func newFakeEngine(name string) *fakeEngine {
	return &fakeEngine{name: name}
}

func (e *fakeEngine) Name() string { return e.name }

func (e *fakeEngine) Generate(ctx context.Context, model string, messages []engines.Message, params engines.GenerateParams) (<-chan engines.Delta, error) {
	if e.generate != nil {
		return e.generate(ctx, model, messages, params)
	}
	out := make(chan engines.Delta, 2)
	out <- engines.Delta{Kind: engines.DeltaText, Text: "ok"}
	out <- engines.Delta{Kind: engines.DeltaUsage, Usage: &engines.Usage{InputTokens: 1, OutputTokens: 1}}
	close(out)
	return out, nil
}

func (e *fakeEngine) Load(ctx context.Context, model string, params engines.GenerateParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loadErr != nil {
		if err := e.loadErr(model); err != nil {
			return err
		}
	}
	e.loaded = append(e.loaded, model)
	return nil
}

func (e *fakeEngine) Unload(ctx context.Context, model string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unloadErr != nil {
		if err := e.unloadErr(model); err != nil {
			return err
		}
	}
	e.unloads = append(e.unloads, model)
	for i, m := range e.loaded {
		if m == model {
			e.loaded = append(e.loaded[:i], e.loaded[i+1:]...)
			break
		}
	}
	return nil
}

func (e *fakeEngine) ListLoaded(ctx context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listErr != nil {
		return nil, e.listErr
	}
	out := make([]string, len(e.loaded))
	copy(out, e.loaded)
	return out, nil
}

func (e *fakeEngine) Cleanup(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleanups++
	return nil
}

func (e *fakeEngine) unloadedModels() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.unloads))
	copy(out, e.unloads)
	return out
}

func testRequest(id string) *Request {
	return &Request{
		ID:             id,
		ClientHandle:   "handle-" + id,
		ConversationID: "conv-" + id,
		UserID:         "user-1",
		Content:        fmt.Sprintf("request %s", id),
	}
}
