// Package monolith wraps an OpenAI-compatible engine that serves one fixed
// model for its whole lifetime, such as a dedicated vLLM deployment. Load
// and unload are intent-only: the orchestrator tracks the model as external
// residency it does not manage.
package monolith

import (
	"context"
	"net/http"

	"github.com/gantry-ai/gantry/pkg/engines"
	"github.com/gantry-ai/gantry/pkg/engines/openaicompat"
	"github.com/gantry-ai/gantry/pkg/logging"
)

// Name is the adapter name.
const Name = "monolith"

type monolith struct {
	engines.Engine
	model string
}

// New creates an adapter for a single-model deployment at the given
// OpenAI-compatible endpoint. The wrapped engine only ever serves model.
func New(log logging.Logger, endpoint, apiKey, model string, httpClient *http.Client) engines.Engine {
	return &monolith{
		Engine: openaicompat.New(log, endpoint, apiKey, httpClient),
		model:  model,
	}
}

func (m *monolith) Name() string {
	return Name
}

// Load is intent-only. The deployment owns its residency.
func (m *monolith) Load(ctx context.Context, model string, params engines.GenerateParams) error {
	return nil
}

// Unload is intent-only for the same reason.
func (m *monolith) Unload(ctx context.Context, model string) error {
	return nil
}

// ListLoaded reports the fixed model whenever the deployment answers.
func (m *monolith) ListLoaded(ctx context.Context) ([]string, error) {
	if _, err := m.Engine.ListLoaded(ctx); err != nil {
		return nil, err
	}
	return []string{m.model}, nil
}

// ScrapeMetrics implements engines.MetricsScraper by delegating to the
// wrapped adapter. Interface embedding does not promote it.
func (m *monolith) ScrapeMetrics(ctx context.Context) (map[string]float64, error) {
	scraper, ok := m.Engine.(engines.MetricsScraper)
	if !ok {
		return nil, nil
	}
	return scraper.ScrapeMetrics(ctx)
}
