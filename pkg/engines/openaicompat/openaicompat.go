// Package openaicompat adapts OpenAI-compatible inference engines
// (vLLM, llama-server, and friends) to the engines.Engine contract using
// SSE streaming on /v1/chat/completions.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/gantry-ai/gantry/pkg/engines"
	"github.com/gantry-ai/gantry/pkg/logging"
)

// Name is the adapter name.
const Name = "openai"

// tokenOverheadPerMessage approximates role and framing tokens when the
// engine omits a usage report.
const tokenOverheadPerMessage = 4

type openAI struct {
	log        logging.Logger
	client     oai.Client
	httpClient *http.Client
	endpoint   string
	metricsURL string
}

// New creates an adapter for an OpenAI-compatible engine at the given
// endpoint (including the /v1 suffix). apiKey may be empty for engines that
// accept anonymous requests.
func New(log logging.Logger, endpoint, apiKey string, httpClient *http.Client) engines.Engine {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	opts := []option.RequestOption{
		option.WithBaseURL(endpoint),
		option.WithHTTPClient(httpClient),
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	return &openAI{
		log:        log,
		client:     oai.NewClient(opts...),
		httpClient: httpClient,
		endpoint:   endpoint,
		metricsURL: metricsEndpoint(endpoint),
	}
}

// metricsEndpoint derives the Prometheus exposition URL from the API base.
// llama-server and vLLM both serve it at the host root.
func metricsEndpoint(endpoint string) string {
	base := strings.TrimSuffix(strings.TrimSuffix(endpoint, "/"), "/v1")
	return base + "/metrics"
}

func (o *openAI) Name() string {
	return Name
}

func (o *openAI) Generate(ctx context.Context, model string, messages []engines.Message, params engines.GenerateParams) (<-chan engines.Delta, error) {
	body, err := buildParams(model, messages, params)
	if err != nil {
		return nil, err
	}

	stream := o.client.Chat.Completions.NewStreaming(ctx, body)
	if err := stream.Err(); err != nil {
		return nil, classify(err)
	}

	ch := make(chan engines.Delta, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		start := time.Now()
		var usage *engines.Usage
		var outputChars int
		toolCalls := map[int]*toolCallAccum{}
		emitted := map[int]bool{}

		send := func(d engines.Delta) bool {
			select {
			case ch <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for stream.Next() {
			chunk := stream.Current()

			// The include_usage terminal chunk carries usage and no choices.
			if chunk.Usage.TotalTokens > 0 {
				usage = &engines.Usage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			if choice.Delta.Content != "" {
				outputChars += len(choice.Delta.Content)
				if !send(engines.Delta{Kind: engines.DeltaText, Text: choice.Delta.Content}) {
					return
				}
			}

			for _, tc := range choice.Delta.ToolCalls {
				idx := int(tc.Index)
				acc, ok := toolCalls[idx]
				if !ok {
					acc = &toolCallAccum{}
					toolCalls[idx] = acc
				}
				if tc.Function.Name != "" {
					acc.name = tc.Function.Name
				}
				acc.args += tc.Function.Arguments
			}

			if choice.FinishReason != "" {
				for idx, acc := range toolCalls {
					if emitted[idx] || acc.name == "" {
						continue
					}
					emitted[idx] = true
					if !send(engines.Delta{Kind: engines.DeltaToolCall, ToolName: acc.name, ToolArgs: acc.args}) {
						return
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			send(engines.Delta{Kind: engines.DeltaError, Err: classify(err)})
			return
		}

		if usage == nil {
			usage = &engines.Usage{
				InputTokens:  estimateTokens(messages),
				OutputTokens: (outputChars + 3) / 4,
			}
		}
		usage.Duration = time.Since(start)
		send(engines.Delta{Kind: engines.DeltaUsage, Usage: usage})
	}()

	return ch, nil
}

// Load records intent only: OpenAI-compatible servers page models in on
// first use and expose no load call.
func (o *openAI) Load(ctx context.Context, model string, params engines.GenerateParams) error {
	o.log.Debugf("load intent recorded for %s (engine manages residency on first use)", model)
	return nil
}

// Unload is a no-op on the wire for the same reason.
func (o *openAI) Unload(ctx context.Context, model string) error {
	o.log.Debugf("unload intent recorded for %s", model)
	return nil
}

func (o *openAI) ListLoaded(ctx context.Context) ([]string, error) {
	page, err := o.client.Models.List(ctx)
	if err != nil {
		return nil, classify(err)
	}
	models := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

func (o *openAI) Cleanup(ctx context.Context) error {
	return nil
}

// ScrapeMetrics implements engines.MetricsScraper against the engine's
// Prometheus exposition endpoint.
func (o *openAI) ScrapeMetrics(ctx context.Context) (map[string]float64, error) {
	return engines.ScrapePrometheus(ctx, o.httpClient, o.metricsURL, nil)
}

type toolCallAccum struct {
	name string
	args string
}

func buildParams(model string, messages []engines.Message, params engines.GenerateParams) (oai.ChatCompletionNewParams, error) {
	converted := make([]oai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case engines.RoleSystem:
			converted = append(converted, oai.SystemMessage(m.Content))
		case engines.RoleUser:
			converted = append(converted, oai.UserMessage(m.Content))
		case engines.RoleAssistant:
			converted = append(converted, oai.AssistantMessage(m.Content))
		default:
			return oai.ChatCompletionNewParams{}, engines.NewProtocolError(fmt.Errorf("unknown message role %q", m.Role))
		}
	}

	body := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: converted,
		StreamOptions: oai.ChatCompletionStreamOptionsParam{
			IncludeUsage: param.NewOpt(true),
		},
	}

	if params.Temperature != nil {
		body.Temperature = param.NewOpt(*params.Temperature)
	}
	if params.MaxTokens > 0 {
		body.MaxCompletionTokens = param.NewOpt(int64(params.MaxTokens))
	}
	if params.ThinkingLevel != "" {
		body.ReasoningEffort = shared.ReasoningEffort(params.ThinkingLevel)
	}

	return body, nil
}

// classify maps SDK errors onto the engine error taxonomy.
func classify(err error) error {
	var apierr *oai.Error
	if errors.As(err, &apierr) {
		return engines.NewEngineError(apierr.StatusCode, err)
	}
	return engines.ClassifyTransport(err)
}

func estimateTokens(messages []engines.Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + tokenOverheadPerMessage
	}
	return total
}
